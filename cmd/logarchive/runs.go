package main

import (
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/LogArchive/src/archive"
	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
)

func newRunsCmd() *cobra.Command {
	var (
		archdir string
		level   int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the archived runs and their index sizes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			idx, err := archive.OpenIndex(archive.IndexOptions{
				Archdir: archdir,
			}, common.NoopLogger{})
			if err != nil {
				return err
			}
			defer idx.Close()

			cmd.Printf("max level: %d, last archived epoch: %d\n",
				idx.MaxLevel(), idx.GetLastRun())

			for _, id := range idx.ListRuns(level) {
				rf, err := idx.OpenForScan(id)
				if err != nil {
					return err
				}
				cmd.Printf("  %v: %d bytes (%d of records)\n",
					id, rf.Length, rf.DataLen)
				idx.CloseScan(id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&archdir, "archdir", "", "directory holding archive runs")
	cmd.Flags().IntVar(&level, "level", 0, "only this level (0 = all)")
	_ = cmd.MarkFlagRequired("archdir")

	return cmd
}
