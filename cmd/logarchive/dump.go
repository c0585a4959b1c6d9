package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
	"github.com/Blackdeer1524/LogArchive/src/wal"
)

// newDumpCmd walks partitions record by record at header level. The type
// column is numeric: the record bodies (and thus the type table) belong to
// the system that wrote the log.
func newDumpCmd() *cobra.Command {
	var (
		logdir    string
		blockSize uint64
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the log records of every partition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := afero.NewOsFs()

			storage, err := wal.OpenStorage(fs, wal.StorageOptions{
				Logdir:        logdir,
				PartitionSize: 1 << 62, // inspection only: accept any file size
				SegmentSize:   blockSize,
			}, common.NoopLogger{})
			if err != nil {
				return err
			}
			defer storage.Close()

			for _, pnum := range storage.ListPartitions() {
				p := storage.GetPartition(pnum)
				if p == nil {
					continue
				}
				if err := dumpPartition(cmd, p, pnum); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&logdir, "logdir", "", "directory holding log.<N> partitions")
	cmd.Flags().Uint64Var(&blockSize, "block-size", 1<<20, "read granularity in bytes")
	_ = cmd.MarkFlagRequired("logdir")

	return cmd
}

func dumpPartition(cmd *cobra.Command, p *wal.Partition, pnum common.PartitionNumber) error {
	size := p.Size()
	buf := make([]byte, size)
	if size > 0 {
		if _, err := p.ReadAt(buf, 0); err != nil {
			return fmt.Errorf("read partition %d: %w", pnum, err)
		}
	}

	cmd.Printf("partition %d (%d bytes)\n", pnum, size)

	for pos := int64(0); pos+wal.HeaderSize <= size; {
		rec := wal.Record(buf[pos:])
		l := int64(rec.Length())
		if l < wal.HeaderSize || l%wal.LogrecAlignment != 0 || pos+l > size {
			if rec.Length() != 0 || rec.Type() != wal.TypeInvalid {
				cmd.Printf("  %v: unparseable header (type=%d len=%d)\n",
					common.NewLSN(pnum, uint32(pos)), rec.Type(), rec.Length())
			}
			break
		}

		if rec.Type() == wal.TypeEOF {
			cmd.Printf("  %v: eof\n", common.NewLSN(pnum, uint32(pos)))
			break
		}

		cmd.Printf("  %v: pid=%d version=%d type=%d len=%d\n",
			common.NewLSN(pnum, uint32(pos)),
			rec.PID(), rec.PageVersion(), rec.Type(), rec.Length())
		pos += l
	}

	return nil
}
