package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "logarchive",
		Short:         "Inspect write-ahead log partitions and archive runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newDumpCmd(),
		newRunsCmd(),
		newVerifyCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "logarchive: %v\n", err)
		os.Exit(1)
	}
}
