package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dmarro89/go-dav-sched/drivers/ata"
	"github.com/dmarro89/go-dav-sched/fs/fat16"
)

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <image>",
		Short: "List the root directory of a FAT16 image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			disk, err := ata.LoadMemDisk(args[0])
			if err != nil {
				return err
			}
			vol, err := fat16.Mount(disk, logger)
			if err != nil {
				return err
			}
			entries, err := vol.List()
			if err != nil {
				return fmt.Errorf("list %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No files found.")
				return nil
			}
			fmt.Fprintf(out, "%-12s  %10s  %s\n", "NAME", "SIZE", "CLUSTER")
			for _, e := range entries {
				fmt.Fprintf(out, "%-12s  %10s  %d\n", e.Name, humanize.IBytes(uint64(e.Size)), e.Cluster)
			}
			return nil
		},
	}
}
