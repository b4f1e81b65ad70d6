package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dmarro89/go-dav-sched/drivers/ata"
	"github.com/dmarro89/go-dav-sched/internal/config"
	"github.com/dmarro89/go-dav-sched/internal/logging"
	"github.com/dmarro89/go-dav-sched/kernel"
	"github.com/dmarro89/go-dav-sched/kernel/mm/pmm"
)

func newRunCmd() *cobra.Command {
	var manifest string
	var ticks uint64
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run [disk-image]",
		Short: "Boot the manifest and drive the timer",
		Long: `Boots the scheduler with the tasks listed in the manifest and fires timer
ticks until every task has been reaped, the tick budget is spent, or the
timeout expires. Task names that are not built-in programs are loaded as
ELF executables from the FAT16 disk image.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if manifest != "" {
				var err error
				if cfg, err = config.Load(manifest); err != nil {
					return err
				}
				// Manifest logging applies unless overridden on the command line.
				if !cmd.Flags().Changed("log-level") && !flagDebug {
					flagLogLevel = cfg.Log.Level
				}
				if !cmd.Flags().Changed("log-format") {
					flagLogFormat = cfg.Log.Format
				}
				logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
			}

			var disk ata.Device
			if len(args) == 1 {
				d, err := ata.LoadMemDisk(args[0])
				if err != nil {
					return err
				}
				disk = d
			}

			k, err := kernel.Boot(cfg, disk, logger)
			if err != nil {
				return fmt.Errorf("boot: %w", err)
			}
			defer k.Shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			stats, runErr := k.Run(ctx, ticks)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "boot %s: %d ticks, %d switches, halted=%t\n", k.BootID(), stats.Ticks, stats.Switches, stats.Halted)
			tasks := k.Scheduler().Tasks()
			if len(tasks) > 0 {
				fmt.Fprintf(out, "%-6s  %-16s  %-9s  %s\n", "ID", "NAME", "STATE", "CODE")
				for _, t := range tasks {
					fmt.Fprintf(out, "%-6d  %-16s  %-9s  %d\n", t.ID, t.Name, t.State, t.ExitCode)
				}
			}
			st := k.Frames()
			fmt.Fprintf(out, "memory: %s free of %s\n",
				humanize.IBytes(uint64(st.Free)*pmm.FrameSize),
				humanize.IBytes(uint64(st.Total)*pmm.FrameSize))

			if runErr != nil && !errors.Is(runErr, context.DeadlineExceeded) {
				return runErr
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifest, "manifest", "m", "", "Boot manifest (YAML)")
	cmd.Flags().Uint64Var(&ticks, "ticks", 1000, "Maximum number of timer ticks")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop after this much wall-clock time")

	return cmd
}
