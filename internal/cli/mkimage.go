package cli

import (
	stdelf "debug/elf"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dmarro89/go-dav-sched/drivers/ata"
	"github.com/dmarro89/go-dav-sched/fs/fat16"
	"github.com/dmarro89/go-dav-sched/kernel/elf"
)

// demoEntry is where the demo executable is linked. Its code is a single
// jmp-to-self.
const demoEntry = 0x401000

func newMkimageCmd() *cobra.Command {
	var sectors uint32
	var demo bool

	cmd := &cobra.Command{
		Use:   "mkimage <image> [file...]",
		Short: "Create a FAT16 disk image",
		Long: `Formats a new FAT16 image and copies the given files into its root
directory. File names must fit the 8.3 format.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			disk := ata.NewMemDisk(sectors)
			if err := fat16.Format(disk); err != nil {
				return err
			}
			vol, err := fat16.Mount(disk, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if demo {
				img := elf.Build(demoEntry,
					elf.Segment{Vaddr: demoEntry, Data: []byte{0xeb, 0xfe}, Flags: stdelf.PF_R | stdelf.PF_X},
				)
				if err := vol.CreateFile("INIT.ELF", img); err != nil {
					return fmt.Errorf("INIT.ELF: %w", err)
				}
				fmt.Fprintf(out, "added INIT.ELF (%s)\n", humanize.IBytes(uint64(len(img))))
			}
			for _, path := range args[1:] {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				name := filepath.Base(path)
				if err := vol.CreateFile(name, data); err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				fmt.Fprintf(out, "added %s (%s)\n", name, humanize.IBytes(uint64(len(data))))
			}

			if err := disk.Save(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %s (%s)\n", args[0], humanize.IBytes(uint64(len(disk.Bytes()))))
			return nil
		},
	}

	cmd.Flags().Uint32Var(&sectors, "sectors", 8192, "Image size in 512-byte sectors (at most 65535 are used)")
	cmd.Flags().BoolVar(&demo, "demo", false, "Add a demo INIT.ELF executable")

	return cmd
}
