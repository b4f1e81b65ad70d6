//go:build gccgo

package kernel

import (
	"log/slog"

	"github.com/dmarro89/go-dav-sched/drivers/ata"
	"github.com/dmarro89/go-dav-sched/internal/config"
)

// BootHardware boots with the primary-master ATA disk, of the given size in
// sectors, as the boot volume.
func BootHardware(cfg config.Config, sectors uint32, log *slog.Logger) (*Kernel, error) {
	return Boot(cfg, ata.NewPrimaryPIO(sectors), log)
}
