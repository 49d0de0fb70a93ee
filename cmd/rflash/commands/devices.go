package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/cobra"

	"github.com/recoverytools/rflash/pkg/backend"
	"github.com/recoverytools/rflash/pkg/errors"
)

var devicesAll bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List mounted partitions that can receive an image",
	Long: `Lists partitions with their mount points and free space. Pass a
partition's device with --device to write raw, or its mount point with
--volume to write the image as a file.`,
	RunE: runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.Flags().BoolVar(&devicesAll, "all", false, "Include pseudo and virtual file systems")
}

func runDevices(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	platform := backend.Detect()
	fmt.Printf("Platform: %s (block: %v, volume: %v, chunk: %s)\n\n",
		platform.OS,
		platform.Supports(backend.KindBlock),
		platform.Supports(backend.KindVolume),
		humanize.IBytes(uint64(platform.Profile().ChunkSize)))

	partitions, err := disk.PartitionsWithContext(ctx, devicesAll)
	if err != nil {
		return errors.Wrap(err, "failed to list partitions")
	}

	if len(partitions) == 0 {
		fmt.Println("No partitions found")
		return nil
	}

	fmt.Printf("%-24s %-32s %-8s %-10s %-10s %-4s\n", "DEVICE", "MOUNTPOINT", "FSTYPE", "SIZE", "FREE", "RO")
	fmt.Println(strings.Repeat("-", 94))

	for _, p := range partitions {
		size, free := "-", "-"
		if usage, err := disk.UsageWithContext(ctx, p.Mountpoint); err == nil {
			size = humanize.IBytes(usage.Total)
			free = humanize.IBytes(usage.Free)
		}

		ro := ""
		for _, opt := range p.Opts {
			if opt == "ro" {
				ro = "yes"
			}
		}

		fmt.Printf("%-24s %-32s %-8s %-10s %-10s %-4s\n",
			truncate(p.Device, 24), truncate(p.Mountpoint, 32), p.Fstype, size, free, ro)
	}

	return nil
}
