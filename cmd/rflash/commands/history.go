package commands

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/recoverytools/rflash/pkg/db"
	"github.com/recoverytools/rflash/pkg/errors"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past flash runs",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Max runs to show (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := ensureDirectories(cfg.SQLitePath, ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	flashes, err := repo.ListFlashes(historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(flashes) == 0 {
		fmt.Println("No flashes found")
		return nil
	}

	fmt.Printf("%-36s %-28s %-8s %-24s %-11s %-16s %-20s\n", "RUN", "IMAGE", "KIND", "TARGET", "STATUS", "WRITTEN", "CREATED")
	fmt.Println(strings.Repeat("-", 150))

	for _, f := range flashes {
		written := fmt.Sprintf("%s/%s", humanize.IBytes(uint64(f.BytesWritten)), humanize.IBytes(uint64(f.TotalBytes)))
		fmt.Printf("%-36s %-28s %-8s %-24s %-11s %-16s %-20s\n",
			f.RunID, truncate(f.ImageName, 28), f.DeviceKind, truncate(f.Target, 24), f.Status, written, f.CreatedAt)
		if f.ErrorMessage != "" {
			fmt.Printf("    ↳ %s: %s\n", f.ErrorKind, f.ErrorMessage)
		}
	}

	return nil
}
