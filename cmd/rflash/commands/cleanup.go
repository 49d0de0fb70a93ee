package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/recoverytools/rflash/internal/config"
	"github.com/recoverytools/rflash/pkg/db"
	"github.com/recoverytools/rflash/pkg/errors"
)

var (
	cleanupHistory bool
	cleanupPrefs   bool
	cleanupFSM     bool
	cleanupStale   bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up local state (history, preferences, FSM store)",
	Long: `Clean up local state kept between runs:
  --history          Delete all flash history
  --prefs            Forget the saved flash target
  --fsm              Remove the FSM state directory
  --stale            Mark runs interrupted mid flight as failed`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupHistory, "history", false, "Delete flash history")
	cleanupCmd.Flags().BoolVar(&cleanupPrefs, "prefs", false, "Clear saved preferences")
	cleanupCmd.Flags().BoolVar(&cleanupFSM, "fsm", false, "Remove FSM state directory")
	cleanupCmd.Flags().BoolVar(&cleanupStale, "stale", false, "Fail interrupted runs")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if !cleanupHistory && !cleanupPrefs && !cleanupFSM && !cleanupStale {
		return fmt.Errorf("must specify --history, --prefs, --fsm, or --stale")
	}

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

	if cleanupStale {
		if err := cleanupStaleFlashes(repo); err != nil {
			return err
		}
	}

	if cleanupHistory {
		n, err := repo.DeleteFlashes()
		if err != nil {
			return err
		}
		fmt.Printf("🗑️  Removed %d flash records\n", n)
	}

	if cleanupPrefs {
		if err := repo.ClearPreferences(); err != nil {
			return err
		}
		fmt.Println("🗑️  Cleared saved target")
	}

	if cleanupFSM {
		if err := cleanupFSMStore(cfg); err != nil {
			return err
		}
	}

	return nil
}

// cleanupStaleFlashes fails every run left in a non terminal status. Such a
// run was interrupted and will never be resumed.
func cleanupStaleFlashes(repo *db.Repository) error {
	fmt.Println("🔍 Scanning for interrupted flashes...")

	flashes, err := repo.ListFlashes(0)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	staleCount := 0
	for _, f := range flashes {
		if f.Status == db.StatusComplete || f.Status == db.StatusFailed {
			continue
		}

		f.Status = db.StatusFailed
		f.ErrorKind = string(errors.KindUnknown)
		f.ErrorMessage = "Flash interrupted"
		if err := repo.UpdateFlash(f); err != nil {
			fmt.Printf("⚠️  Failed to update %s: %v\n", f.RunID, err)
			continue
		}
		fmt.Printf("✅ Marked failed: %s (%s)\n", f.RunID, f.ImageName)
		staleCount++
	}

	if staleCount == 0 {
		fmt.Println("✨ No interrupted flashes found")
	}
	return nil
}

func cleanupFSMStore(cfg *config.Config) error {
	if _, err := os.Stat(cfg.FSMDBPath); os.IsNotExist(err) {
		fmt.Println("✨ No FSM state found")
		return nil
	}
	if err := os.RemoveAll(cfg.FSMDBPath); err != nil {
		return errors.Wrap(err, "failed to remove FSM state")
	}
	fmt.Printf("🗑️  Removed FSM state: %s\n", cfg.FSMDBPath)
	return nil
}
