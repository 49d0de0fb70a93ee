package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/recoverytools/rflash/pkg/backend"
	"github.com/recoverytools/rflash/pkg/db"
	"github.com/recoverytools/rflash/pkg/errors"
)

var prefsConsent bool

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or change the saved flash target",
	RunE:  runPrefsShow,
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <block|volume> <target>",
	Short: "Save the default flash target",
	Args:  cobra.ExactArgs(2),
	RunE:  runPrefsSet,
}

var prefsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the saved flash target",
	RunE:  runPrefsClear,
}

func init() {
	rootCmd.AddCommand(prefsCmd)
	prefsCmd.AddCommand(prefsSetCmd, prefsClearCmd)
	prefsSetCmd.Flags().BoolVar(&prefsConsent, "consent", false, "Consent to mass storage usage")
}

func openRepository() (*db.Repository, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := ensureDirectories(cfg.SQLitePath, ""); err != nil {
		return nil, err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	return repo, nil
}

func runPrefsShow(cmd *cobra.Command, args []string) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	prefs, err := repo.GetPreferences()
	if err != nil {
		return errors.Wrap(err, "failed to load preferences")
	}
	if prefs == nil {
		fmt.Println("No saved target")
		return nil
	}

	fmt.Printf("Kind:    %s\n", prefs.DeviceKind)
	fmt.Printf("Target:  %s\n", prefs.Target)
	fmt.Printf("Consent: %v\n", prefs.Consent)
	fmt.Printf("Updated: %s\n", prefs.UpdatedAt)
	return nil
}

func runPrefsSet(cmd *cobra.Command, args []string) error {
	kind := backend.Kind(args[0])
	if kind != backend.KindBlock && kind != backend.KindVolume {
		return fmt.Errorf("kind must be %q or %q, got %q", backend.KindBlock, backend.KindVolume, args[0])
	}
	if kind == backend.KindBlock && prefsConsent {
		return fmt.Errorf("--consent only applies to volume targets")
	}

	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	prefs := &db.Preferences{DeviceKind: string(kind), Target: args[1], Consent: prefsConsent}
	if err := repo.SavePreferences(prefs); err != nil {
		return errors.Wrap(err, "failed to save preferences")
	}

	fmt.Printf("✅ Saved %s target %s\n", kind, args[1])
	return nil
}

func runPrefsClear(cmd *cobra.Command, args []string) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.ClearPreferences(); err != nil {
		return errors.Wrap(err, "failed to clear preferences")
	}

	fmt.Println("✅ Saved target cleared")
	return nil
}
