package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/recoverytools/rflash/internal/config"
	"github.com/recoverytools/rflash/pkg/backend"
	"github.com/recoverytools/rflash/pkg/catalog"
	"github.com/recoverytools/rflash/pkg/db"
	"github.com/recoverytools/rflash/pkg/errors"
	appfsm "github.com/recoverytools/rflash/pkg/fsm"
	"github.com/recoverytools/rflash/pkg/pipeline"
	"github.com/recoverytools/rflash/pkg/preflight"
	"github.com/recoverytools/rflash/pkg/progress"
	"github.com/recoverytools/rflash/pkg/security"
)

var (
	flashDevice   string
	flashVolume   string
	flashConsent  bool
	flashRemember bool
)

var flashCmd = &cobra.Command{
	Use:   "flash <image>",
	Short: "Download, verify and write a recovery image",
	Long: `Flash a recovery image selected by catalog name or model:
  --device <path>    Write raw to a block device
  --volume <dir>     Write the image as a file into a mounted volume
  --consent          Allow writing into a mass storage volume
  --remember         Save the target as the default for later runs

Without --device or --volume the saved target is used.`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().StringVar(&flashDevice, "device", "", "Raw block device path")
	flashCmd.Flags().StringVar(&flashVolume, "volume", "", "Mounted volume directory")
	flashCmd.Flags().BoolVar(&flashConsent, "consent", false, "Consent to mass storage usage")
	flashCmd.Flags().BoolVar(&flashRemember, "remember", false, "Remember the target")
}

func runFlash(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	target, err := resolveTarget(repo)
	if err != nil {
		return err
	}

	catalogRouter, err := newRouter(ctx, cfg, cfg.CatalogRetries)
	if err != nil {
		return err
	}
	images, err := catalog.Load(ctx, catalogRouter, cfg.CatalogURLs...)
	if err != nil {
		return errors.Wrap(err, "catalog load failed")
	}
	img, err := catalog.Find(images, args[0])
	if err != nil {
		return err
	}

	// Image downloads are never retried.
	downloadRouter, err := newRouter(ctx, cfg, 0)
	if err != nil {
		return err
	}

	validator := security.NewValidator(cfg.MaxImageSize)
	orch := pipeline.New(downloadRouter,
		pipeline.WithPreflight(preflight.NewChecker(newProber(cfg))),
		pipeline.WithImageValidator(validator),
	)

	reporter := progress.NewReporter(progress.ReporterOptions{Output: os.Stdout, Label: img.DisplayName()})
	if err := orch.Subscribe(reporter.Update); err != nil {
		return errors.Wrap(err, "progress subscription failed")
	}

	fmt.Printf("📦 %s (%s, Chrome %s, %s)\n", img.DisplayName(), img.Model, img.ChromeVersion, humanize.IBytes(uint64(img.FileSize)))

	if err := orch.SelectImage(ctx, img); err != nil {
		return err
	}

	dev, err := target.build(cfg, validator, img.TargetFilename())
	if err != nil {
		return err
	}
	if err := orch.Connect(dev); err != nil {
		return err
	}
	fmt.Printf("💾 Target: %s (%s)\n", dev.Target(), dev.Kind())

	if flashRemember {
		prefs := &db.Preferences{DeviceKind: string(target.kind), Target: target.path, Consent: target.consent}
		if err := repo.SavePreferences(prefs); err != nil {
			slog.Warn("preferences_save_failed", "error", err)
		}
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(orch, repo)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	outcome, err := machine.Run(ctx, manager, start)
	if err != nil {
		return errors.Wrap(err, "flash failed to start")
	}

	if !outcome.Success() {
		fmt.Printf("❌ %s (%s)\n", outcome.Message(), outcome.Kind())
		return fmt.Errorf("flash %s failed: %s", outcome.RunID, outcome.Kind())
	}

	fmt.Printf("✅ Wrote %s to %s (run %s)\n", humanize.IBytes(uint64(outcome.BytesWritten)), dev.Target(), outcome.RunID)
	return nil
}

type flashTarget struct {
	kind    backend.Kind
	path    string
	consent bool
}

// resolveTarget picks the target from the flags, falling back to the saved
// preferences.
func resolveTarget(repo *db.Repository) (flashTarget, error) {
	switch {
	case flashDevice != "" && flashVolume != "":
		return flashTarget{}, fmt.Errorf("--device and --volume are mutually exclusive")
	case flashDevice != "":
		return flashTarget{kind: backend.KindBlock, path: flashDevice}, nil
	case flashVolume != "":
		return flashTarget{kind: backend.KindVolume, path: flashVolume, consent: flashConsent}, nil
	}

	prefs, err := repo.GetPreferences()
	if err != nil {
		return flashTarget{}, errors.Wrap(err, "failed to load preferences")
	}
	if prefs == nil {
		return flashTarget{}, errors.New(errors.KindNoDeviceSelected, "flash", "No device selected")
	}

	slog.Info("using_saved_target", "kind", prefs.DeviceKind, "target", prefs.Target)
	return flashTarget{
		kind:    backend.Kind(prefs.DeviceKind),
		path:    prefs.Target,
		consent: prefs.Consent || flashConsent,
	}, nil
}

func (t flashTarget) build(cfg *config.Config, validator *security.Validator, filename string) (backend.Backend, error) {
	platform := backend.Detect()

	switch t.kind {
	case backend.KindBlock:
		return backend.NewBlockDevice(t.path, platform, backend.WithTimeout(cfg.ChunkTimeout))
	case backend.KindVolume:
		return backend.NewVolume(afero.NewOsFs(), t.path, platform,
			backend.WithConsent(t.consent),
			backend.WithFilename(filename),
			backend.WithValidator(validator),
		)
	default:
		return nil, fmt.Errorf("unknown device kind %q", t.kind)
	}
}
