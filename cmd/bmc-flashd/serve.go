package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"bmc-flashd/internal/activation"
	"bmc-flashd/internal/api"
	"bmc-flashd/internal/config"
	"bmc-flashd/internal/events"
	"bmc-flashd/internal/flash"
	"bmc-flashd/internal/gate"
	"bmc-flashd/internal/image"
	"bmc-flashd/internal/logctx"
	"bmc-flashd/internal/security"
	"bmc-flashd/internal/signature"
	"bmc-flashd/internal/store"
	"bmc-flashd/internal/systemd"
	"bmc-flashd/internal/updater"
	"bmc-flashd/internal/writer"
)

const (
	loopQueueSize   = 64
	cleanupInterval = time.Hour
	tempMaxAge      = 24 * time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the firmware update daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := serve(ctx, cfg, logger); err != nil {
			logger.WithError(err).Error("daemon stopped")
			return err
		}
		logger.Info("daemon stopped")
		return nil
	},
}

// registryRef lets the writers report to the registry, which is built after them.
type registryRef struct {
	*updater.Registry
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	ctx = logctx.WithLogger(ctx, logger)
	sec := cfg.SecurityPolicy()

	if err := sec.SetupDirectories(ctx, cfg.UploadDir, cfg.PersistDir, cfg.StateDir); err != nil {
		return err
	}

	if cfg.Tracing.Enabled {
		shutdown, err := setupTracing()
		if err != nil {
			return err
		}
		defer shutdown()
	}

	layout, err := flash.ParseLayout(cfg.Layout)
	if err != nil {
		return err
	}

	sd, err := systemd.Dial(ctx, logger.WithField("component", "systemd"))
	if err != nil {
		return err
	}
	defer sd.Close()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	manager, err := fsm.New(fsm.Config{
		Logger: logger.WithField("component", "fsm"),
		DBPath: cfg.StateDir,
		Queues: map[string]int{writer.Queue: cfg.WriteQueueSize},
	})
	if err != nil {
		return fmt.Errorf("failed to create job manager: %w", err)
	}
	defer manager.Shutdown(30 * time.Second)

	g, err := gate.New(logger, cfg.MinShipLevel, cfg.MinShipLevelRegex)
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(logger, cfg.NATS.URL)
		if err != nil {
			logger.WithError(err).Warn("event bus unavailable, continuing without events")
		} else {
			defer nc.Close()
			publisher = nc
		}
	}

	ref := &registryRef{}
	deps := updater.Deps{
		Logger:        logger,
		Loop:          updater.NewLoop(logger.WithField("component", "loop"), loopQueueSize),
		Store:         st,
		Helper:        flash.NewHelper(logger, layout, flash.ExecRunner{Security: sec}, sd),
		Gate:          g,
		ApplyTime:     func() activation.ApplyTime { return activation.ApplyTime(cfg.ApplyTime) },
		Notifications: sd,
		Guards:        systemd.RebootGuards{Units: sd},
		Rebooter:      systemd.Rebooter{Units: sd},
		Units:         sd,
		Events:        publisher,
	}

	if cfg.Signature.Enabled {
		verifier, err := signature.LoadDir(logger, cfg.Signature.PublicKeysDir)
		if err != nil {
			return err
		}
		deps.Signature = verifier
	}

	var resumers []*writer.UnitWriter
	if layout == flash.LayoutStatic {
		deps.Primary = writer.StaticWriter{Logger: logger, Dir: cfg.StagingDir}
	} else {
		plan, err := writer.PlanFor(layout)
		if err != nil {
			return err
		}
		w, err := writer.NewUnitWriter(ctx, logger, manager, writer.ActionFlash, sd, ref, plan)
		if err != nil {
			return err
		}
		deps.Primary = w
		deps.Cancellers = append(deps.Cancellers, w)
		resumers = append(resumers, w)
	}
	if cfg.HostFirmware {
		w, err := writer.NewUnitWriter(ctx, logger, manager, writer.ActionFlashHost, sd, ref, writer.HostPlan)
		if err != nil {
			return err
		}
		deps.Auxiliary = w
		deps.Cancellers = append(deps.Cancellers, w)
		resumers = append(resumers, w)
	}

	reg, err := updater.New(updater.Config{
		MaxAllowed:       cfg.ActiveMaxAllowed,
		MediaDir:         cfg.MediaDir,
		UploadDir:        cfg.UploadDir,
		ReleasePath:      cfg.OSReleasePath,
		FieldModeEnvPath: cfg.FieldModeEnvPath,
		Required:         cfg.RequiredImages,
	}, deps)
	if err != nil {
		return err
	}
	ref.Registry = reg

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return deps.Loop.Run(ctx)
	})

	if err := deps.Loop.Do(ctx, func(ctx context.Context) error {
		reg.RestoreFieldMode(ctx)
		return reg.ProcessInstalled(ctx)
	}); err != nil {
		logger.WithError(err).Error("failed to process installed versions")
	}

	for _, w := range resumers {
		if err := w.Resume(ctx); err != nil {
			logger.WithError(err).Error("failed to resume flash jobs")
		}
	}

	watcher, err := image.NewWatcher(logger, cfg.UploadDir, image.Unpacker{Security: sec}, reg.Discover, nil)
	if err != nil {
		return err
	}
	eg.Go(func() error {
		return watcher.Run(ctx)
	})

	apiCfg := api.Config{
		Logger:    logger,
		Registry:  reg,
		Loop:      deps.Loop,
		Locks:     st,
		UploadDir: cfg.UploadDir,
		Security:  sec,
	}
	if cfg.Remote.Bucket != "" {
		fetcher, err := image.NewS3Fetcher(ctx, cfg.Remote.Bucket, cfg.Remote.Region, sec)
		if err != nil {
			logger.WithError(err).Warn("remote image store unavailable")
		} else {
			apiCfg.Fetcher = fetcher
		}
	}
	srv := api.New(apiCfg)
	eg.Go(func() error {
		return srv.Serve(ctx, cfg.SocketPath)
	})
	if cfg.MetricsAddr != "" {
		eg.Go(func() error {
			return api.ServeMetrics(ctx, logger, cfg.MetricsAddr)
		})
	}

	eg.Go(func() error {
		cleanupTemporaryFiles(ctx, logger, cfg.UploadDir)
		return nil
	})

	logger.WithFields(logrus.Fields{
		"layout":      layout,
		"socket":      cfg.SocketPath,
		"jobs_socket": filepath.Join(cfg.StateDir, jobsSocketName),
	}).Info("daemon started")
	return eg.Wait()
}

func openStore(cfg *config.Config) (store.Store, error) {
	path := filepath.Join(cfg.PersistDir, "versions.db")
	if cfg.Store.Backend == store.BackendBadger {
		path = filepath.Join(cfg.PersistDir, "versions")
	}
	st, err := store.Open(cfg.Store.Backend, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	return st, nil
}

func setupTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}

// cleanupTemporaryFiles removes stale partial uploads until ctx ends.
func cleanupTemporaryFiles(ctx context.Context, logger logrus.FieldLogger, dir string) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := security.CleanupTemporaryFiles(ctx, dir, tempMaxAge); err != nil {
				logger.WithError(err).Error("failed to cleanup temporary files")
			}
		case <-ctx.Done():
			return
		}
	}
}
