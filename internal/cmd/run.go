package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/sluice/internal/config"
	"github.com/Iron-Ham/sluice/internal/deadletter"
	"github.com/Iron-Ham/sluice/internal/device"
	"github.com/Iron-Ham/sluice/internal/engine"
	"github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/event"
	"github.com/Iron-Ham/sluice/internal/filelock"
	"github.com/Iron-Ham/sluice/internal/logging"
	"github.com/Iron-Ham/sluice/internal/metrics"
	"github.com/Iron-Ham/sluice/internal/model"
	"github.com/Iron-Ham/sluice/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start watching and processing files",
	Long: `Run starts one watcher per enabled task and processes every stabilized
file through the task's pipeline until interrupted.

Runs left unfinished by a previous process are reconciled first. The
configuration file is watched: saving it starts new tasks, restarts
changed ones, and drains removed or disabled ones. On SIGINT or SIGTERM
in-flight runs are given runtime.shutdown_timeout to finish.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level,
		logging.WithRotation(cfg.Logging.RotationOptions()))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	if path := cfg.Runtime.LockPath(); path != "" {
		lock := filelock.NewFileLock(path)
		if err := lock.TryLock(); err != nil {
			if errors.Is(err, filelock.ErrLocked) {
				return fmt.Errorf("another sluice process is using %s: %w", cfg.Runtime.StateDBPath, errors.ErrStoreLocked)
			}
			return err
		}
		defer lock.Unlock()
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	devices, err := device.BuildRegistry(cfg.Devices)
	if err != nil {
		return fmt.Errorf("failed to build devices: %w", err)
	}
	defer devices.Close()

	bus := event.NewBus(event.WithLogger(logger))
	recorder := metrics.NewRecorder()
	recorder.Attach(bus)
	defer recorder.Detach()

	dl := deadletter.New(cfg.Runtime.DeadLetterDir, cfg.Runtime.Layout(), st,
		deadletter.WithLogger(logger),
		deadletter.WithRetry(cfg.Runtime.StoreRetryPolicy()))

	runner, err := pipeline.NewRunner(pipeline.Config{
		Store:      st,
		DeadLetter: dl,
		Bus:        bus,
		Devices:    devices,
		Claims:     filelock.NewRegistry(),
	}, pipeline.WithLogger(logger))
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Store:              st,
		Runner:             runner,
		DeadLetter:         dl,
		Bus:                bus,
		PollInterval:       cfg.Runtime.PollInterval(),
		ShutdownTimeout:    cfg.Runtime.ShutdownTimeout,
		DefaultConcurrency: cfg.Runtime.MaxConcurrentPerTask,
	}, engine.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var server *http.Server
	if cfg.Metrics.Enabled {
		server = serveMetrics(cfg.Metrics.Listen, recorder, logger)
	}

	defs := taskDefinitions(cfg, logger)
	if err := eng.Start(ctx, defs); err != nil {
		if len(eng.Tasks()) == 0 && len(defs) > 0 {
			_ = eng.Shutdown(context.Background())
			return fmt.Errorf("failed to start: %w", err)
		}
		logger.Warn("some tasks failed to start", "error", err.Error())
	}
	logger.Info("sluice started", "tasks", len(eng.Tasks()), "state_backend", cfg.Runtime.StateBackend)
	fmt.Fprintf(cmd.OutOrStdout(), "Watching %d task(s). Press Ctrl+C to stop.\n", len(eng.Tasks()))

	r := &reloader{engine: eng, devices: cfg.Devices, logger: logger}
	viper.OnConfigChange(func(e fsnotify.Event) {
		r.reload(ctx, e.Name)
	})
	viper.WatchConfig()

	<-ctx.Done()
	logger.Info("shutdown requested")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}
	if err := eng.Shutdown(context.Background()); err != nil {
		logger.Warn("shutdown interrupted in-flight runs", "error", err.Error())
		return err
	}
	logger.Info("sluice stopped")
	return nil
}

// taskDefinitions returns the runnable tasks and logs every excluded one.
func taskDefinitions(cfg *config.Config, logger *logging.Logger) []model.TaskDefinition {
	defs, excluded := cfg.TaskDefinitions()
	for _, res := range excluded {
		for _, verr := range res.Errors {
			logger.Error("task excluded",
				"task_id", res.ID,
				"field", verr.Field,
				"reason", verr.Message)
		}
	}
	return defs
}

func serveMetrics(addr string, recorder *metrics.Recorder, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", "listen", addr, "error", err.Error())
		}
	}()
	logger.Info("metrics endpoint listening", "listen", addr)
	return server
}

// reloader applies configuration generations to a running engine. Device
// settings are fixed for the life of the process.
type reloader struct {
	mu      sync.Mutex
	engine  *engine.Engine
	devices map[string]device.Config
	logger  *logging.Logger
}

func (r *reloader) reload(ctx context.Context, file string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	cfg, err := config.Load()
	if err != nil {
		r.logger.Error("configuration reload rejected", "file", file, "error", err.Error())
		return
	}
	if !reflect.DeepEqual(cfg.Devices, r.devices) {
		r.logger.Warn("device changes take effect after restart", "file", file)
	}
	cfg.Devices = r.devices

	defs := taskDefinitions(cfg, r.logger)
	if err := r.engine.Apply(ctx, defs); err != nil {
		r.logger.Warn("configuration reload applied with errors", "error", err.Error())
	}
	r.logger.Info("configuration reloaded", "file", file, "tasks", len(r.engine.Tasks()))
}
