package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tkodaira/pipeflow/internal/ctlsock"
	"github.com/tkodaira/pipeflow/internal/engine"
	"github.com/tkodaira/pipeflow/internal/events"
	"github.com/tkodaira/pipeflow/internal/health"
	"github.com/tkodaira/pipeflow/internal/lock"
	"github.com/tkodaira/pipeflow/internal/logutil"
	"github.com/tkodaira/pipeflow/internal/model"
	"github.com/tkodaira/pipeflow/internal/pipeline"
	"github.com/tkodaira/pipeflow/internal/sched"
	"github.com/tkodaira/pipeflow/internal/store"
	"github.com/tkodaira/pipeflow/internal/yamlio"
)

func runDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	dir := dirFlag(fs)
	configPath := fs.String("config", "", "config file (default <dir>/config.yaml)")
	_ = fs.Parse(args)

	if err := daemonMain(*dir, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func daemonMain(dir, configPath string) error {
	for _, sub := range []string{"", "templates", "runs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
	}

	if configPath == "" {
		configPath = filepath.Join(dir, "config.yaml")
	}
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := logutil.New(log.New(os.Stderr, "", 0), logutil.ParseLevel(cfg.Logging.Level), "daemon")

	// Single daemon per state directory.
	fl := lock.NewFileLock(filepath.Join(dir, "daemon.pid"))
	if err := fl.TryLock(); err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	bus := events.NewBus(256)
	defer bus.Close()

	auditPath := cfg.Daemon.AuditLogPath
	if auditPath == "" {
		auditPath = filepath.Join(dir, "audit.jsonl")
	}
	audit, err := events.NewAuditLogger(auditPath, 0)
	if err != nil {
		return err
	}
	defer func() { _ = audit.Close() }()
	for _, et := range []events.EventType{
		events.EventTaskStarted, events.EventTaskCompleted, events.EventTaskFailed,
		events.EventStageTransition, events.EventRunFinished, events.EventHealthChanged,
	} {
		bus.Subscribe(et, audit.RecordEvent)
	}

	clock := model.SystemClock()
	scheduler := sched.New(store.New(), clock, cfg.Retry, logger)

	registry := engine.NewRegistry()
	if err := registerBuiltins(registry); err != nil {
		return err
	}

	eng := engine.New(scheduler, registry, cfg.Engine, clock, logger)
	eng.SetEventBus(bus)

	directory := health.NewDirectory(clock, time.Duration(cfg.Health.HeartbeatStaleSec)*time.Second, logger)
	scheduler.SetWorkerDirectory(directory)

	monitor := health.NewMonitor(cfg.Health, clock, directory, scheduler, eng, logger)
	monitor.SetEventBus(bus)
	eng.SetHealthGate(monitor)

	library := pipeline.NewLibrary(filepath.Join(dir, "templates"), logger)
	if err := library.Load(); err != nil {
		return err
	}

	machine := pipeline.NewMachine(scheduler, registry, cfg.Pipeline, clock, logger)
	machine.SetEventBus(bus)

	runs := pipeline.NewRunRegistry(machine, library, logger)
	runs.SetExportDir(filepath.Join(dir, "runs"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sockPath := cfg.Daemon.SocketPath
	if sockPath == "" {
		sockPath = socketPath(dir)
	}
	server := ctlsock.NewServer(sockPath, logger)
	registerControlHandlers(ctx, server, monitor, runs, library, directory)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() { _ = server.Stop() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return library.Watch(gctx) })

	logger.Infof("daemon_started dir=%s socket=%s templates=%d", dir, sockPath, len(library.Names()))

	err = g.Wait()
	runs.Wait()

	// Last snapshot for post-mortem inspection.
	if werr := yamlio.AtomicWrite(filepath.Join(dir, "status.yaml"), monitor.Snapshot()); werr != nil {
		logger.Errorf("status_export error=%v", werr)
	}
	logger.Infof("daemon_stopped")
	return err
}

func registerControlHandlers(ctx context.Context, server *ctlsock.Server, monitor *health.Monitor, runs *pipeline.RunRegistry, library *pipeline.Library, directory *health.Directory) {
	server.Handle("health", func(_ *ctlsock.Request) *ctlsock.Response {
		return ctlsock.SuccessResponse(monitor.Snapshot())
	})

	server.Handle("templates", func(_ *ctlsock.Request) *ctlsock.Response {
		return ctlsock.SuccessResponse(map[string]any{"templates": library.Names()})
	})

	server.Handle("runs", func(_ *ctlsock.Request) *ctlsock.Response {
		return ctlsock.SuccessResponse(map[string]any{"runs": runs.List()})
	})

	server.Handle("run", func(req *ctlsock.Request) *ctlsock.Response {
		var params struct {
			Template string         `json:"template"`
			Params   map[string]any `json:"params"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ctlsock.ErrorResponse(ctlsock.ErrCodeValidation, err.Error())
		}
		if params.Template == "" {
			return ctlsock.ErrorResponse(ctlsock.ErrCodeValidation, "template is required")
		}
		id, err := runs.StartRun(ctx, params.Template, params.Params)
		if err != nil {
			return ctlsock.ErrorResponse(ctlsock.ErrCodeValidation, err.Error())
		}
		return ctlsock.SuccessResponse(map[string]any{"run_id": id})
	})

	server.Handle("workers", func(_ *ctlsock.Request) *ctlsock.Response {
		return ctlsock.SuccessResponse(map[string]any{"workers": directory.Descriptors()})
	})

	server.Handle("worker-register", func(req *ctlsock.Request) *ctlsock.Response {
		var params struct {
			ID            string `json:"id"`
			MaxConcurrent int    `json:"max_concurrent"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ctlsock.ErrorResponse(ctlsock.ErrCodeValidation, err.Error())
		}
		desc := model.WorkerDescriptor{ID: params.ID, MaxConcurrent: params.MaxConcurrent}
		if err := directory.Register(desc); err != nil {
			return ctlsock.ErrorResponse(ctlsock.ErrCodeValidation, err.Error())
		}
		return ctlsock.SuccessResponse(map[string]any{"id": params.ID})
	})

	server.Handle("worker-heartbeat", func(req *ctlsock.Request) *ctlsock.Response {
		var params struct {
			ID           string `json:"id"`
			CurrentTasks int    `json:"current_tasks"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ctlsock.ErrorResponse(ctlsock.ErrCodeValidation, err.Error())
		}
		if err := directory.Heartbeat(params.ID, params.CurrentTasks); err != nil {
			return ctlsock.ErrorResponse(ctlsock.ErrCodeNotFound, err.Error())
		}
		return ctlsock.SuccessResponse(nil)
	})

	server.Handle("summary", func(req *ctlsock.Request) *ctlsock.Response {
		var params struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ctlsock.ErrorResponse(ctlsock.ErrCodeValidation, err.Error())
		}
		summary, done, err := runs.Summary(params.RunID)
		if err != nil {
			return ctlsock.ErrorResponse(ctlsock.ErrCodeNotFound, err.Error())
		}
		if !done {
			return ctlsock.SuccessResponse(map[string]any{"run_id": params.RunID, "done": false})
		}
		return ctlsock.SuccessResponse(map[string]any{"run_id": params.RunID, "done": true, "summary": summary})
	})
}
