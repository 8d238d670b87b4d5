package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bullywork/pkg/api"
	"bullywork/pkg/compute"
	"bullywork/pkg/ledger"
	"bullywork/pkg/logger"
	"bullywork/pkg/models"
	tracing "bullywork/pkg/observability"
	"bullywork/pkg/process"
	"bullywork/pkg/transport"
)

const portProbeAttempts = 100

var (
	processID  string
	computeCmd string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run one process",
	Long: `Run one process: publish its binding, take part in elections and either
coordinate the work or compute it.

Examples:
  # First process on the default port
  bullywork start

  # Another process; the port is probed upward when busy
  bullywork start --ip=localhost --port=3000 --api-port=8081

  # Compute distances with an external program
  bullywork start --compute-cmd="./dist --unicode"`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	f := startCmd.Flags()
	f.StringVarP(&cfg.BindHost, "ip", "i", cfg.BindHost, "Address peers use to reach this process")
	f.IntVarP(&cfg.BindPort, "port", "p", cfg.BindPort, "First port to try; probed upward when busy")
	f.StringVar(&cfg.Transport, "transport", cfg.Transport, "Address scheme: tcp or inproc")
	f.StringVar(&processID, "id", "", "Process id (default: random UUID)")
	f.StringVar(&cfg.APIPort, "api-port", cfg.APIPort, "Serve the status API on this port (empty disables)")
	f.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Wait per request attempt")
	f.DurationVar(&cfg.ElectionTimeout, "election-timeout", cfg.ElectionTimeout, "Wait per election probe")
	f.DurationVar(&cfg.CoordinatorWait, "coordinator-wait", cfg.CoordinatorWait, "Wait for the winner's announcement before electing again")
	f.DurationVar(&cfg.LeaseTimeout, "lease", cfg.LeaseTimeout, "Work lease before reclaim (10s to 60s)")
	f.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "Worker pause after a coordinator error")
	f.StringVar(&cfg.RefreshSchedule, "refresh", cfg.RefreshSchedule, "Cron spec for re-listing processes")
	f.StringVar(&computeCmd, "compute-cmd", "", "External distance program, given both strings as its last arguments")
	f.StringVar(&cfg.TracingEndpoint, "otlp-endpoint", cfg.TracingEndpoint, "OTLP/HTTP endpoint for traces (empty disables)")
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	port := cfg.BindPort
	if cfg.Transport == "tcp" {
		p, err := transport.ProbePort(cfg.BindHost, cfg.BindPort, portProbeAttempts)
		if err != nil {
			return err
		}
		port = p
	}
	if processID == "" {
		processID = uuid.NewString()
	}
	self := models.ProcessRecord{
		ID:      models.ProcessID(processID),
		Binding: models.Binding{Address: cfg.BindHost, Port: port},
	}

	lc := logger.DefaultConfig("bullywork")
	lc.Level, lc.Encoding, lc.ProcessID = cfg.LogLevel, cfg.LogEncoding, processID
	log, err := logger.Init(lc)
	if err != nil {
		return err
	}

	fn, err := computeFunc(computeCmd)
	if err != nil {
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	core := process.NewCore(process.Config{
		Self:            self,
		Scheme:          cfg.Transport,
		Layout:          layout(),
		RequestTimeout:  cfg.RequestTimeout,
		ElectionTimeout: cfg.ElectionTimeout,
		CoordinatorWait: cfg.CoordinatorWait,
		LeaseTimeout:    ledger.ClampLeaseTimeout(cfg.LeaseTimeout),
		PollInterval:    cfg.PollInterval,
		RefreshSchedule: cfg.RefreshSchedule,
		Compute:         fn,
	}, store, newTransport(cfg.RequestTimeout, log), log)

	tc := tracing.DefaultConfig("bullywork", cfg.TracingEndpoint)
	tc.ProcessID = processID
	tp, err := tracing.Init(ctx, tc)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	if cfg.APIPort != "" {
		server := api.NewServer(ctx, api.Config{
			Port:    cfg.APIPort,
			Node:    core,
			Store:   store,
			Results: layout().Results,
			Logger:  log,
		})
		go func() {
			if err := server.Start(); err != nil {
				log.Error("Status API stopped", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(sctx)
		}()
	}

	log.Info("Starting process",
		zap.String("id", string(core.Self().ID)),
		zap.Stringer("binding", core.Self().Binding),
		zap.String("store", cfg.StoreBackend),
	)
	if err := core.Run(ctx); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	select {
	case <-core.Done():
		log.Info("All work finished")
	default:
		if errors.Is(ctx.Err(), context.Canceled) {
			log.Info("Stopped by signal")
		}
	}
	return nil
}

// computeFunc returns the external distance command named by cmdline, or nil
// for the built-in one when cmdline is unset.
func computeFunc(cmdline string) (compute.Func, error) {
	if cmdline == "" {
		return nil, nil
	}
	parts := strings.Fields(cmdline)
	if len(parts) == 0 {
		return nil, fmt.Errorf("invalid --compute-cmd %q: no command", cmdline)
	}
	return compute.External(compute.NewShellRunner(), parts[0], parts[1:]...), nil
}
