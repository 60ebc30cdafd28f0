package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/config"
	"github.com/roach88/diamondctl/internal/deploy"
	"github.com/roach88/diamondctl/internal/deploy/evm"
	"github.com/roach88/diamondctl/internal/output"
	"github.com/roach88/diamondctl/internal/store"
	"github.com/roach88/diamondctl/internal/workflow"
)

// dryRunDeployer signs simulated runs when no PRIVATE_KEY is set.
var dryRunDeployer = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

// session holds what a command needs for one invocation.
type session struct {
	logger  *slog.Logger
	manager *checkpoint.Manager
	closers []io.Closer
}

func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// openSession opens the checkpoint store selected by the settings.
func openSession(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*session, error) {
	s := &session{logger: newLogger(opts, cmd.ErrOrStderr())}
	cfg := opts.Settings

	var st checkpoint.Store
	switch cfg.Store {
	case config.StoreSQLite:
		s.logger.Debug("opening sqlite store", "path", cfg.DatabaseURL)
		db, err := store.OpenSQLite(cfg.DatabaseURL, store.WithLogger(s.logger))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		s.closers = append(s.closers, db)
		st = db
	case config.StorePostgres:
		s.logger.Debug("opening postgres store")
		db, err := store.OpenPostgres(ctx, cfg.Postgres(), store.WithLogger(s.logger))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		s.closers = append(s.closers, db)
		st = db
	default:
		s.logger.Debug("using file store", "dir", cfg.CheckpointDir)
		st = checkpoint.NewFileStore(cfg.CheckpointDir, checkpoint.WithFileLogger(s.logger))
	}

	mopts := []checkpoint.Option{checkpoint.WithLogger(s.logger)}
	if opts.Clock != nil {
		mopts = append(mopts, checkpoint.WithClock(opts.Clock))
	}
	s.manager = checkpoint.NewManager(st, mopts...)
	return s, nil
}

// Close releases the store and backend connections.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Error("error closing connection", "error", err)
		}
	}
}

// driver builds the workflow driver with its backend and signer.
func (s *session) driver(opts *RootOptions, dryRun bool) (*workflow.Driver, deploy.Signer, error) {
	cfg := opts.Settings

	var signer deploy.Signer
	if cfg.PrivateKey != "" {
		k, err := deploy.NewKeySigner(cfg.PrivateKey)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "invalid "+config.EnvPrivateKey, err)
		}
		signer = k
	}

	backend := opts.Backend
	switch {
	case backend != nil:
	case dryRun:
		s.logger.Info("dry run, using simulated backend")
		backend = deploy.NewSimulated()
	default:
		if signer == nil {
			return nil, nil, NewExitError(ExitCommandError, config.EnvPrivateKey+" is required (or use --dry-run)")
		}
		b, err := evm.Dial(cfg.Backend(), evm.WithLogger(s.logger))
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to connect", err)
		}
		s.closers = append(s.closers, b)
		backend = b
	}
	if signer == nil {
		signer = deploy.AddressSigner(dryRunDeployer)
	}

	router := output.Router{File: output.FileSink{}}
	if cfg.ObjectStorage() {
		sink, err := output.NewMinIOSink(cfg.MinIO)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "invalid object storage settings", err)
		}
		router.S3 = sink
	}

	dopts := []workflow.Option{
		workflow.WithLogger(s.logger),
		workflow.WithOutput(router),
	}
	if opts.Clock != nil {
		dopts = append(dopts, workflow.WithClock(opts.Clock))
	}
	if opts.RunIDs != nil {
		dopts = append(dopts, workflow.WithRunIDGenerator(opts.RunIDs))
	}
	return workflow.New(s.manager, backend, dopts...), signer, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM. A
// cancelled run still persists its checkpoint as failed.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// fail renders err and returns it as an ExitError.
func fail(f *OutputFormatter, exitCode int, code string, err error) error {
	var details any
	var se *workflow.StepError
	var ve *workflow.ValidationError
	switch {
	case errors.As(err, &se):
		details = map[string]any{
			"step":          se.Step,
			"step_name":     se.StepName,
			"checkpoint_id": se.CheckpointID,
		}
	case errors.As(err, &ve):
		details = map[string]any{"field": ve.Field}
	}
	_ = f.Error(code, err.Error(), details)
	e := WrapExitError(exitCode, fmt.Sprintf("[%s]", code), err)
	e.reported = true
	return e
}
