package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/deploy"
	"github.com/roach88/diamondctl/internal/output"
	"github.com/roach88/diamondctl/internal/steps"
)

// Driver runs the deployment workflows against a backend, persisting
// progress through a checkpoint manager.
//
// Thread-safety: a Driver may run several workflows concurrently as long as
// they use different checkpoints.
type Driver struct {
	manager *checkpoint.Manager
	backend deploy.Backend
	clock   checkpoint.Clock
	logger  *slog.Logger
	runIDs  RunIDGenerator
	output  output.Writer
	backOff func() backoff.BackOff
}

// Option configures a Driver.
type Option func(*Driver)

// WithClock sets the clock used for step timestamps and durations.
func WithClock(c checkpoint.Clock) Option {
	return func(d *Driver) {
		d.clock = c
	}
}

// WithLogger sets the driver logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = l
	}
}

// WithRunIDGenerator sets the generator for run ids.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(d *Driver) {
		d.runIDs = g
	}
}

// WithOutput sets where SaveOutput writes result documents.
func WithOutput(w output.Writer) Option {
	return func(d *Driver) {
		d.output = w
	}
}

// WithBackoff sets the backoff used when EnableRetry is set. newBackOff is
// called once per primitive call.
func WithBackoff(newBackOff func() backoff.BackOff) Option {
	return func(d *Driver) {
		d.backOff = newBackOff
	}
}

// DefaultBackOff is exponential with randomization, 2s initial and 30s
// max interval. Attempts are bounded by MaxRetries, not elapsed time.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// New returns a Driver.
func New(manager *checkpoint.Manager, backend deploy.Backend, opts ...Option) *Driver {
	d := &Driver{
		manager: manager,
		backend: backend,
		clock:   checkpoint.SystemClock{},
		logger:  slog.Default(),
		runIDs:  UUIDv7Generator{},
		output:  output.Router{},
		backOff: DefaultBackOff,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// run is the state of one workflow invocation.
type run struct {
	d       *Driver
	id      string
	signer  deploy.Signer
	cp      *checkpoint.Checkpoint
	exec    Execution
	logger  *slog.Logger
	started time.Time
	resumed bool

	// retryStep is the index of the step the checkpoint had failed at when
	// it was reopened, or -1. Failed fan-out targets of that step are
	// attempted again.
	retryStep int
}

func (d *Driver) now() time.Time {
	return d.clock.Now().UTC().Truncate(time.Millisecond)
}

func (r *run) txOpts() deploy.TxOptions {
	return deploy.TxOptions{Confirmations: r.exec.Confirmations}
}

// storageError marks checkpoint I/O failures so they are propagated as-is
// instead of being recorded as step failures.
type storageError struct{ err error }

func (e *storageError) Error() string { return e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

func (r *run) save(ctx context.Context) error {
	if err := r.d.manager.Save(ctx, r.cp); err != nil {
		return &storageError{err}
	}
	return nil
}

// call runs one backend primitive, with retries when enabled.
func call[T any](ctx context.Context, r *run, op string, fn func(context.Context) (T, error)) (T, error) {
	if !r.exec.EnableRetry || r.exec.MaxRetries <= 0 {
		return fn(ctx)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.d.backOff(), uint64(r.exec.MaxRetries)), ctx)
	attempts := 0
	v, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempts++
		return fn(ctx)
	}, b, func(err error, delay time.Duration) {
		r.logger.Warn("retrying",
			slog.String("op", op),
			slog.Int("attempt", attempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	})
	if err != nil && attempts > 1 {
		return v, fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
	}
	return v, err
}

// acquire finds or creates the checkpoint for a run. The returned bool is
// true when an existing checkpoint is resumed. Nothing is written.
func (d *Driver) acquire(ctx context.Context, wt checkpoint.WorkflowType, network string, signer deploy.Signer, ro RunOptions, opts any) (*checkpoint.Checkpoint, bool, error) {
	n, err := checkpoint.NormalizeNetwork(network)
	if err != nil {
		return nil, false, invalid("network", "%v", err)
	}
	if signer == nil {
		return nil, false, invalid("signer", "is required")
	}

	if ro.ResumeFrom != "" {
		cp, err := d.manager.Load(ctx, ro.ResumeFrom)
		if err != nil {
			return nil, false, err
		}
		if cp == nil {
			return nil, false, fmt.Errorf("%w: %s", ErrCheckpointNotFound, ro.ResumeFrom)
		}
		if cp.WorkflowType != wt {
			return nil, false, invalid("resume_from", "checkpoint %s belongs to workflow %s, not %s", cp.ID, cp.WorkflowType, wt)
		}
		if cp.Network != n {
			return nil, false, invalid("resume_from", "checkpoint %s belongs to network %s, not %s", cp.ID, cp.Network, n)
		}
		return cp, true, nil
	}

	if !ro.IgnoreCheckpoint {
		cp, err := d.manager.FindResumable(ctx, n, wt)
		if err != nil {
			return nil, false, err
		}
		if cp != nil {
			return cp, true, nil
		}
	}

	raw, err := json.Marshal(opts)
	if err != nil {
		return nil, false, fmt.Errorf("encode options: %w", err)
	}
	cp, err := d.manager.Create(checkpoint.Init{
		Network:      n,
		Deployer:     signer.Address().Hex(),
		WorkflowType: wt,
		Options:      raw,
	})
	if err != nil {
		return nil, false, err
	}
	return cp, false, nil
}

// storedOptions decodes the options persisted with cp into dst. It returns
// false when the checkpoint carries none.
func storedOptions(cp *checkpoint.Checkpoint, dst any) (bool, error) {
	if len(cp.Options) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(cp.Options, dst); err != nil {
		return false, fmt.Errorf("checkpoint %s: decode options: %w", cp.ID, err)
	}
	return true, nil
}

func (d *Driver) begin(cp *checkpoint.Checkpoint, resumed bool, signer deploy.Signer, exec Execution) *run {
	r := &run{
		d:         d,
		id:        d.runIDs.Generate(),
		signer:    signer,
		cp:        cp,
		exec:      exec,
		started:   d.clock.Now(),
		resumed:   resumed,
		retryStep: -1,
	}
	if cp.Status == checkpoint.StatusFailed && cp.Failure != nil {
		r.retryStep = cp.Failure.Step
	}
	cp.Reopen()
	if cp.Steps.Facets == nil {
		cp.Steps.Facets = checkpoint.FacetMap{}
	}
	if cp.Steps.ProxyUpdates == nil {
		cp.Steps.ProxyUpdates = map[string]checkpoint.ProxyUpdateOutcome{}
	}

	r.logger = d.logger.With(
		slog.String("run_id", r.id),
		slog.String("checkpoint_id", cp.ID),
		slog.String("workflow", string(cp.WorkflowType)),
		slog.String("network", cp.Network),
	)
	if resumed {
		r.logger.Info("resuming checkpoint", slog.Int("step", cp.CurrentStep))
	} else {
		r.logger.Info("starting workflow")
	}
	return r
}

// step is one entry of a workflow plan, aligned with the steps catalog.
type step struct {
	// skip reports that the step was not requested by the options.
	skip func(r *run) bool

	// Mandatory steps set done and exec.
	done func(r *run) bool
	exec func(ctx context.Context, r *run) error

	// Fan-out steps set targets and apply.
	targets func(r *run) []string
	apply   func(ctx context.Context, r *run, target string) checkpoint.ProxyUpdateOutcome
}

func (s step) fanOut() bool {
	return s.apply != nil
}

// complete reports whether the step's data is recorded. Fan-out steps are
// complete once every target has an outcome, except at the step being
// retried, where failed outcomes do not count.
func (s step) complete(r *run, index int) bool {
	if s.skip != nil && s.skip(r) {
		return true
	}
	if !s.fanOut() {
		return s.done(r)
	}
	for _, t := range s.targets(r) {
		o, ok := r.cp.Steps.ProxyUpdates[t]
		if !ok || (!o.Success && index == r.retryStep) {
			return false
		}
	}
	return true
}

// execute walks plan from the checkpoint's current step to the end and
// marks the checkpoint completed.
func (d *Driver) execute(ctx context.Context, r *run, plan []step) error {
	wt := r.cp.WorkflowType
	last := steps.Last(wt)
	if last != len(plan)-1 {
		return fmt.Errorf("workflow %s: plan has %d steps, catalog has %d", wt, len(plan), last+1)
	}
	if r.cp.CurrentStep < 0 || r.cp.CurrentStep > last {
		return fmt.Errorf("checkpoint %s: current step %d out of range", r.cp.ID, r.cp.CurrentStep)
	}

	for i := r.cp.CurrentStep; i <= last; i++ {
		name, err := steps.Name(i, wt)
		if err != nil {
			return err
		}
		st := plan[i]
		r.cp.CurrentStep = i
		log := r.logger.With(slog.Int("step", i), slog.String("step_name", name))

		if st.complete(r, i) {
			log.Debug("step skipped")
			continue
		}

		log.Info("step started")
		if st.fanOut() {
			err = d.fanOut(ctx, r, i, st)
		} else {
			err = st.exec(ctx, r)
		}
		var se *storageError
		if errors.As(err, &se) {
			return se.err
		}
		if err != nil {
			return d.fail(ctx, r, i, name, err)
		}
		if i == r.retryStep {
			r.retryStep = -1
		}

		if i < last {
			r.cp.CurrentStep = i + 1
		}
		if err := d.manager.Save(ctx, r.cp); err != nil {
			return err
		}
		log.Info("step completed")
	}

	for i, st := range plan {
		if !st.complete(r, i) {
			name, _ := steps.Name(i, wt)
			return d.fail(ctx, r, r.cp.CurrentStep, name, fmt.Errorf("step %d (%s) has no recorded result", i, name))
		}
	}

	r.cp.Status = checkpoint.StatusCompleted
	if err := d.manager.Save(ctx, r.cp); err != nil {
		return err
	}
	r.logger.Info("workflow completed", slog.Duration("elapsed", d.clock.Now().Sub(r.started)))
	return nil
}

// fail records a mandatory step failure and returns it as a *StepError. The
// save is attempted even when ctx is already cancelled.
func (d *Driver) fail(ctx context.Context, r *run, index int, name string, cause error) error {
	r.cp.MarkFailed(index, name, cause, d.now())
	r.cp.Failure.StackTrace = string(debug.Stack())
	r.logger.Error("step failed",
		slog.Int("step", index),
		slog.String("step_name", name),
		slog.String("error", cause.Error()),
	)

	serr := &StepError{Step: index, StepName: name, CheckpointID: r.cp.ID, Err: cause}
	if err := d.manager.Save(context.WithoutCancel(ctx), r.cp); err != nil {
		return errors.Join(serr, fmt.Errorf("save failed checkpoint: %w", err))
	}
	return serr
}

// fanOut applies st to every target without an outcome, BatchSize at a
// time, saving after each batch.
func (d *Driver) fanOut(ctx context.Context, r *run, index int, st step) error {
	targets := st.targets(r)

	var pending []string
	for _, t := range targets {
		o, ok := r.cp.Steps.ProxyUpdates[t]
		if ok && (o.Success || index != r.retryStep) {
			continue
		}
		pending = append(pending, t)
	}

	for _, batch := range chunk(pending, r.exec.BatchSize) {
		outcomes := make([]checkpoint.ProxyUpdateOutcome, len(batch))
		var g errgroup.Group
		g.SetLimit(r.exec.BatchSize)
		for j, t := range batch {
			g.Go(func() error {
				outcomes[j] = st.apply(ctx, r, t)
				return nil
			})
		}
		_ = g.Wait()

		for j, t := range batch {
			o := outcomes[j]
			r.cp.Steps.ProxyUpdates[t] = o
			if o.Success {
				r.logger.Info("target updated", slog.String("target", t), slog.String("tx_hash", o.TransactionHash))
			} else {
				r.logger.Warn("target failed", slog.String("target", t), slog.String("error", o.Error))
			}
		}
		if err := r.save(ctx); err != nil {
			return err
		}
	}

	if r.exec.FailOnAllTargetsFailed && len(targets) > 0 {
		failed := 0
		for _, t := range targets {
			if !r.cp.Steps.ProxyUpdates[t].Success {
				failed++
			}
		}
		if failed == len(targets) {
			return fmt.Errorf("all %d targets failed", failed)
		}
	}
	return nil
}

// deployBatch deploys the named contracts BatchSize at a time. Successful
// deployments are recorded with record and saved after every batch; failed
// ones are reported together once every batch has settled.
func deployBatch(ctx context.Context, r *run, names []string, record func(name string, dep deploy.Deployment, at time.Time)) error {
	var failures []error
	for _, batch := range chunk(names, r.exec.BatchSize) {
		deps := make([]deploy.Deployment, len(batch))
		errs := make([]error, len(batch))

		var g errgroup.Group
		g.SetLimit(r.exec.BatchSize)
		for j, name := range batch {
			g.Go(func() error {
				deps[j], errs[j] = call(ctx, r, "deploy "+name, func(ctx context.Context) (deploy.Deployment, error) {
					return r.d.backend.DeployContract(ctx, r.signer, name, r.txOpts())
				})
				return nil
			})
		}
		_ = g.Wait()

		at := r.d.now()
		for j, name := range batch {
			if errs[j] != nil {
				errs[j] = fmt.Errorf("deploy %s: %w", name, errs[j])
				continue
			}
			record(name, deps[j], at)
			r.logger.Debug("contract deployed", slog.String("contract", name), slog.String("address", deps[j].Address.Hex()))
		}
		if err := r.save(ctx); err != nil {
			return err
		}
		failures = append(failures, errs...)
	}
	return errors.Join(failures...)
}

func chunk(items []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var out [][]string
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

// finish applies the post-completion run options and stamps the result
// header.
func (d *Driver) finish(ctx context.Context, r *run, ro RunOptions, hdr *Header, result any) error {
	*hdr = Header{
		Network:      r.cp.Network,
		Timestamp:    d.now(),
		Deployer:     r.cp.Deployer,
		CheckpointID: r.cp.ID,
		RunID:        r.id,
	}

	if ro.DeleteOnSuccess {
		if err := d.manager.Delete(ctx, r.cp.ID); err != nil {
			return fmt.Errorf("delete checkpoint %s: %w", r.cp.ID, err)
		}
		r.logger.Info("checkpoint deleted")
	}

	if !ro.SaveOutput {
		return nil
	}
	p := ro.OutputPath
	if p == "" {
		p = DefaultOutputPath(r.cp.Network, r.cp.WorkflowType, hdr.Timestamp)
	}
	hdr.OutputPath = p
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := d.output.Write(ctx, p, append(data, '\n')); err != nil {
		return err
	}
	r.logger.Info("result saved", slog.String("path", p))
	return nil
}

// DefaultOutputPath is where SaveOutput writes when no path is given.
func DefaultOutputPath(network string, wt checkpoint.WorkflowType, at time.Time) string {
	return path.Join("deployments", network, fmt.Sprintf("%s-%d.json", wt, at.UnixMilli()))
}
