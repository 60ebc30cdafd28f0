package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrStepRegression is returned by Save when a checkpoint's CurrentStep is
// lower than the value last saved for the same ID.
var ErrStepRegression = errors.New("checkpoint: current step moved backwards")

// Manager creates, saves and queries checkpoints on top of a Store.
//
// Thread-safety: Manager is safe for concurrent use. Saves for a single
// checkpoint are expected to come from one driving loop.
type Manager struct {
	store  Store
	clock  Clock
	logger *slog.Logger

	mu         sync.Mutex
	lastMillis map[string]int64 // network -> last millisecond handed out
	savedStep  map[string]int   // checkpoint id -> last saved CurrentStep
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for IDs and timestamps.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager returns a Manager backed by store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		clock:      SystemClock{},
		logger:     slog.Default(),
		lastMillis: make(map[string]int64),
		savedStep:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init carries the caller-supplied fields of a new checkpoint.
type Init struct {
	Network      string
	Deployer     string
	WorkflowType WorkflowType
	Options      json.RawMessage
}

// Create builds a new in-progress checkpoint at step 0 with empty step
// data. It does not persist anything.
func (m *Manager) Create(init Init) (*Checkpoint, error) {
	network, err := NormalizeNetwork(init.Network)
	if err != nil {
		return nil, err
	}
	if init.WorkflowType == "" {
		return nil, errors.New("checkpoint: workflow type is required")
	}

	now := stamp(m.clock.Now())
	at := m.reserve(network, now)

	var opts json.RawMessage
	if len(init.Options) > 0 {
		opts = append(json.RawMessage(nil), init.Options...)
	}

	return &Checkpoint{
		ID:           NewID(network, at),
		Network:      network,
		Deployer:     init.Deployer,
		Status:       StatusInProgress,
		CurrentStep:  0,
		WorkflowType: init.WorkflowType,
		StartTime:    now,
		LastUpdate:   now,
		Steps: Steps{
			Facets:       FacetMap{},
			ProxyUpdates: map[string]ProxyUpdateOutcome{},
		},
		Options: opts,
	}, nil
}

// reserve returns a creation time whose millisecond has not been used for
// network by this manager, so that IDs stay unique under a coarse clock.
func (m *Manager) reserve(network string, now time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := now.UnixMilli()
	if last, ok := m.lastMillis[network]; ok && ms <= last {
		ms = last + 1
	}
	m.lastMillis[network] = ms
	return time.UnixMilli(ms).UTC()
}

// Save stamps LastUpdate and persists cp, overwriting any earlier version.
func (m *Manager) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return errors.New("checkpoint: save requires an id")
	}
	if !cp.Status.Valid() {
		return fmt.Errorf("checkpoint %s: invalid status %q", cp.ID, cp.Status)
	}

	m.mu.Lock()
	if prev, ok := m.savedStep[cp.ID]; ok && cp.CurrentStep < prev {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s from %d to %d", ErrStepRegression, cp.ID, prev, cp.CurrentStep)
	}
	m.mu.Unlock()

	cp.LastUpdate = stamp(m.clock.Now())
	if err := m.store.Save(ctx, cp); err != nil {
		return err
	}

	m.mu.Lock()
	m.savedStep[cp.ID] = cp.CurrentStep
	m.mu.Unlock()

	m.logger.Debug("checkpoint saved",
		slog.String("checkpoint_id", cp.ID),
		slog.String("status", string(cp.Status)),
		slog.Int("step", cp.CurrentStep),
	)
	return nil
}

// Load returns the checkpoint with the given ID, or nil if none exists.
// Undecodable records are reported as errors.
func (m *Manager) Load(ctx context.Context, id string) (*Checkpoint, error) {
	cp, err := m.store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if prev, ok := m.savedStep[id]; !ok || cp.CurrentStep > prev {
		m.savedStep[id] = cp.CurrentStep
	}
	m.mu.Unlock()
	return cp, nil
}

// Find returns the checkpoints of network, newest first. When statuses are
// given only checkpoints in one of them are returned.
func (m *Manager) Find(ctx context.Context, network string, statuses ...Status) ([]*Checkpoint, error) {
	n, err := NormalizeNetwork(network)
	if err != nil {
		return nil, err
	}
	all, err := m.store.List(ctx, n)
	if err != nil {
		return nil, err
	}

	out := make([]*Checkpoint, 0, len(all))
	for _, cp := range all {
		if cp.Network != n {
			continue
		}
		if len(statuses) > 0 && !hasStatus(statuses, cp.Status) {
			continue
		}
		out = append(out, cp)
	}
	sortNewestFirst(out)
	return out, nil
}

// FindResumable returns the newest in-progress or failed checkpoint of the
// given workflow type on network, or nil when there is none.
func (m *Manager) FindResumable(ctx context.Context, network string, wt WorkflowType) (*Checkpoint, error) {
	cps, err := m.Find(ctx, network, StatusInProgress, StatusFailed)
	if err != nil {
		return nil, err
	}
	for _, cp := range cps {
		if cp.WorkflowType == wt {
			return cp, nil
		}
	}
	return nil, nil
}

// CountByStatus returns how many checkpoints of network are in each status.
// Stores implementing StatusCounter answer directly; otherwise the records
// are listed and counted.
func (m *Manager) CountByStatus(ctx context.Context, network string) (map[Status]int, error) {
	n, err := NormalizeNetwork(network)
	if err != nil {
		return nil, err
	}
	if c, ok := m.store.(StatusCounter); ok {
		return c.CountByStatus(ctx, n)
	}
	cps, err := m.Find(ctx, n)
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int)
	for _, cp := range cps {
		counts[cp.Status]++
	}
	return counts, nil
}

// Delete removes a checkpoint. Deleting an unknown ID is not an error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.savedStep, id)
	m.mu.Unlock()
	return nil
}

// Cleanup deletes completed checkpoints of network whose embedded timestamp
// is older than maxAgeDays and returns how many were removed. In-progress
// and failed checkpoints are kept regardless of age.
func (m *Manager) Cleanup(ctx context.Context, network string, maxAgeDays int) (int, error) {
	if maxAgeDays < 0 {
		return 0, fmt.Errorf("checkpoint: negative max age %d", maxAgeDays)
	}
	cps, err := m.Find(ctx, network, StatusCompleted)
	if err != nil {
		return 0, err
	}

	cutoff := m.clock.Now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	deleted := 0
	for _, cp := range cps {
		if !cp.Timestamp().Before(cutoff) {
			continue
		}
		if err := m.Delete(ctx, cp.ID); err != nil {
			return deleted, err
		}
		deleted++
	}

	if deleted > 0 {
		m.logger.Info("old checkpoints removed",
			slog.String("network", network),
			slog.Int("count", deleted),
			slog.Int("max_age_days", maxAgeDays),
		)
	}
	return deleted, nil
}

func hasStatus(statuses []Status, s Status) bool {
	for _, want := range statuses {
		if want == s {
			return true
		}
	}
	return false
}

func sortNewestFirst(cps []*Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		ti, tj := cps[i].Timestamp(), cps[j].Timestamp()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return cps[i].ID > cps[j].ID
	})
}
