package copier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mt5-copytrader/internal/mt5"
)

// MasterMonitor owns the master terminal connection, polls its positions and
// feeds the change detector. A failed fetch records the error and yields an
// empty change set; reconnects are driven from the control surface, never
// from inside the monitor.
type MasterMonitor struct {
	config   MasterConfig
	client   mt5.Client
	detector *ChangeDetector
	state    *AccountState

	mu          sync.Mutex // serializes terminal calls
	initialized bool
}

// NewMasterMonitor creates a monitor over the given client.
func NewMasterMonitor(config MasterConfig, client mt5.Client) *MasterMonitor {
	return &MasterMonitor{
		config:   config,
		client:   client,
		detector: NewChangeDetector(),
		state:    NewAccountState(config.Name, "master", config.Host, config.Port),
	}
}

// Config returns the master configuration.
func (m *MasterMonitor) Config() MasterConfig {
	return m.config
}

// Initialize connects and logs in, retrying up to maxRetries with a fixed
// delay, then seeds the detector with the live position set so pre-existing
// positions are not copied.
func (m *MasterMonitor) Initialize(ctx context.Context, maxRetries int, retryDelay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		log.Info().
			Int("attempt", attempt).
			Int("max_retries", maxRetries).
			Str("host", m.config.Host).
			Msg("master connecting")

		if err := m.connect(ctx); err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Msg("master connection attempt failed")
			if attempt < maxRetries {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(retryDelay):
				}
				continue
			}
			m.state.RecordError(err)
			return fmt.Errorf("master initialization failed: %w", err)
		}

		positions, err := m.currentPositions(ctx)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Msg("master position seed failed")
			if attempt < maxRetries {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(retryDelay):
				}
				continue
			}
			m.state.RecordError(err)
			return fmt.Errorf("master initialization failed: %w", err)
		}

		m.detector.SetInitial(positions)
		m.state.SetPositionsCount(len(positions))
		m.initialized = true

		log.Info().
			Str("host", m.config.Host).
			Int("port", m.config.Port).
			Float64("balance", m.state.GetBalance()).
			Int("positions", len(positions)).
			Msg("master connected")
		return nil
	}

	return fmt.Errorf("master initialization failed: %w", lastErr)
}

// connect performs one connect + login + account_info round.
func (m *MasterMonitor) connect(ctx context.Context) error {
	if err := m.client.Initialize(ctx); err != nil {
		return err
	}

	if m.config.Login != 0 {
		if err := m.client.Login(ctx, m.config.Login, m.config.Password, m.config.Server); err != nil {
			return err
		}
		log.Info().Int64("login", m.config.Login).Msg("master login successful")
	}

	info, err := m.client.AccountInfo(ctx)
	if err != nil {
		return err
	}
	m.state.UpdateFromAccountInfo(info)
	return nil
}

// Shutdown disconnects. Idempotent.
func (m *MasterMonitor) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		m.client.Shutdown()
	}
	m.initialized = false
	m.state.SetConnected(false)
}

// IsConnected reports whether the monitor holds a live connection.
func (m *MasterMonitor) IsConnected() bool {
	m.mu.Lock()
	initialized := m.initialized
	m.mu.Unlock()
	return initialized && m.state.IsConnected()
}

// currentPositions fetches the live master positions keyed by ticket.
// Caller holds m.mu.
func (m *MasterMonitor) currentPositions(ctx context.Context) (map[int64]PositionSnapshot, error) {
	positions, err := m.client.PositionsGet(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[int64]PositionSnapshot, len(positions))
	for _, pos := range positions {
		snapshot[pos.Ticket] = SnapshotFromPosition(pos)
	}
	return snapshot, nil
}

// CurrentPositions fetches the live master positions keyed by ticket.
func (m *MasterMonitor) CurrentPositions(ctx context.Context) (map[int64]PositionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentPositions(ctx)
}

// DetectChanges fetches positions and diffs them against the previous poll.
// A fetch error never yields a partial change set: the error is recorded and
// an empty set returned, so a flaky poll cannot masquerade as a mass close.
func (m *MasterMonitor) DetectChanges(ctx context.Context) *ChangeSet {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.currentPositions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("master position fetch failed")
		m.state.RecordError(err)
		return &ChangeSet{}
	}

	m.state.SetPositionsCount(len(current))

	changes := m.detector.Diff(current)
	if !changes.IsEmpty() {
		log.Debug().
			Int("opens", len(changes.Opens)).
			Int("closes", len(changes.Closes)).
			Int("partials", len(changes.Partials)).
			Int("modifications", len(changes.Modifications)).
			Msg("changes detected")
	}
	return changes
}

// UpdateAccountInfo refreshes balance and equity.
func (m *MasterMonitor) UpdateAccountInfo(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := m.client.AccountInfo(ctx)
	if err != nil {
		log.Error().Err(err).Msg("master account info failed")
		m.state.RecordError(err)
		return
	}
	m.state.UpdateFromAccountInfo(info)
}

// State returns a serializable snapshot of the account state.
func (m *MasterMonitor) State() *AccountState {
	return m.state.Snapshot()
}

// Balance returns the last observed master balance.
func (m *MasterMonitor) Balance() float64 {
	return m.state.GetBalance()
}
