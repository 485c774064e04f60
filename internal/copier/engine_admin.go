package copier

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Retry policy for control-surface initiated connections: short, so API
// calls return promptly.
const (
	adminInitRetries    = 3
	adminInitRetryDelay = 5 * time.Second
)

// SlaveUpdate patches the whitelisted slave configuration fields; nil means
// leave unchanged. Connection settings are deliberately not patchable.
type SlaveUpdate struct {
	LotMode       *LotMode  `json:"lot_mode,omitempty"`
	LotValue      *float64  `json:"lot_value,omitempty"`
	MaxLot        *float64  `json:"max_lot,omitempty"`
	MinLot        *float64  `json:"min_lot,omitempty"`
	SymbolsFilter *[]string `json:"symbols_filter,omitempty"`
	MagicNumber   *int32    `json:"magic_number,omitempty"`
	InvertTrades  *bool     `json:"invert_trades,omitempty"`
	MaxSlippage   *int      `json:"max_slippage,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (u *SlaveUpdate) Empty() bool {
	return u.LotMode == nil && u.LotValue == nil && u.MaxLot == nil &&
		u.MinLot == nil && u.SymbolsFilter == nil && u.MagicNumber == nil &&
		u.InvertTrades == nil && u.MaxSlippage == nil
}

// SlaveDetail is the control-surface view of one slave.
type SlaveDetail struct {
	SlaveConfig
	Connected bool          `json:"connected"`
	State     *AccountState `json:"state"`
}

// AddSlave registers a new slave. When enabled, the connection is attempted
// with short retries and a failure rejects the add.
func (e *Engine) AddSlave(ctx context.Context, config SlaveConfig) error {
	e.mu.RLock()
	_, exists := e.slaves[config.Name]
	e.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrSlaveExists, config.Name)
	}

	log.Info().
		Str("name", config.Name).
		Str("host", config.Host).
		Int("port", config.Port).
		Msg("adding slave")

	masterBalance := 0.0
	if e.master.IsConnected() {
		masterBalance = e.master.Balance()
	}

	executor := NewSlaveExecutor(config, e.clients(config.Host, config.Port), masterBalance)

	if config.Enabled {
		if err := executor.Initialize(ctx, adminInitRetries, adminInitRetryDelay); err != nil {
			return fmt.Errorf("failed to connect slave %q: %w", config.Name, err)
		}
	}

	e.mu.Lock()
	if _, exists := e.slaves[config.Name]; exists {
		e.mu.Unlock()
		executor.Shutdown()
		return fmt.Errorf("%w: %s", ErrSlaveExists, config.Name)
	}
	e.slaves[config.Name] = executor
	e.mu.Unlock()

	e.audit(ctx, AuditEvent{
		EventType: "slave_added",
		SlaveName: config.Name,
		Details:   map[string]interface{}{"host": config.Host, "enabled": config.Enabled},
	})

	log.Info().Str("name", config.Name).Bool("connected", executor.IsConnected()).Msg("slave added")
	return nil
}

// RemoveSlave tears a slave down, optionally closing its open mappings
// first, and drops its in-memory mappings.
func (e *Engine) RemoveSlave(ctx context.Context, name string, closePositions bool) error {
	slave := e.slaveByName(name)
	if slave == nil {
		return fmt.Errorf("%w: %s", ErrSlaveNotFound, name)
	}

	log.Info().Str("name", name).Bool("close_positions", closePositions).Msg("removing slave")

	if closePositions && slave.IsConnected() {
		e.closeSlaveMappings(ctx, name, slave)
	}

	slave.Shutdown()

	e.mu.Lock()
	delete(e.slaves, name)
	for masterTicket, list := range e.positionMap {
		kept := list[:0]
		for _, m := range list {
			if m.SlaveName != name {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			delete(e.positionMap, masterTicket)
		} else {
			e.positionMap[masterTicket] = kept
		}
	}
	e.mu.Unlock()
	e.refreshMappingGauge()

	e.audit(ctx, AuditEvent{EventType: "slave_removed", SlaveName: name})
	log.Info().Str("name", name).Msg("slave removed")
	return nil
}

// EnableSlave flips a slave on and connects it when needed.
func (e *Engine) EnableSlave(ctx context.Context, name string) error {
	slave := e.slaveByName(name)
	if slave == nil {
		return fmt.Errorf("%w: %s", ErrSlaveNotFound, name)
	}

	if slave.Config().Enabled && slave.IsConnected() {
		return nil
	}

	log.Info().Str("name", name).Msg("enabling slave")
	slave.SetEnabled(true)

	if !slave.IsConnected() {
		masterBalance := 0.0
		if e.master.IsConnected() {
			masterBalance = e.master.Balance()
		}
		slave.UpdateMasterBalance(masterBalance)

		if err := slave.Initialize(ctx, adminInitRetries, adminInitRetryDelay); err != nil {
			return fmt.Errorf("failed to connect slave %q: %w", name, err)
		}
	}

	e.audit(ctx, AuditEvent{EventType: "slave_enabled", SlaveName: name})
	return nil
}

// DisableSlave stops copying to a slave, optionally closing its positions,
// and disconnects it. Its mappings stay in the map so a later enable resumes
// tracking.
func (e *Engine) DisableSlave(ctx context.Context, name string, closePositions bool) error {
	slave := e.slaveByName(name)
	if slave == nil {
		return fmt.Errorf("%w: %s", ErrSlaveNotFound, name)
	}

	log.Info().Str("name", name).Bool("close_positions", closePositions).Msg("disabling slave")

	if closePositions && slave.IsConnected() {
		e.closeSlaveMappings(ctx, name, slave)
	}

	slave.SetEnabled(false)
	slave.Shutdown()

	e.audit(ctx, AuditEvent{EventType: "slave_disabled", SlaveName: name})
	return nil
}

// closeSlaveMappings force-closes every open mapping belonging to one slave.
func (e *Engine) closeSlaveMappings(ctx context.Context, name string, slave *SlaveExecutor) {
	e.mu.RLock()
	var targets []*PositionMapping
	for _, list := range e.positionMap {
		for _, m := range list {
			if m.SlaveName == name && m.Status == StatusOpen {
				targets = append(targets, m)
			}
		}
	}
	e.mu.RUnlock()

	closed := 0
	for _, mapping := range targets {
		result, err := slave.ClosePosition(ctx, mapping.SlaveTicket, 0)
		if err != nil {
			log.Error().Err(err).
				Str("slave", name).
				Int64("ticket", mapping.SlaveTicket).
				Msg("force close failed")
			continue
		}
		if result.Done() {
			mapping.Status = StatusClosed
			now := time.Now()
			mapping.ClosedAt = &now
			closed++
			e.audit(ctx, AuditEvent{
				EventType:    "position_force_closed",
				MasterTicket: mapping.MasterTicket,
				SlaveName:    name,
				SlaveTicket:  mapping.SlaveTicket,
			})
		}
	}

	log.Info().Str("name", name).Int("closed", closed).Msg("slave positions closed")
}

// UpdateSlave patches the whitelisted fields and rebuilds the lot
// calculator. No reconnection.
func (e *Engine) UpdateSlave(ctx context.Context, name string, update SlaveUpdate) error {
	slave := e.slaveByName(name)
	if slave == nil {
		return fmt.Errorf("%w: %s", ErrSlaveNotFound, name)
	}

	config := slave.Config()
	if update.LotMode != nil {
		mode, err := ParseLotMode(string(*update.LotMode))
		if err != nil {
			return err
		}
		config.LotMode = mode
	}
	if update.LotValue != nil {
		config.LotValue = *update.LotValue
	}
	if update.MaxLot != nil {
		config.MaxLot = *update.MaxLot
	}
	if update.MinLot != nil {
		config.MinLot = *update.MinLot
	}
	if update.SymbolsFilter != nil {
		config.SymbolsFilter = *update.SymbolsFilter
	}
	if update.MagicNumber != nil {
		config.MagicNumber = *update.MagicNumber
	}
	if update.InvertTrades != nil {
		config.InvertTrades = *update.InvertTrades
	}
	if update.MaxSlippage != nil {
		config.MaxSlippage = *update.MaxSlippage
	}

	slave.ApplyConfig(config)

	e.audit(ctx, AuditEvent{EventType: "slave_updated", SlaveName: name})
	log.Info().Str("name", name).Msg("slave configuration updated")
	return nil
}

// Reconnect re-initializes the master or a named slave with short retries.
func (e *Engine) Reconnect(ctx context.Context, name string) error {
	if name == "master" || name == e.master.Config().Name {
		return e.master.Initialize(ctx, adminInitRetries, adminInitRetryDelay)
	}

	slave := e.slaveByName(name)
	if slave == nil {
		return fmt.Errorf("%w: %s", ErrSlaveNotFound, name)
	}
	return slave.Initialize(ctx, adminInitRetries, adminInitRetryDelay)
}

// Status returns the serializable engine state.
func (e *Engine) Status() EngineStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := EngineStatus{
		Running: e.running,
		Master:  e.master.State(),
		Slaves:  make(map[string]*AccountState, len(e.slaves)),
	}
	for name, slave := range e.slaves {
		status.Slaves[name] = slave.State()
	}
	for _, list := range e.positionMap {
		status.ActiveMappings += len(list)
	}
	return status
}

// ListSlaves returns detailed configuration and state for every slave.
func (e *Engine) ListSlaves() []SlaveDetail {
	e.mu.RLock()
	slaves := make([]*SlaveExecutor, 0, len(e.slaves))
	for _, slave := range e.slaves {
		slaves = append(slaves, slave)
	}
	e.mu.RUnlock()

	details := make([]SlaveDetail, 0, len(slaves))
	for _, slave := range slaves {
		details = append(details, SlaveDetail{
			SlaveConfig: slave.Config(),
			Connected:   slave.IsConnected(),
			State:       slave.State(),
		})
	}
	return details
}

// SlaveState returns one slave's detail, or ErrSlaveNotFound.
func (e *Engine) SlaveState(name string) (*SlaveDetail, error) {
	slave := e.slaveByName(name)
	if slave == nil {
		return nil, fmt.Errorf("%w: %s", ErrSlaveNotFound, name)
	}
	return &SlaveDetail{
		SlaveConfig: slave.Config(),
		Connected:   slave.IsConnected(),
		State:       slave.State(),
	}, nil
}

// Mappings returns a deep copy of the active position map.
func (e *Engine) Mappings() map[int64][]PositionMapping {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[int64][]PositionMapping, len(e.positionMap))
	for ticket, list := range e.positionMap {
		copies := make([]PositionMapping, len(list))
		for i, m := range list {
			copies[i] = *m
		}
		out[ticket] = copies
	}
	return out
}
