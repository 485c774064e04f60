package copier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mt5-copytrader/internal/metrics"
	"mt5-copytrader/internal/mt5"
)

// ClientFactory builds a terminal client for a host/port pair. The engine
// uses it to wire dynamically added slaves; tests substitute fakes.
type ClientFactory func(host string, port int) mt5.Client

// Options tune the engine's loops and retry policy.
type Options struct {
	PollingInterval   time.Duration
	HeartbeatInterval time.Duration
	RetryAttempts     int
	InitRetries       int
	InitRetryDelay    time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = 500 * time.Millisecond
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.InitRetries <= 0 {
		opts.InitRetries = 10
	}
	if opts.InitRetryDelay <= 0 {
		opts.InitRetryDelay = 15 * time.Second
	}
	return opts
}

// Engine drives the whole copier: it polls the master, fans each detected
// change out to the eligible slaves, and keeps the mapping store in sync.
// The poll loop and the control surface are the only mutators of the slave
// set and the in-memory position map; both go through e.mu.
type Engine struct {
	master  *MasterMonitor
	store   Store
	retry   *RetryManager
	clients ClientFactory
	opts    Options

	mu          sync.RWMutex
	slaves      map[string]*SlaveExecutor
	positionMap map[int64][]*PositionMapping
	running     bool

	cancel        context.CancelFunc
	heartbeatDone chan struct{}
}

// EngineStatus is the serializable engine state for the control surface.
type EngineStatus struct {
	Running        bool                     `json:"running"`
	Master         *AccountState            `json:"master"`
	Slaves         map[string]*AccountState `json:"slaves"`
	ActiveMappings int                      `json:"active_mappings"`
}

// NewEngine wires an engine from configuration. Disabled slaves are carried
// in the set but skipped by the poll loop until enabled.
func NewEngine(masterCfg MasterConfig, slaveCfgs []SlaveConfig, store Store, clients ClientFactory, opts Options) *Engine {
	e := &Engine{
		master:      NewMasterMonitor(masterCfg, clients(masterCfg.Host, masterCfg.Port)),
		store:       store,
		retry:       NewRetryManager(opts.withDefaults().RetryAttempts),
		clients:     clients,
		opts:        opts.withDefaults(),
		slaves:      make(map[string]*SlaveExecutor),
		positionMap: make(map[int64][]*PositionMapping),
	}

	for _, cfg := range slaveCfgs {
		e.slaves[cfg.Name] = NewSlaveExecutor(cfg, clients(cfg.Host, cfg.Port), 0)
	}

	return e
}

// Master exposes the master monitor for the control surface.
func (e *Engine) Master() *MasterMonitor {
	return e.master
}

// Running reports whether the engine has started.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Start waits out the initial delay (broker containers boot slowly),
// connects the master and every enabled slave, drops slaves that will not
// connect, reloads the open mapping set and launches the heartbeat. It
// refuses to run when no slave connected.
func (e *Engine) Start(ctx context.Context, initialDelay time.Duration) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	log.Info().Msg("sync engine starting")

	if initialDelay > 0 {
		log.Info().Dur("delay", initialDelay).Msg("waiting for terminal startup")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(initialDelay):
		}
	}

	if err := e.master.Initialize(ctx, e.opts.InitRetries, e.opts.InitRetryDelay); err != nil {
		return err
	}

	e.mu.Lock()
	names := make([]string, 0, len(e.slaves))
	for name := range e.slaves {
		names = append(names, name)
	}
	e.mu.Unlock()

	connected := 0
	for _, name := range names {
		e.mu.RLock()
		slave := e.slaves[name]
		e.mu.RUnlock()
		if slave == nil || !slave.Config().Enabled {
			continue
		}

		if err := slave.Initialize(ctx, e.opts.InitRetries, e.opts.InitRetryDelay); err != nil {
			log.Error().Err(err).Str("slave", name).Msg("slave initialization failed, dropping")
			e.mu.Lock()
			delete(e.slaves, name)
			e.mu.Unlock()
			continue
		}
		connected++
	}

	if connected == 0 {
		e.master.Shutdown()
		return fmt.Errorf("no slaves connected")
	}

	masterBalance := e.master.Balance()
	e.mu.RLock()
	for _, slave := range e.slaves {
		slave.UpdateMasterBalance(masterBalance)
	}
	e.mu.RUnlock()

	mappings, err := e.store.LoadOpenMappings(ctx)
	if err != nil {
		return fmt.Errorf("load mappings: %w", err)
	}

	e.reconcileMappings(ctx, mappings)

	e.mu.Lock()
	e.positionMap = mappings
	e.running = true
	e.mu.Unlock()

	total := 0
	for _, list := range mappings {
		total += len(list)
	}
	metrics.SetActiveMappings(total)
	log.Info().Int("mappings", total).Msg("position mappings loaded")

	hbCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.heartbeatDone = make(chan struct{})
	go e.heartbeatLoop(hbCtx)

	log.Info().
		Str("master", e.master.Config().Name).
		Int("slaves", connected).
		Msg("sync engine started")
	return nil
}

// reconcileMappings flags open mappings whose master ticket is no longer
// live on the broker. Closes missed while disconnected would otherwise leave
// orphan rows pretending to be open.
func (e *Engine) reconcileMappings(ctx context.Context, mappings map[int64][]*PositionMapping) {
	live, err := e.master.CurrentPositions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("reconciliation skipped, master positions unavailable")
		return
	}

	for masterTicket, list := range mappings {
		if _, ok := live[masterTicket]; ok {
			continue
		}

		log.Warn().
			Int64("master_ticket", masterTicket).
			Int("mappings", len(list)).
			Msg("orphaned mappings detected, master position gone")

		if err := e.store.UpdateMappingsStatus(ctx, masterTicket, StatusError); err != nil {
			log.Error().Err(err).Int64("master_ticket", masterTicket).Msg("orphan status update failed")
			continue
		}
		for _, m := range list {
			m.Status = StatusError
		}
		e.audit(ctx, AuditEvent{
			EventType:    "mappings_orphaned",
			MasterTicket: masterTicket,
			Details:      map[string]interface{}{"count": len(list)},
		})
		delete(mappings, masterTicket)
	}
}

// Stop cancels the heartbeat, lets the poll loop observe the stopped flag
// and shuts down every connection. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	done := e.heartbeatDone
	e.mu.Unlock()

	log.Info().Msg("sync engine stopping")

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	e.master.Shutdown()
	e.mu.RLock()
	for _, slave := range e.slaves {
		slave.Shutdown()
	}
	e.mu.RUnlock()

	log.Info().Msg("sync engine stopped")
}

// Run is the poll loop: detect, process, sleep. An iteration error is logged
// and followed by a 1s pause; the loop never propagates it. Returns when the
// context is cancelled or Stop was called.
func (e *Engine) Run(ctx context.Context) {
	log.Info().Dur("interval", e.opts.PollingInterval).Msg("sync engine running")

	for {
		if ctx.Err() != nil || !e.Running() {
			return
		}

		if err := e.pollOnce(ctx); err != nil {
			log.Error().Err(err).Msg("sync iteration failed")
			metrics.IncPollError()
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.opts.PollingInterval):
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in poll iteration: %v", r)
		}
	}()

	changes := e.master.DetectChanges(ctx)
	if !changes.IsEmpty() {
		e.processChanges(ctx, changes)
	}
	return nil
}

// processChanges fans every change out concurrently. Handlers are
// independent: each targets a distinct (master ticket, slave) pair, and an
// error on one slave never aborts its siblings. The in-memory map is fully
// updated before this returns, i.e. before the next detection pass.
func (e *Engine) processChanges(ctx context.Context, changes *ChangeSet) {
	var wg sync.WaitGroup

	for _, pos := range changes.Opens {
		metrics.IncChange("open")
		wg.Add(1)
		go func(pos PositionSnapshot) {
			defer wg.Done()
			e.handleOpen(ctx, pos)
		}(pos)
	}

	for _, pos := range changes.Closes {
		metrics.IncChange("close")
		wg.Add(1)
		go func(pos PositionSnapshot) {
			defer wg.Done()
			e.handleClose(ctx, pos.Ticket)
		}(pos)
	}

	for _, mod := range changes.Modifications {
		metrics.IncChange("modify")
		wg.Add(1)
		go func(mod Modification) {
			defer wg.Done()
			e.handleModify(ctx, mod)
		}(mod)
	}

	for _, partial := range changes.Partials {
		metrics.IncChange("partial")
		wg.Add(1)
		go func(partial PartialClose) {
			defer wg.Done()
			e.handlePartialClose(ctx, partial)
		}(partial)
	}

	wg.Wait()
}

// eligibleSlaves snapshots the enabled slaves that copy the given symbol.
func (e *Engine) eligibleSlaves(symbol string) map[string]*SlaveExecutor {
	e.mu.RLock()
	defer e.mu.RUnlock()

	eligible := make(map[string]*SlaveExecutor)
	for name, slave := range e.slaves {
		if slave.Config().Enabled && slave.ShouldCopySymbol(symbol) {
			eligible[name] = slave
		}
	}
	return eligible
}

func (e *Engine) handleOpen(ctx context.Context, masterPos PositionSnapshot) {
	log.Info().
		Int64("master_ticket", masterPos.Ticket).
		Str("symbol", masterPos.Symbol).
		Float64("volume", masterPos.Volume).
		Msg("handling new position")

	slaves := e.eligibleSlaves(masterPos.Symbol)

	var (
		wg       sync.WaitGroup
		mapMu    sync.Mutex
		mappings []*PositionMapping
	)

	for name, slave := range slaves {
		wg.Add(1)
		go func(name string, slave *SlaveExecutor) {
			defer wg.Done()

			mapping := e.copyToSlave(ctx, name, slave, masterPos)
			if mapping != nil {
				mapMu.Lock()
				mappings = append(mappings, mapping)
				mapMu.Unlock()
			}
		}(name, slave)
	}
	wg.Wait()

	if len(mappings) == 0 {
		return
	}

	if err := e.store.SaveMappings(ctx, masterPos.Ticket, mappings); err != nil {
		log.Error().Err(err).Int64("master_ticket", masterPos.Ticket).Msg("mapping save failed")
	}

	e.mu.Lock()
	e.positionMap[masterPos.Ticket] = mappings
	e.mu.Unlock()
	e.refreshMappingGauge()
}

// copyToSlave opens one slave copy through the retry manager and builds the
// mapping row on success.
func (e *Engine) copyToSlave(ctx context.Context, name string, slave *SlaveExecutor, masterPos PositionSnapshot) *PositionMapping {
	var slaveLot float64

	op := e.retry.NewOperation(OpOpen, masterPos.Ticket, name)
	op.OnFailure = func(errMsg string) {
		e.audit(ctx, AuditEvent{
			EventType:    "open_failed",
			MasterTicket: masterPos.Ticket,
			SlaveName:    name,
			Details:      map[string]interface{}{"error": errMsg, "symbol": masterPos.Symbol},
		})
		e.queueFailed(ctx, op, map[string]interface{}{
			"symbol": masterPos.Symbol,
			"volume": masterPos.Volume,
			"type":   masterPos.Type,
		})
		metrics.IncOrder(name, "failed")
	}

	result, ok := e.retry.Execute(ctx, op, func(ctx context.Context) (*mt5.OrderResult, error) {
		res, lot, err := slave.OpenPosition(ctx, masterPos)
		if err == nil {
			slaveLot = lot
		}
		return res, err
	})
	if !ok {
		return nil
	}

	metrics.IncOrder(name, "done")
	e.audit(ctx, AuditEvent{
		EventType:    "position_opened",
		MasterTicket: masterPos.Ticket,
		SlaveName:    name,
		SlaveTicket:  result.Order,
		Details:      map[string]interface{}{"symbol": masterPos.Symbol, "volume": slaveLot},
	})

	return &PositionMapping{
		MasterTicket:    masterPos.Ticket,
		SlaveName:       name,
		SlaveTicket:     result.Order,
		MasterVolume:    masterPos.Volume,
		SlaveVolume:     slaveLot,
		Symbol:          masterPos.Symbol,
		Direction:       slave.TradeDirection(masterPos.Type),
		MasterPriceOpen: masterPos.PriceOpen,
		Status:          StatusOpen,
		CreatedAt:       time.Now(),
	}
}

// mappingsFor snapshots the mappings for a master ticket.
func (e *Engine) mappingsFor(masterTicket int64) []*PositionMapping {
	e.mu.RLock()
	defer e.mu.RUnlock()
	list := e.positionMap[masterTicket]
	out := make([]*PositionMapping, len(list))
	copy(out, list)
	return out
}

func (e *Engine) slaveByName(name string) *SlaveExecutor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.slaves[name]
}

func (e *Engine) handleClose(ctx context.Context, masterTicket int64) {
	mappings := e.mappingsFor(masterTicket)
	if len(mappings) == 0 {
		log.Warn().Int64("master_ticket", masterTicket).Msg("no slave mappings for closed position")
		return
	}

	log.Info().Int64("master_ticket", masterTicket).Msg("handling close")

	var wg sync.WaitGroup
	for _, mapping := range mappings {
		slave := e.slaveByName(mapping.SlaveName)
		if slave == nil {
			continue
		}

		wg.Add(1)
		go func(mapping *PositionMapping, slave *SlaveExecutor) {
			defer wg.Done()

			op := e.retry.NewOperation(OpClose, masterTicket, mapping.SlaveName)
			op.OnFailure = func(errMsg string) {
				e.audit(ctx, AuditEvent{
					EventType:    "close_failed",
					MasterTicket: masterTicket,
					SlaveName:    mapping.SlaveName,
					SlaveTicket:  mapping.SlaveTicket,
					Details:      map[string]interface{}{"error": errMsg},
				})
			}
			op.OnSuccess = func(result *mt5.OrderResult) {
				e.audit(ctx, AuditEvent{
					EventType:    "position_closed",
					MasterTicket: masterTicket,
					SlaveName:    mapping.SlaveName,
					SlaveTicket:  mapping.SlaveTicket,
				})
			}

			e.retry.Execute(ctx, op, func(ctx context.Context) (*mt5.OrderResult, error) {
				return slave.ClosePosition(ctx, mapping.SlaveTicket, 0)
			})
		}(mapping, slave)
	}
	wg.Wait()

	// The master side is gone regardless of individual close outcomes; the
	// mappings are spent either way.
	now := time.Now()
	for _, mapping := range mappings {
		mapping.Status = StatusClosed
		mapping.ClosedAt = &now
	}

	if err := e.store.UpdateMappingsStatus(ctx, masterTicket, StatusClosed); err != nil {
		log.Error().Err(err).Int64("master_ticket", masterTicket).Msg("mapping status update failed")
	}

	e.mu.Lock()
	delete(e.positionMap, masterTicket)
	e.mu.Unlock()
	e.refreshMappingGauge()
}

func (e *Engine) handleModify(ctx context.Context, mod Modification) {
	mappings := e.mappingsFor(mod.Ticket)
	if len(mappings) == 0 {
		return
	}

	log.Info().
		Int64("master_ticket", mod.Ticket).
		Float64("new_sl", mod.NewSL).
		Float64("new_tp", mod.NewTP).
		Msg("handling modification")

	var wg sync.WaitGroup
	for _, mapping := range mappings {
		slave := e.slaveByName(mapping.SlaveName)
		if slave == nil {
			continue
		}

		wg.Add(1)
		go func(mapping *PositionMapping, slave *SlaveExecutor) {
			defer wg.Done()

			slavePos, err := slave.GetPositionByTicket(ctx, mapping.SlaveTicket)
			if err != nil || slavePos == nil {
				log.Warn().
					Int64("master_ticket", mod.Ticket).
					Int64("slave_ticket", mapping.SlaveTicket).
					Str("slave", mapping.SlaveName).
					Msg("slave position unavailable for modification")
				return
			}

			sl := distanceSL(mapping.MasterPriceOpen, mod.NewSL, slavePos.PriceOpen, mapping.Direction)
			tp := distanceTP(mapping.MasterPriceOpen, mod.NewTP, slavePos.PriceOpen, mapping.Direction)

			op := e.retry.NewOperation(OpModify, mod.Ticket, mapping.SlaveName)
			event := AuditEvent{MasterTicket: mod.Ticket, SlaveName: mapping.SlaveName, SlaveTicket: mapping.SlaveTicket}
			op.OnSuccess = func(result *mt5.OrderResult) {
				event.EventType, event.Details = "position_modified", map[string]interface{}{"sl": sl, "tp": tp}
				e.audit(ctx, event)
			}
			op.OnFailure = func(errMsg string) {
				event.EventType, event.Details = "modify_failed", map[string]interface{}{"error": errMsg}
				e.audit(ctx, event)
			}
			e.retry.Execute(ctx, op, func(ctx context.Context) (*mt5.OrderResult, error) {
				return slave.ModifyPosition(ctx, mapping.SlaveTicket, sl, tp)
			})
		}(mapping, slave)
	}
	wg.Wait()
}

func (e *Engine) handlePartialClose(ctx context.Context, partial PartialClose) {
	mappings := e.mappingsFor(partial.Ticket)
	if len(mappings) == 0 {
		return
	}

	log.Info().
		Int64("master_ticket", partial.Ticket).
		Float64("closed_volume", partial.ClosedVolume).
		Float64("remaining_volume", partial.RemainingVolume).
		Msg("handling partial close")

	var wg sync.WaitGroup
	for _, mapping := range mappings {
		slave := e.slaveByName(mapping.SlaveName)
		if slave == nil {
			continue
		}

		wg.Add(1)
		go func(mapping *PositionMapping, slave *SlaveExecutor) {
			defer wg.Done()

			symbolInfo, err := slave.SymbolInfo(ctx, mapping.Symbol)
			if err != nil {
				log.Warn().Err(err).Str("symbol", mapping.Symbol).Msg("symbol info unavailable for partial close")
			}

			closeVolume := slave.PartialCloseVolume(
				partial.ClosedVolume, partial.OriginalVolume, mapping.SlaveVolume, symbolInfo)
			if closeVolume <= 0 {
				return
			}

			op := e.retry.NewOperation(OpPartialClose, partial.Ticket, mapping.SlaveName)
			op.OnSuccess = func(result *mt5.OrderResult) {
				mapping.SlaveVolume = round2(mapping.SlaveVolume - closeVolume)
				if err := e.store.UpdateMappingVolume(ctx, mapping.MasterTicket, mapping.SlaveName, mapping.SlaveVolume); err != nil {
					log.Error().Err(err).
						Int64("master_ticket", mapping.MasterTicket).
						Str("slave", mapping.SlaveName).
						Msg("mapping volume update failed")
				}
				e.audit(ctx, AuditEvent{
					EventType:    "partial_close",
					MasterTicket: mapping.MasterTicket,
					SlaveName:    mapping.SlaveName,
					SlaveTicket:  mapping.SlaveTicket,
					Details: map[string]interface{}{
						"closed_volume":    closeVolume,
						"remaining_volume": mapping.SlaveVolume,
					},
				})
			}
			op.OnFailure = func(errMsg string) {
				e.audit(ctx, AuditEvent{
					EventType:    "partial_close_failed",
					MasterTicket: mapping.MasterTicket,
					SlaveName:    mapping.SlaveName,
					SlaveTicket:  mapping.SlaveTicket,
					Details:      map[string]interface{}{"error": errMsg},
				})
			}

			e.retry.Execute(ctx, op, func(ctx context.Context) (*mt5.OrderResult, error) {
				return slave.ClosePosition(ctx, mapping.SlaveTicket, closeVolume)
			})
		}(mapping, slave)
	}
	wg.Wait()
}

// heartbeatLoop refreshes account state and pushes the master balance to
// every slave's lot calculator. Independent of the poll loop.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	defer close(e.heartbeatDone)

	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.heartbeat(ctx)
		}
	}
}

func (e *Engine) heartbeat(ctx context.Context) {
	e.master.UpdateAccountInfo(ctx)
	masterBalance := e.master.Balance()
	metrics.SetMasterBalance(masterBalance)

	e.mu.RLock()
	slaves := make([]*SlaveExecutor, 0, len(e.slaves))
	for _, slave := range e.slaves {
		slaves = append(slaves, slave)
	}
	e.mu.RUnlock()

	connected := 0
	for _, slave := range slaves {
		slave.UpdateMasterBalance(masterBalance)
		if slave.IsConnected() {
			slave.UpdateAccountInfo(ctx)
			connected++
		}
	}
	metrics.SetConnectedSlaves(connected)
}

func (e *Engine) audit(ctx context.Context, event AuditEvent) {
	if err := e.store.LogEvent(ctx, event); err != nil {
		log.Error().Err(err).Str("event", event.EventType).Msg("audit log write failed")
	}
}

func (e *Engine) queueFailed(ctx context.Context, op *Operation, payload map[string]interface{}) {
	if _, err := e.store.QueueOperation(ctx, op.Queued(payload, e.retry.maxAttempts)); err != nil {
		log.Error().Err(err).Msg("operation queue write failed")
	}
}

func (e *Engine) refreshMappingGauge() {
	e.mu.RLock()
	total := 0
	for _, list := range e.positionMap {
		total += len(list)
	}
	e.mu.RUnlock()
	metrics.SetActiveMappings(total)
}
