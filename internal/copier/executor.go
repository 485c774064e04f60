package copier

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mt5-copytrader/internal/mt5"
)

// SlaveExecutor owns one slave terminal connection and translates master
// changes into trade requests. Calls are serialized per executor; the engine
// provides the cross-slave parallelism.
type SlaveExecutor struct {
	mu          sync.Mutex
	config      SlaveConfig
	client      mt5.Client
	lots        *LotCalculator
	state       *AccountState
	initialized bool
}

// NewSlaveExecutor creates an executor for one slave account.
func NewSlaveExecutor(config SlaveConfig, client mt5.Client, masterBalance float64) *SlaveExecutor {
	return &SlaveExecutor{
		config: config,
		client: client,
		lots:   NewLotCalculator(config, masterBalance),
		state:  NewAccountState(config.Name, "slave", config.Host, config.Port),
	}
}

// Config returns a copy of the slave configuration.
func (e *SlaveExecutor) Config() SlaveConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// SetEnabled flips the enabled flag without touching the connection.
func (e *SlaveExecutor) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config.Enabled = enabled
}

// ApplyConfig installs an updated configuration and rebuilds the lot
// calculator. The connection is left alone.
func (e *SlaveExecutor) ApplyConfig(config SlaveConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	masterBalance := e.lots.MasterBalance()
	e.config = config
	e.lots = NewLotCalculator(config, masterBalance)
}

// Initialize connects and logs in, retrying up to maxRetries with a fixed
// delay.
func (e *SlaveExecutor) Initialize(ctx context.Context, maxRetries int, retryDelay time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		log.Info().
			Str("slave", e.config.Name).
			Int("attempt", attempt).
			Int("max_retries", maxRetries).
			Str("host", e.config.Host).
			Msg("slave connecting")

		err := e.connect(ctx)
		if err == nil {
			e.initialized = true
			log.Info().
				Str("slave", e.config.Name).
				Str("host", e.config.Host).
				Int("port", e.config.Port).
				Float64("balance", e.state.GetBalance()).
				Msg("slave connected")
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Str("slave", e.config.Name).
			Int("attempt", attempt).
			Msg("slave connection attempt failed")

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	e.state.RecordError(lastErr)
	return fmt.Errorf("slave %s initialization failed: %w", e.config.Name, lastErr)
}

func (e *SlaveExecutor) connect(ctx context.Context) error {
	if err := e.client.Initialize(ctx); err != nil {
		return err
	}

	if e.config.Login != 0 {
		if err := e.client.Login(ctx, e.config.Login, e.config.Password, e.config.Server); err != nil {
			return err
		}
		log.Info().
			Str("slave", e.config.Name).
			Int64("login", e.config.Login).
			Msg("slave login successful")
	}

	info, err := e.client.AccountInfo(ctx)
	if err != nil {
		return err
	}
	e.state.UpdateFromAccountInfo(info)
	e.lots.UpdateSlaveBalance(info.Balance)
	return nil
}

// Shutdown disconnects. Idempotent.
func (e *SlaveExecutor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		e.client.Shutdown()
	}
	e.initialized = false
	e.state.SetConnected(false)
}

// IsConnected reports whether the executor holds a live connection.
func (e *SlaveExecutor) IsConnected() bool {
	e.mu.Lock()
	initialized := e.initialized
	e.mu.Unlock()
	return initialized && e.state.IsConnected()
}

// UpdateMasterBalance pushes the current master balance into the lot
// calculator for proportional sizing.
func (e *SlaveExecutor) UpdateMasterBalance(balance float64) {
	e.lots.UpdateMasterBalance(balance)
}

// UpdateAccountInfo refreshes the slave's balance and equity.
func (e *SlaveExecutor) UpdateAccountInfo(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	info, err := e.client.AccountInfo(ctx)
	if err != nil {
		log.Error().Err(err).Str("slave", e.config.Name).Msg("slave account info failed")
		e.state.RecordError(err)
		return
	}
	e.state.UpdateFromAccountInfo(info)
	e.lots.UpdateSlaveBalance(info.Balance)
}

// ShouldCopySymbol reports whether this slave copies the symbol.
func (e *SlaveExecutor) ShouldCopySymbol(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config.ShouldCopySymbol(symbol)
}

// TradeDirection returns the effective slave-side direction for a master
// position type, inverted when configured.
func (e *SlaveExecutor) TradeDirection(masterType int) int {
	e.mu.Lock()
	invert := e.config.InvertTrades
	e.mu.Unlock()

	if !invert {
		return masterType
	}
	if masterType == mt5.PositionBuy {
		return mt5.PositionSell
	}
	return mt5.PositionBuy
}

// OpenPosition mirrors a master position onto this slave: resolve the
// symbol, size the lot, pick a price for the effective direction, carry the
// master's SL/TP over by price distance and send a market deal. Returns the
// raw result plus the lot that was requested.
func (e *SlaveExecutor) OpenPosition(ctx context.Context, masterPos PositionSnapshot) (*mt5.OrderResult, float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	symbolInfo, err := e.client.SymbolInfo(ctx, masterPos.Symbol)
	if err != nil {
		e.state.RecordError(err)
		return nil, 0, err
	}
	if symbolInfo == nil {
		log.Error().
			Str("slave", e.config.Name).
			Str("symbol", masterPos.Symbol).
			Msg("symbol not found on slave")
		return nil, 0, fmt.Errorf("%w: symbol %s not found", ErrPrecondition, masterPos.Symbol)
	}

	if !symbolInfo.Visible {
		if err := e.client.SymbolSelect(ctx, masterPos.Symbol, true); err != nil {
			e.state.RecordError(err)
			return nil, 0, err
		}
	}

	lot := e.lots.Calculate(masterPos.Volume, symbolInfo)
	direction := e.tradeDirectionLocked(masterPos.Type)

	tick, err := e.client.SymbolInfoTick(ctx, masterPos.Symbol)
	if err != nil {
		e.state.RecordError(err)
		return nil, 0, err
	}
	if tick == nil {
		log.Error().
			Str("slave", e.config.Name).
			Str("symbol", masterPos.Symbol).
			Msg("tick not available")
		return nil, 0, fmt.Errorf("%w: no tick for %s", ErrPrecondition, masterPos.Symbol)
	}

	price := tick.Ask
	orderType := mt5.OrderBuy
	if direction == mt5.PositionSell {
		price = tick.Bid
		orderType = mt5.OrderSell
	}

	sl := distanceSL(masterPos.PriceOpen, masterPos.SL, price, direction)
	tp := distanceTP(masterPos.PriceOpen, masterPos.TP, price, direction)

	request := &mt5.OrderRequest{
		Action:      mt5.ActionDeal,
		Symbol:      masterPos.Symbol,
		Volume:      lot,
		Type:        orderType,
		Price:       price,
		SL:          sl,
		TP:          tp,
		Deviation:   e.config.MaxSlippage,
		Magic:       e.config.MagicNumber,
		Comment:     fmt.Sprintf("CT:%d", masterPos.Ticket),
		TypeFilling: fillingMode(symbolInfo.FillingMode),
	}

	result, err := e.client.OrderSend(ctx, request)
	if err != nil {
		e.state.RecordError(err)
		return nil, lot, err
	}

	if result.Done() {
		log.Info().
			Str("slave", e.config.Name).
			Int64("master_ticket", masterPos.Ticket).
			Int64("slave_ticket", result.Order).
			Str("symbol", masterPos.Symbol).
			Float64("volume", lot).
			Int("direction", direction).
			Msg("position opened")
	} else {
		log.Error().
			Str("slave", e.config.Name).
			Int64("master_ticket", masterPos.Ticket).
			Int("retcode", result.Retcode).
			Str("comment", result.Comment).
			Msg("position open failed")
	}

	return result, lot, nil
}

// tradeDirectionLocked is TradeDirection for callers already holding e.mu.
func (e *SlaveExecutor) tradeDirectionLocked(masterType int) int {
	if !e.config.InvertTrades {
		return masterType
	}
	if masterType == mt5.PositionBuy {
		return mt5.PositionSell
	}
	return mt5.PositionBuy
}

// ClosePosition closes a slave position, fully when volume <= 0. The
// position is located by scanning positions_get: ticket-keyed lookups are
// unreliable over the bridge. A missing position is a precondition, not a
// transport failure.
func (e *SlaveExecutor) ClosePosition(ctx context.Context, slaveTicket int64, volume float64) (*mt5.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.findPosition(ctx, slaveTicket)
	if err != nil {
		e.state.RecordError(err)
		return nil, err
	}
	if pos == nil {
		log.Warn().
			Str("slave", e.config.Name).
			Int64("ticket", slaveTicket).
			Msg("position not found on slave")
		return nil, fmt.Errorf("%w: position %d not found", ErrPrecondition, slaveTicket)
	}

	closeVolume := volume
	if closeVolume <= 0 {
		closeVolume = pos.Volume
	}

	tick, err := e.client.SymbolInfoTick(ctx, pos.Symbol)
	if err != nil {
		e.state.RecordError(err)
		return nil, err
	}
	if tick == nil {
		return nil, fmt.Errorf("%w: no tick for %s", ErrPrecondition, pos.Symbol)
	}

	// Close BUY at bid with a SELL order, and vice versa.
	price := tick.Bid
	closeType := mt5.OrderSell
	if pos.Type == mt5.PositionSell {
		price = tick.Ask
		closeType = mt5.OrderBuy
	}

	filling := mt5.FillingFOK
	if symbolInfo, err := e.client.SymbolInfo(ctx, pos.Symbol); err == nil && symbolInfo != nil {
		filling = fillingMode(symbolInfo.FillingMode)
	}

	request := &mt5.OrderRequest{
		Action:      mt5.ActionDeal,
		Symbol:      pos.Symbol,
		Volume:      closeVolume,
		Type:        closeType,
		Position:    slaveTicket,
		Price:       price,
		Deviation:   e.config.MaxSlippage,
		Magic:       e.config.MagicNumber,
		Comment:     "CT:close",
		TypeFilling: filling,
	}

	result, err := e.client.OrderSend(ctx, request)
	if err != nil {
		e.state.RecordError(err)
		return nil, err
	}

	if result.Done() {
		kind := "full"
		if volume > 0 && volume < pos.Volume {
			kind = "partial"
		}
		log.Info().
			Str("slave", e.config.Name).
			Int64("ticket", slaveTicket).
			Str("close_type", kind).
			Float64("volume", closeVolume).
			Msg("position closed")
	} else {
		log.Error().
			Str("slave", e.config.Name).
			Int64("ticket", slaveTicket).
			Int("retcode", result.Retcode).
			Msg("position close failed")
	}

	return result, nil
}

// ModifyPosition sets new SL/TP on a slave position.
func (e *SlaveExecutor) ModifyPosition(ctx context.Context, slaveTicket int64, sl, tp float64) (*mt5.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	request := &mt5.OrderRequest{
		Action:   mt5.ActionSLTP,
		Position: slaveTicket,
		SL:       sl,
		TP:       tp,
	}

	result, err := e.client.OrderSend(ctx, request)
	if err != nil {
		e.state.RecordError(err)
		return nil, err
	}

	if result.Done() {
		log.Info().
			Str("slave", e.config.Name).
			Int64("ticket", slaveTicket).
			Float64("sl", sl).
			Float64("tp", tp).
			Msg("position modified")
	} else {
		log.Error().
			Str("slave", e.config.Name).
			Int64("ticket", slaveTicket).
			Int("retcode", result.Retcode).
			Msg("position modify failed")
	}

	return result, nil
}

// GetPositionByTicket returns the live slave position, or nil when gone.
func (e *SlaveExecutor) GetPositionByTicket(ctx context.Context, ticket int64) (*mt5.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.findPosition(ctx, ticket)
}

// SymbolInfo fetches symbol constraints from the slave terminal.
func (e *SlaveExecutor) SymbolInfo(ctx context.Context, symbol string) (*mt5.SymbolInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client.SymbolInfo(ctx, symbol)
}

// PartialCloseVolume delegates to the lot calculator.
func (e *SlaveExecutor) PartialCloseVolume(masterClosed, masterOriginal, slaveCurrent float64, info *mt5.SymbolInfo) float64 {
	return e.lots.PartialCloseVolume(masterClosed, masterOriginal, slaveCurrent, info)
}

// State returns a serializable snapshot of the account state.
func (e *SlaveExecutor) State() *AccountState {
	return e.state.Snapshot()
}

func (e *SlaveExecutor) findPosition(ctx context.Context, ticket int64) (*mt5.Position, error) {
	positions, err := e.client.PositionsGet(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Ticket == ticket {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// fillingMode picks an order filling mode from the symbol's bitmask,
// preferring FOK, then IOC, then RETURN.
func fillingMode(symbolFilling int) int {
	switch {
	case symbolFilling&mt5.SymbolFillingFOK != 0:
		return mt5.FillingFOK
	case symbolFilling&mt5.SymbolFillingIOC != 0:
		return mt5.FillingIOC
	default:
		return mt5.FillingReturn
	}
}

// distanceSL carries a master SL over to a slave entry price by preserving
// the distance from entry. A zero master SL stays unset.
func distanceSL(masterEntry, masterSL, entryPrice float64, direction int) float64 {
	if masterSL <= 0 {
		return 0
	}
	distance := math.Abs(masterEntry - masterSL)
	if direction == mt5.PositionBuy {
		return entryPrice - distance
	}
	return entryPrice + distance
}

// distanceTP is distanceSL with the opposite sign convention.
func distanceTP(masterEntry, masterTP, entryPrice float64, direction int) float64 {
	if masterTP <= 0 {
		return 0
	}
	distance := math.Abs(masterEntry - masterTP)
	if direction == mt5.PositionBuy {
		return entryPrice + distance
	}
	return entryPrice - distance
}
