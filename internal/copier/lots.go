package copier

import (
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"mt5-copytrader/internal/mt5"
)

// LotCalculator sizes slave trades from the master lot and the configured
// mode. Calculation is deterministic: identical inputs produce identical
// outputs. Balances are pushed in from the heartbeat.
type LotCalculator struct {
	mu            sync.RWMutex
	config        SlaveConfig
	masterBalance float64
	slaveBalance  float64
}

// NewLotCalculator creates a calculator for one slave.
func NewLotCalculator(config SlaveConfig, masterBalance float64) *LotCalculator {
	return &LotCalculator{
		config:        config,
		masterBalance: masterBalance,
	}
}

// UpdateMasterBalance records the master balance for proportional sizing.
func (c *LotCalculator) UpdateMasterBalance(balance float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masterBalance = balance
}

// UpdateSlaveBalance records the slave balance for proportional sizing.
func (c *LotCalculator) UpdateSlaveBalance(balance float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slaveBalance = balance
}

// MasterBalance returns the last pushed master balance.
func (c *LotCalculator) MasterBalance() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.masterBalance
}

// Calculate turns a master lot into a slave lot: mode formula, then the
// user clamp, then the symbol clamp and step snap when constraints are
// known, rounded to two decimals last.
func (c *LotCalculator) Calculate(masterLot float64, info *mt5.SymbolInfo) float64 {
	c.mu.RLock()
	cfg := c.config
	masterBalance := c.masterBalance
	slaveBalance := c.slaveBalance
	c.mu.RUnlock()

	var lot float64
	switch cfg.LotMode {
	case LotModeExact:
		lot = masterLot
	case LotModeFixed:
		lot = cfg.LotValue
	case LotModeMultiplier:
		lot = masterLot * cfg.LotValue
	case LotModeProportional:
		if masterBalance > 0 {
			lot = masterLot * slaveBalance / masterBalance
		} else {
			lot = masterLot
			log.Warn().
				Str("slave", cfg.Name).
				Msg("master balance unknown, proportional mode falling back to exact")
		}
	default:
		lot = masterLot
	}

	lot = math.Max(cfg.MinLot, math.Min(cfg.MaxLot, lot))

	if info != nil {
		lot = math.Max(info.VolumeMin, lot)
		lot = math.Min(info.VolumeMax, lot)
		if info.VolumeStep > 0 {
			lot = math.Round(lot/info.VolumeStep) * info.VolumeStep
		}
	}

	return round2(lot)
}

// PartialCloseVolume computes how much slave volume to close when the master
// closed masterClosed out of masterOriginal. The volume_min floor can close
// more than the proportional share dictates, leaving the slave over-closed
// relative to the master; brokers refuse smaller closes.
func (c *LotCalculator) PartialCloseVolume(masterClosed, masterOriginal, slaveCurrent float64, info *mt5.SymbolInfo) float64 {
	if masterOriginal <= 0 {
		return 0
	}

	closeRatio := masterClosed / masterOriginal
	closeVolume := slaveCurrent * closeRatio

	if info != nil {
		if closeVolume < info.VolumeMin {
			closeVolume = info.VolumeMin
		}
		if info.VolumeStep > 0 {
			closeVolume = math.Round(closeVolume/info.VolumeStep) * info.VolumeStep
		}
	}

	return round2(closeVolume)
}
