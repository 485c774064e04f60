package copier

import (
	"testing"

	"mt5-copytrader/internal/mt5"
)

func slaveConfig(mode LotMode, value float64) SlaveConfig {
	return SlaveConfig{
		Name:     "slave1",
		LotMode:  mode,
		LotValue: value,
		MinLot:   0.01,
		MaxLot:   10.0,
	}
}

var stdSymbol = &mt5.SymbolInfo{VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01}

func TestCalculateExact(t *testing.T) {
	c := NewLotCalculator(slaveConfig(LotModeExact, 1.0), 0)
	if got := c.Calculate(0.10, stdSymbol); got != 0.10 {
		t.Errorf("exact lot = %v, want 0.10", got)
	}
}

func TestCalculateFixed(t *testing.T) {
	c := NewLotCalculator(slaveConfig(LotModeFixed, 0.25), 0)
	if got := c.Calculate(1.50, stdSymbol); got != 0.25 {
		t.Errorf("fixed lot = %v, want 0.25", got)
	}
}

func TestCalculateMultiplier(t *testing.T) {
	c := NewLotCalculator(slaveConfig(LotModeMultiplier, 2.0), 0)
	if got := c.Calculate(0.10, stdSymbol); got != 0.20 {
		t.Errorf("multiplier lot = %v, want 0.20", got)
	}
}

func TestCalculateProportional(t *testing.T) {
	// master_balance=10000, slave_balance=2500, master lot 0.40 -> 0.10.
	c := NewLotCalculator(slaveConfig(LotModeProportional, 1.0), 10000)
	c.UpdateSlaveBalance(2500)

	if got := c.Calculate(0.40, stdSymbol); got != 0.10 {
		t.Errorf("proportional lot = %v, want 0.10", got)
	}
}

func TestCalculateProportionalFallsBackWithoutMasterBalance(t *testing.T) {
	c := NewLotCalculator(slaveConfig(LotModeProportional, 1.0), 0)
	c.UpdateSlaveBalance(2500)

	if got := c.Calculate(0.40, stdSymbol); got != 0.40 {
		t.Errorf("proportional fallback lot = %v, want exact 0.40", got)
	}
}

func TestCalculateClampsToUserBounds(t *testing.T) {
	cfg := slaveConfig(LotModeMultiplier, 100)
	cfg.MaxLot = 2.0
	c := NewLotCalculator(cfg, 0)

	if got := c.Calculate(1.0, nil); got != 2.0 {
		t.Errorf("lot above max_lot = %v, want clamp to 2.0", got)
	}

	cfg = slaveConfig(LotModeFixed, 0.001)
	cfg.MinLot = 0.05
	c = NewLotCalculator(cfg, 0)
	if got := c.Calculate(1.0, nil); got != 0.05 {
		t.Errorf("lot below min_lot = %v, want clamp to 0.05", got)
	}
}

func TestCalculateSnapsToVolumeStep(t *testing.T) {
	c := NewLotCalculator(slaveConfig(LotModeMultiplier, 1.0), 0)
	info := &mt5.SymbolInfo{VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.05}

	if got := c.Calculate(0.12, info); got != 0.10 {
		t.Errorf("snapped lot = %v, want 0.10", got)
	}
	if got := c.Calculate(0.13, info); got != 0.15 {
		t.Errorf("snapped lot = %v, want 0.15", got)
	}
}

func TestCalculateRespectsSymbolBounds(t *testing.T) {
	c := NewLotCalculator(slaveConfig(LotModeExact, 1.0), 0)
	info := &mt5.SymbolInfo{VolumeMin: 0.10, VolumeMax: 0.50, VolumeStep: 0.01}

	if got := c.Calculate(0.01, info); got != 0.10 {
		t.Errorf("lot below volume_min = %v, want 0.10", got)
	}
	if got := c.Calculate(5.0, info); got != 0.50 {
		t.Errorf("lot above volume_max = %v, want 0.50", got)
	}
}

func TestCalculateIsDeterministic(t *testing.T) {
	c := NewLotCalculator(slaveConfig(LotModeProportional, 1.0), 9876.54)
	c.UpdateSlaveBalance(1234.56)

	first := c.Calculate(0.37, stdSymbol)
	for i := 0; i < 100; i++ {
		if got := c.Calculate(0.37, stdSymbol); got != first {
			t.Fatalf("calculation not deterministic: %v != %v", got, first)
		}
	}
}

func TestPartialCloseVolume(t *testing.T) {
	c := NewLotCalculator(slaveConfig(LotModeExact, 1.0), 0)

	// Master closed 0.06 of 0.10; slave holds 0.10 -> close 0.06.
	if got := c.PartialCloseVolume(0.06, 0.10, 0.10, stdSymbol); got != 0.06 {
		t.Errorf("partial close volume = %v, want 0.06", got)
	}
}

func TestPartialCloseVolumeFloorsToVolumeMin(t *testing.T) {
	c := NewLotCalculator(slaveConfig(LotModeExact, 1.0), 0)
	info := &mt5.SymbolInfo{VolumeMin: 0.05, VolumeStep: 0.01}

	if got := c.PartialCloseVolume(0.01, 0.10, 0.10, info); got != 0.05 {
		t.Errorf("floored partial close volume = %v, want 0.05", got)
	}
}

func TestPartialCloseVolumeZeroOriginal(t *testing.T) {
	c := NewLotCalculator(slaveConfig(LotModeExact, 1.0), 0)

	if got := c.PartialCloseVolume(0.05, 0, 0.10, stdSymbol); got != 0 {
		t.Errorf("partial close volume with zero original = %v, want 0", got)
	}
}
