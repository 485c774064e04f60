package copier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5-copytrader/internal/mt5"
)

func masterPosition(ticket int64, volume, sl, tp float64) mt5.Position {
	return mt5.Position{
		Ticket:    ticket,
		Symbol:    "EURUSD",
		Type:      mt5.PositionBuy,
		Volume:    volume,
		PriceOpen: 1.1000,
		SL:        sl,
		TP:        tp,
	}
}

type engineFixture struct {
	engine      *Engine
	master      *fakeClient
	slaveClient *fakeClient
	store       *memStore
}

func newEngineFixture(t *testing.T, store *memStore) *engineFixture {
	t.Helper()

	master := newFakeClient()
	slaveClient := newFakeClient().withSymbol("EURUSD",
		mt5.SymbolInfo{Visible: true, FillingMode: mt5.SymbolFillingFOK, VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01},
		mt5.Tick{Bid: 1.1010, Ask: 1.1012},
	)

	clients := func(host string, port int) mt5.Client {
		if host == "mt5-master" {
			return master
		}
		return slaveClient
	}

	masterCfg := MasterConfig{Name: "master", Host: "mt5-master", Port: 8001}
	slaveCfgs := []SlaveConfig{{
		Name:        "slave1",
		Host:        "mt5-slave1",
		Port:        8001,
		Enabled:     true,
		LotMode:     LotModeExact,
		LotValue:    1.0,
		MinLot:      0.01,
		MaxLot:      10.0,
		MagicNumber: 555001,
		MaxSlippage: 20,
	}}

	engine := NewEngine(masterCfg, slaveCfgs, store, clients, Options{
		PollingInterval:   5 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		RetryAttempts:     2,
		InitRetries:       1,
		InitRetryDelay:    time.Millisecond,
	})

	return &engineFixture{engine: engine, master: master, slaveClient: slaveClient, store: store}
}

func (f *engineFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Start(context.Background(), 0))
	t.Cleanup(f.engine.Stop)
}

func (f *engineFixture) poll(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.pollOnce(context.Background()))
}

func TestStartNeverCopiesPreexistingPositions(t *testing.T) {
	f := newEngineFixture(t, newMemStore())
	f.master.setPositions(masterPosition(42, 0.10, 0, 0), masterPosition(43, 0.25, 0, 0))
	f.start(t)

	f.poll(t)
	f.poll(t)

	assert.Empty(t, f.slaveClient.sentRequests(), "pre-existing master positions must not be copied")
	assert.Empty(t, f.engine.Mappings())
}

func TestOpenCreatesMappingAndPersists(t *testing.T) {
	f := newEngineFixture(t, newMemStore())
	f.start(t)

	f.master.setPositions(masterPosition(1, 0.10, 1.0950, 1.1100))
	f.poll(t)

	sent := f.slaveClient.sentRequests()
	require.Len(t, sent, 1)
	assert.Equal(t, mt5.ActionDeal, sent[0].Action)
	assert.Equal(t, mt5.OrderBuy, sent[0].Type)
	assert.Equal(t, 0.10, sent[0].Volume)

	mappings := f.engine.Mappings()
	require.Len(t, mappings[1], 1)
	m := mappings[1][0]
	assert.Equal(t, "slave1", m.SlaveName)
	assert.Equal(t, int64(7001), m.SlaveTicket)
	assert.Equal(t, 0.10, m.MasterVolume)
	assert.Equal(t, 0.10, m.SlaveVolume)
	assert.Equal(t, "EURUSD", m.Symbol)
	assert.Equal(t, mt5.PositionBuy, m.Direction)
	assert.Equal(t, 1.1000, m.MasterPriceOpen)
	assert.Equal(t, StatusOpen, m.Status)

	stored, err := f.store.GetMapping(context.Background(), 1, "slave1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, int64(7001), stored.SlaveTicket)
}

func TestCloseClosesSlaveAndMarksMapping(t *testing.T) {
	f := newEngineFixture(t, newMemStore())
	f.start(t)

	f.master.setPositions(masterPosition(1, 0.10, 0, 0))
	f.poll(t)
	require.Len(t, f.engine.Mappings()[1], 1)

	// Slave now holds the copy; the master closes.
	f.slaveClient.setPositions(mt5.Position{
		Ticket: 7001, Symbol: "EURUSD", Type: mt5.PositionBuy, Volume: 0.10, PriceOpen: 1.1012,
	})
	f.master.setPositions()
	f.poll(t)

	sent := f.slaveClient.sentRequests()
	require.Len(t, sent, 2)
	closeReq := sent[1]
	assert.Equal(t, int64(7001), closeReq.Position)
	assert.Equal(t, mt5.OrderSell, closeReq.Type)
	assert.Equal(t, "CT:close", closeReq.Comment)

	assert.Empty(t, f.engine.Mappings(), "closed mapping should leave the active map")

	stored, err := f.store.GetMapping(context.Background(), 1, "slave1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, stored.Status)
}

func TestUnknownMasterCloseIsSkipped(t *testing.T) {
	f := newEngineFixture(t, newMemStore())
	f.master.setPositions(masterPosition(42, 0.10, 0, 0))
	f.start(t)

	// Ticket 42 predates the copier, so its close has no mappings.
	f.master.setPositions()
	f.poll(t)

	assert.Empty(t, f.slaveClient.sentRequests())
}

func TestPartialCloseProportional(t *testing.T) {
	f := newEngineFixture(t, newMemStore())
	f.start(t)

	f.master.setPositions(masterPosition(1, 0.10, 0, 0))
	f.poll(t)

	f.slaveClient.setPositions(mt5.Position{
		Ticket: 7001, Symbol: "EURUSD", Type: mt5.PositionBuy, Volume: 0.10, PriceOpen: 1.1012,
	})

	// Master trims 0.10 -> 0.04: close_ratio 0.6, slave closes 0.06.
	f.master.setPositions(masterPosition(1, 0.04, 0, 0))
	f.poll(t)

	sent := f.slaveClient.sentRequests()
	require.Len(t, sent, 2)
	assert.Equal(t, 0.06, sent[1].Volume)
	assert.Equal(t, int64(7001), sent[1].Position)

	mappings := f.engine.Mappings()
	require.Len(t, mappings[1], 1)
	assert.Equal(t, 0.04, mappings[1][0].SlaveVolume)

	stored, err := f.store.GetMapping(context.Background(), 1, "slave1")
	require.NoError(t, err)
	assert.Equal(t, 0.04, stored.SlaveVolume)
}

func TestModificationPreservesDistanceFromMasterEntry(t *testing.T) {
	f := newEngineFixture(t, newMemStore())
	f.start(t)

	f.master.setPositions(masterPosition(1, 0.10, 1.0950, 1.1100))
	f.poll(t)

	f.slaveClient.setPositions(mt5.Position{
		Ticket: 7001, Symbol: "EURUSD", Type: mt5.PositionBuy, Volume: 0.10, PriceOpen: 1.1012,
	})

	// Master widens the stop: SL 1.0950 -> 1.0900 (distance 0.0100).
	f.master.setPositions(masterPosition(1, 0.10, 1.0900, 1.1100))
	f.poll(t)

	sent := f.slaveClient.sentRequests()
	require.Len(t, sent, 2)
	mod := sent[1]
	assert.Equal(t, mt5.ActionSLTP, mod.Action)
	assert.Equal(t, int64(7001), mod.Position)
	assert.InDelta(t, 1.1012-0.0100, mod.SL, 1e-9, "slave SL should sit the master's distance below the slave entry")
	assert.InDelta(t, 1.1012+0.0100, mod.TP, 1e-9)
}

func TestNonRetryableOpenLeavesNoMapping(t *testing.T) {
	store := newMemStore()
	f := newEngineFixture(t, store)
	f.start(t)

	f.slaveClient.orderResults = []*mt5.OrderResult{
		{Retcode: mt5.RetcodeNoMoney, Comment: "No money"},
	}

	f.master.setPositions(masterPosition(1, 0.10, 0, 0))
	f.poll(t)

	assert.Len(t, f.slaveClient.sentRequests(), 1, "non-retryable retcode must not be retried")
	assert.Empty(t, f.engine.Mappings())

	stored, err := store.GetMapping(context.Background(), 1, "slave1")
	require.NoError(t, err)
	assert.Nil(t, stored, "failed open must not leave a mapping row")

	require.NotEmpty(t, store.eventsOfType("open_failed"))
	assert.NotEmpty(t, store.queued, "terminal failure should land in the operation queue")

	// The engine keeps going: the next master event still copies.
	f.master.setPositions(masterPosition(1, 0.10, 0, 0), masterPosition(2, 0.20, 0, 0))
	f.poll(t)
	assert.Len(t, f.slaveClient.sentRequests(), 2)
}

func TestRestartRecoveryReloadsMappings(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.SaveMappings(context.Background(), 42, []*PositionMapping{{
		MasterTicket:    42,
		SlaveName:       "slave1",
		SlaveTicket:     9001,
		MasterVolume:    0.10,
		SlaveVolume:     0.10,
		Symbol:          "EURUSD",
		Direction:       mt5.PositionBuy,
		MasterPriceOpen: 1.1000,
		Status:          StatusOpen,
		CreatedAt:       time.Now(),
	}}))

	f := newEngineFixture(t, store)
	f.master.setPositions(masterPosition(42, 0.10, 0, 0))
	f.slaveClient.setPositions(mt5.Position{
		Ticket: 9001, Symbol: "EURUSD", Type: mt5.PositionBuy, Volume: 0.10, PriceOpen: 1.1012,
	})
	f.start(t)

	// Reloaded, not re-copied.
	require.Len(t, f.engine.Mappings()[42], 1)
	f.poll(t)
	assert.Empty(t, f.slaveClient.sentRequests(), "no duplicate open after restart")

	// A close on master now closes the recovered slave ticket.
	f.master.setPositions()
	f.poll(t)

	sent := f.slaveClient.sentRequests()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(9001), sent[0].Position)
}

func TestStartReconcilesOrphanedMappings(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.SaveMappings(context.Background(), 99, []*PositionMapping{{
		MasterTicket: 99,
		SlaveName:    "slave1",
		SlaveTicket:  9100,
		MasterVolume: 0.10,
		SlaveVolume:  0.10,
		Symbol:       "EURUSD",
		Status:       StatusOpen,
		CreatedAt:    time.Now(),
	}}))

	f := newEngineFixture(t, store)
	// Master no longer holds ticket 99.
	f.start(t)

	assert.Empty(t, f.engine.Mappings(), "orphaned mapping must not stay active")

	stored, err := store.GetMapping(context.Background(), 99, "slave1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, stored.Status)
	assert.NotEmpty(t, store.eventsOfType("mappings_orphaned"))
}

func TestAddSlaveRejectsDuplicateName(t *testing.T) {
	f := newEngineFixture(t, newMemStore())
	f.start(t)

	err := f.engine.AddSlave(context.Background(), SlaveConfig{Name: "slave1", Host: "mt5-slave1"})
	assert.ErrorIs(t, err, ErrSlaveExists)
}

func TestUpdateSlavePatchesWhitelistedFields(t *testing.T) {
	f := newEngineFixture(t, newMemStore())
	f.start(t)

	mode := LotModeMultiplier
	value := 2.0
	invert := true
	require.NoError(t, f.engine.UpdateSlave(context.Background(), "slave1", SlaveUpdate{
		LotMode:      &mode,
		LotValue:     &value,
		InvertTrades: &invert,
	}))

	detail, err := f.engine.SlaveState("slave1")
	require.NoError(t, err)
	assert.Equal(t, LotModeMultiplier, detail.LotMode)
	assert.Equal(t, 2.0, detail.LotValue)
	assert.True(t, detail.InvertTrades)

	// The rebuilt calculator sizes with the new mode.
	f.master.setPositions(masterPosition(5, 0.10, 0, 0))
	f.poll(t)

	sent := f.slaveClient.sentRequests()
	require.Len(t, sent, 1)
	assert.Equal(t, 0.20, sent[0].Volume)
	assert.Equal(t, mt5.OrderSell, sent[0].Type, "invert_trades should flip direction")
}

func TestUpdateSlaveUnknownName(t *testing.T) {
	f := newEngineFixture(t, newMemStore())
	f.start(t)

	err := f.engine.UpdateSlave(context.Background(), "ghost", SlaveUpdate{})
	assert.ErrorIs(t, err, ErrSlaveNotFound)
}

func TestDisableSlaveStopsCopying(t *testing.T) {
	f := newEngineFixture(t, newMemStore())
	f.start(t)

	require.NoError(t, f.engine.DisableSlave(context.Background(), "slave1", false))

	f.master.setPositions(masterPosition(1, 0.10, 0, 0))
	f.poll(t)

	assert.Empty(t, f.slaveClient.sentRequests(), "disabled slave must be skipped")
}

func TestRemoveSlaveDropsItsMappings(t *testing.T) {
	f := newEngineFixture(t, newMemStore())
	f.start(t)

	f.master.setPositions(masterPosition(1, 0.10, 0, 0))
	f.poll(t)
	require.Len(t, f.engine.Mappings()[1], 1)

	require.NoError(t, f.engine.RemoveSlave(context.Background(), "slave1", false))

	assert.Empty(t, f.engine.Mappings(), "removing the only slave empties the master entry")
	_, err := f.engine.SlaveState("slave1")
	assert.ErrorIs(t, err, ErrSlaveNotFound)
}

func TestSymbolFilterSkipsSlave(t *testing.T) {
	f := newEngineFixture(t, newMemStore())
	f.start(t)

	filter := []string{"GBPUSD"}
	require.NoError(t, f.engine.UpdateSlave(context.Background(), "slave1", SlaveUpdate{SymbolsFilter: &filter}))

	f.master.setPositions(masterPosition(1, 0.10, 0, 0))
	f.poll(t)

	assert.Empty(t, f.slaveClient.sentRequests(), "EURUSD open must not reach a GBPUSD-only slave")
}

func TestStopIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, newMemStore())
	f.start(t)

	f.engine.Stop()
	f.engine.Stop()
	assert.False(t, f.engine.Running())
}
