package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5-copytrader/internal/copier"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "copytrader.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func mapping(masterTicket int64, slaveName string, slaveTicket int64) *copier.PositionMapping {
	return &copier.PositionMapping{
		MasterTicket:    masterTicket,
		SlaveName:       slaveName,
		SlaveTicket:     slaveTicket,
		MasterVolume:    0.10,
		SlaveVolume:     0.10,
		Symbol:          "EURUSD",
		Direction:       0,
		MasterPriceOpen: 1.1000,
		Status:          copier.StatusOpen,
		CreatedAt:       time.Now(),
	}
}

func TestSaveAndLoadMappings(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveMappings(ctx, 1, []*copier.PositionMapping{
		mapping(1, "slave1", 7001),
		mapping(1, "slave2", 8001),
	}))

	loaded, err := db.LoadOpenMappings(ctx)
	require.NoError(t, err)
	require.Len(t, loaded[1], 2)

	names := map[string]int64{}
	for _, m := range loaded[1] {
		names[m.SlaveName] = m.SlaveTicket
		assert.Equal(t, copier.StatusOpen, m.Status)
		assert.Equal(t, 1.1000, m.MasterPriceOpen)
		assert.Nil(t, m.ClosedAt)
	}
	assert.Equal(t, int64(7001), names["slave1"])
	assert.Equal(t, int64(8001), names["slave2"])
}

func TestSaveMappingsUpsertsOnMasterTicketSlaveName(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveMappings(ctx, 1, []*copier.PositionMapping{mapping(1, "slave1", 7001)}))

	updated := mapping(1, "slave1", 7002)
	updated.SlaveVolume = 0.25
	require.NoError(t, db.SaveMappings(ctx, 1, []*copier.PositionMapping{updated}))

	loaded, err := db.LoadOpenMappings(ctx)
	require.NoError(t, err)
	require.Len(t, loaded[1], 1, "(master_ticket, slave_name) must stay unique")
	assert.Equal(t, int64(7002), loaded[1][0].SlaveTicket)
	assert.Equal(t, 0.25, loaded[1][0].SlaveVolume)
}

func TestUpdateMappingsStatusStampsClosedAt(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveMappings(ctx, 1, []*copier.PositionMapping{mapping(1, "slave1", 7001)}))
	require.NoError(t, db.UpdateMappingsStatus(ctx, 1, copier.StatusClosed))

	m, err := db.GetMapping(ctx, 1, "slave1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, copier.StatusClosed, m.Status)
	assert.NotNil(t, m.ClosedAt)

	// Closed rows stay behind but leave the open set.
	loaded, err := db.LoadOpenMappings(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestClosedAtClearsWhenStatusLeavesClosed(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveMappings(ctx, 1, []*copier.PositionMapping{mapping(1, "slave1", 7001)}))
	require.NoError(t, db.UpdateMappingsStatus(ctx, 1, copier.StatusClosed))
	require.NoError(t, db.UpdateMappingsStatus(ctx, 1, copier.StatusError))

	m, err := db.GetMapping(ctx, 1, "slave1")
	require.NoError(t, err)
	assert.Equal(t, copier.StatusError, m.Status)
	assert.Nil(t, m.ClosedAt, "closed_at must clear when status moves off closed")
}

func TestUpdateMappingVolume(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveMappings(ctx, 1, []*copier.PositionMapping{mapping(1, "slave1", 7001)}))
	require.NoError(t, db.UpdateMappingVolume(ctx, 1, "slave1", 0.04))

	m, err := db.GetMapping(ctx, 1, "slave1")
	require.NoError(t, err)
	assert.Equal(t, 0.04, m.SlaveVolume)
}

func TestGetMappingAbsentReturnsNil(t *testing.T) {
	db := testDB(t)

	m, err := db.GetMapping(context.Background(), 404, "slave1")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "copytrader.db")
	ctx := context.Background()

	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.SaveMappings(ctx, 42, []*copier.PositionMapping{mapping(42, "slave1", 9001)}))
	require.NoError(t, db.Close())

	reopened, err := NewDB(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadOpenMappings(ctx)
	require.NoError(t, err)
	require.Len(t, loaded[42], 1)
	assert.Equal(t, int64(9001), loaded[42][0].SlaveTicket)
}

func TestAuditLogAppend(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.LogEvent(ctx, copier.AuditEvent{
		EventType:    "position_opened",
		MasterTicket: 1,
		SlaveName:    "slave1",
		SlaveTicket:  7001,
		Details:      map[string]interface{}{"symbol": "EURUSD"},
	}))
	require.NoError(t, db.LogEvent(ctx, copier.AuditEvent{EventType: "slave_added", SlaveName: "slave2"}))

	var count int
	require.NoError(t, db.db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestQueueOperationRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id, err := db.QueueOperation(ctx, &copier.QueuedOperation{
		Type:         copier.OpOpen,
		MasterTicket: 1,
		SlaveName:    "slave1",
		Payload:      map[string]interface{}{"symbol": "EURUSD", "volume": 0.10},
		Attempts:     3,
		MaxAttempts:  3,
		Status:       copier.OpPending,
		ErrorMessage: "retcode 10018",
		CreatedAt:    time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	ops, err := db.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, copier.OpOpen, ops[0].Type)
	assert.Equal(t, "slave1", ops[0].SlaveName)
	assert.Equal(t, "EURUSD", ops[0].Payload["symbol"])
	assert.Equal(t, "retcode 10018", ops[0].ErrorMessage)
}

func TestPendingOperationsSkipsFutureRetries(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	_, err := db.QueueOperation(ctx, &copier.QueuedOperation{
		Type:         copier.OpClose,
		MasterTicket: 2,
		SlaveName:    "slave1",
		Status:       copier.OpPending,
		CreatedAt:    time.Now(),
		NextRetryAt:  &future,
	})
	require.NoError(t, err)

	ops, err := db.PendingOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}
