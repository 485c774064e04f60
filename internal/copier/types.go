package copier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mt5-copytrader/internal/mt5"
)

// Sentinel errors surfaced by engine operations; the API layer maps these to
// HTTP status codes.
var (
	ErrSlaveExists   = errors.New("slave already exists")
	ErrSlaveNotFound = errors.New("slave not found")
	ErrNotRunning    = errors.New("engine not running")

	// ErrPrecondition marks failures that retrying cannot fix: missing
	// symbol, missing tick, position already gone.
	ErrPrecondition = errors.New("precondition failed")
)

// LotMode selects how a slave sizes its copies.
type LotMode string

const (
	LotModeExact        LotMode = "exact"
	LotModeFixed        LotMode = "fixed"
	LotModeMultiplier   LotMode = "multiplier"
	LotModeProportional LotMode = "proportional"
)

// ParseLotMode validates a lot mode string.
func ParseLotMode(s string) (LotMode, error) {
	switch LotMode(s) {
	case LotModeExact, LotModeFixed, LotModeMultiplier, LotModeProportional:
		return LotMode(s), nil
	}
	return "", fmt.Errorf("invalid lot_mode %q", s)
}

// Mapping status values. Rows are never deleted; closed and errored rows stay
// behind as the audit trail.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
	StatusError  = "error"
)

// MasterConfig describes the master account connection.
type MasterConfig struct {
	Name     string `mapstructure:"name" json:"name"`
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Login    int64  `mapstructure:"login" json:"login,omitempty"`
	Password string `mapstructure:"password" json:"-"`
	Server   string `mapstructure:"server" json:"server,omitempty"`
}

// SlaveConfig describes a slave account and its copy rules.
type SlaveConfig struct {
	Name     string `mapstructure:"name" json:"name"`
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Login    int64  `mapstructure:"login" json:"login,omitempty"`
	Password string `mapstructure:"password" json:"-"`
	Server   string `mapstructure:"server" json:"server,omitempty"`

	LotMode       LotMode  `mapstructure:"lot_mode" json:"lot_mode"`
	LotValue      float64  `mapstructure:"lot_value" json:"lot_value"`
	MaxLot        float64  `mapstructure:"max_lot" json:"max_lot"`
	MinLot        float64  `mapstructure:"min_lot" json:"min_lot"`
	SymbolsFilter []string `mapstructure:"symbols_filter" json:"symbols_filter"`
	MagicNumber   int32    `mapstructure:"magic_number" json:"magic_number"`
	InvertTrades  bool     `mapstructure:"invert_trades" json:"invert_trades"`
	MaxSlippage   int      `mapstructure:"max_slippage" json:"max_slippage"`
}

// ShouldCopySymbol reports whether this slave copies trades for symbol.
// A nil filter copies everything.
func (c *SlaveConfig) ShouldCopySymbol(symbol string) bool {
	if c.SymbolsFilter == nil {
		return true
	}
	for _, s := range c.SymbolsFilter {
		if s == symbol {
			return true
		}
	}
	return false
}

// PositionSnapshot is an immutable view of a broker position at poll time.
type PositionSnapshot struct {
	Ticket    int64   `json:"ticket"`
	Symbol    string  `json:"symbol"`
	Type      int     `json:"type"` // mt5.PositionBuy or mt5.PositionSell
	Volume    float64 `json:"volume"`
	PriceOpen float64 `json:"price_open"`
	SL        float64 `json:"sl"`
	TP        float64 `json:"tp"`
	Magic     int32   `json:"magic"`
	Comment   string  `json:"comment"`
	Time      int64   `json:"time"`
	Profit    float64 `json:"profit"`
}

// SnapshotFromPosition converts a terminal position into a snapshot.
func SnapshotFromPosition(p mt5.Position) PositionSnapshot {
	return PositionSnapshot{
		Ticket:    p.Ticket,
		Symbol:    p.Symbol,
		Type:      p.Type,
		Volume:    p.Volume,
		PriceOpen: p.PriceOpen,
		SL:        p.SL,
		TP:        p.TP,
		Magic:     p.Magic,
		Comment:   p.Comment,
		Time:      p.Time,
		Profit:    p.Profit,
	}
}

// PartialClose is a detected volume decrease on an existing ticket.
type PartialClose struct {
	Ticket          int64   `json:"ticket"`
	ClosedVolume    float64 `json:"closed_volume"`
	RemainingVolume float64 `json:"remaining_volume"`
	OriginalVolume  float64 `json:"original_volume"`
}

// Modification is a detected SL/TP change on an existing ticket.
type Modification struct {
	Ticket int64   `json:"ticket"`
	OldSL  float64 `json:"old_sl"`
	NewSL  float64 `json:"new_sl"`
	OldTP  float64 `json:"old_tp"`
	NewTP  float64 `json:"new_tp"`
}

// ChangeSet holds all changes found in one detection pass. A ticket appears
// in at most one of the four sequences.
type ChangeSet struct {
	Opens         []PositionSnapshot
	Closes        []PositionSnapshot
	Partials      []PartialClose
	Modifications []Modification
}

// IsEmpty reports whether the pass found nothing.
func (c *ChangeSet) IsEmpty() bool {
	return len(c.Opens) == 0 && len(c.Closes) == 0 &&
		len(c.Partials) == 0 && len(c.Modifications) == 0
}

// Len is the total number of changes.
func (c *ChangeSet) Len() int {
	return len(c.Opens) + len(c.Closes) + len(c.Partials) + len(c.Modifications)
}

// PositionMapping links a master position to one slave copy. Direction is the
// slave-side direction (after inversion), so close and modify math never has
// to consult invert_trades. MasterPriceOpen anchors distance-preserving SL/TP
// recomputation on modification events.
type PositionMapping struct {
	ID              int64      `json:"-"`
	MasterTicket    int64      `json:"master_ticket"`
	SlaveName       string     `json:"slave_name"`
	SlaveTicket     int64      `json:"slave_ticket"`
	MasterVolume    float64    `json:"master_volume"`
	SlaveVolume     float64    `json:"slave_volume"`
	Symbol          string     `json:"symbol"`
	Direction       int        `json:"direction"`
	MasterPriceOpen float64    `json:"master_price_open"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

// AuditEvent is one row of the append-only audit trail.
type AuditEvent struct {
	EventType    string
	MasterTicket int64
	SlaveName    string
	SlaveTicket  int64
	Details      map[string]interface{}
}

// Store is the durable mapping store the engine writes through. The sqlite
// implementation lives in internal/storage; tests substitute an in-memory
// double.
type Store interface {
	SaveMappings(ctx context.Context, masterTicket int64, mappings []*PositionMapping) error
	LoadOpenMappings(ctx context.Context) (map[int64][]*PositionMapping, error)
	UpdateMappingsStatus(ctx context.Context, masterTicket int64, status string) error
	UpdateMappingVolume(ctx context.Context, masterTicket int64, slaveName string, volume float64) error
	GetMapping(ctx context.Context, masterTicket int64, slaveName string) (*PositionMapping, error)
	LogEvent(ctx context.Context, event AuditEvent) error
	QueueOperation(ctx context.Context, op *QueuedOperation) (int64, error)
}

// AccountState mirrors the last observed broker state for one connection.
// It is read by the control surface while the poll loop mutates it, so all
// access goes through the methods.
type AccountState struct {
	mu sync.RWMutex

	Name           string     `json:"name"`
	Role           string     `json:"role"`
	Host           string     `json:"host"`
	Port           int        `json:"port"`
	Connected      bool       `json:"connected"`
	Balance        float64    `json:"balance"`
	Equity         float64    `json:"equity"`
	MarginLevel    float64    `json:"margin_level"`
	PositionsCount int        `json:"positions_count"`
	ErrorCount     int        `json:"error_count"`
	LastError      string     `json:"last_error,omitempty"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
}

// NewAccountState creates state for an account connection.
func NewAccountState(name, role, host string, port int) *AccountState {
	return &AccountState{
		Name: name,
		Role: role,
		Host: host,
		Port: port,
	}
}

// UpdateFromAccountInfo applies a fresh account_info response.
func (s *AccountState) UpdateFromAccountInfo(info *mt5.AccountInfo) {
	if info == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.Balance = info.Balance
	s.Equity = info.Equity
	s.MarginLevel = info.MarginLevel
	s.LastHeartbeat = &now
	s.Connected = true
	s.ErrorCount = 0
	s.LastError = ""
}

// RecordError notes a failure and drops the connected flag.
func (s *AccountState) RecordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorCount++
	s.LastError = err.Error()
	s.Connected = false
}

// SetConnected flips the connected flag.
func (s *AccountState) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Connected = connected
}

// SetPositionsCount records the size of the last position snapshot.
func (s *AccountState) SetPositionsCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PositionsCount = n
}

// IsConnected reports the connected flag.
func (s *AccountState) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Connected
}

// GetBalance returns the last observed balance.
func (s *AccountState) GetBalance() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Balance
}

// Snapshot returns a copy safe to serialize. The copy's lock is zero value.
func (s *AccountState) Snapshot() *AccountState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &AccountState{
		Name:           s.Name,
		Role:           s.Role,
		Host:           s.Host,
		Port:           s.Port,
		Connected:      s.Connected,
		Balance:        s.Balance,
		Equity:         s.Equity,
		MarginLevel:    s.MarginLevel,
		PositionsCount: s.PositionsCount,
		ErrorCount:     s.ErrorCount,
		LastError:      s.LastError,
	}
	if s.LastHeartbeat != nil {
		hb := *s.LastHeartbeat
		snap.LastHeartbeat = &hb
	}
	return snap
}
