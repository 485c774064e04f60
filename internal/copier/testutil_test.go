package copier

import (
	"context"
	"sync"

	"mt5-copytrader/internal/mt5"
)

// fakeClient is a scriptable in-memory terminal for tests.
type fakeClient struct {
	mu sync.Mutex

	initErr   error
	account   mt5.AccountInfo
	positions []mt5.Position
	symbols   map[string]*mt5.SymbolInfo
	ticks     map[string]*mt5.Tick

	// Scripted order results are consumed in order; when exhausted, orders
	// succeed with an incrementing ticket.
	orderResults []*mt5.OrderResult
	orderErr     error
	sent         []*mt5.OrderRequest
	nextOrder    int64
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		account:   mt5.AccountInfo{Login: 1000, Balance: 10000, Equity: 10000},
		symbols:   make(map[string]*mt5.SymbolInfo),
		ticks:     make(map[string]*mt5.Tick),
		nextOrder: 7001,
	}
}

func (c *fakeClient) withSymbol(name string, info mt5.SymbolInfo, tick mt5.Tick) *fakeClient {
	info.Name = name
	c.symbols[name] = &info
	c.ticks[name] = &tick
	return c
}

func (c *fakeClient) setPositions(positions ...mt5.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions = positions
}

func (c *fakeClient) sentRequests() []*mt5.OrderRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*mt5.OrderRequest, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeClient) Initialize(ctx context.Context) error { return c.initErr }

func (c *fakeClient) Login(ctx context.Context, login int64, password, server string) error {
	return nil
}

func (c *fakeClient) LastError() string { return "" }

func (c *fakeClient) Shutdown() {}

func (c *fakeClient) AccountInfo(ctx context.Context) (*mt5.AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.account
	return &info, nil
}

func (c *fakeClient) PositionsGet(ctx context.Context) ([]mt5.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]mt5.Position, len(c.positions))
	copy(out, c.positions)
	return out, nil
}

func (c *fakeClient) SymbolInfo(ctx context.Context, symbol string) (*mt5.SymbolInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.symbols[symbol], nil
}

func (c *fakeClient) SymbolInfoTick(ctx context.Context, symbol string) (*mt5.Tick, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks[symbol], nil
}

func (c *fakeClient) SymbolSelect(ctx context.Context, symbol string, enable bool) error {
	return nil
}

func (c *fakeClient) OrderSend(ctx context.Context, req *mt5.OrderRequest) (*mt5.OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqCopy := *req
	c.sent = append(c.sent, &reqCopy)

	if c.orderErr != nil {
		return nil, c.orderErr
	}
	if len(c.orderResults) > 0 {
		result := c.orderResults[0]
		c.orderResults = c.orderResults[1:]
		return result, nil
	}

	order := c.nextOrder
	c.nextOrder++
	return &mt5.OrderResult{Retcode: mt5.RetcodeDone, Order: order, Volume: req.Volume}, nil
}

// memStore is an in-memory Store for tests.
type memStore struct {
	mu       sync.Mutex
	mappings map[int64]map[string]*PositionMapping
	events   []AuditEvent
	queued   []*QueuedOperation
}

func newMemStore() *memStore {
	return &memStore{mappings: make(map[int64]map[string]*PositionMapping)}
}

func (s *memStore) SaveMappings(ctx context.Context, masterTicket int64, mappings []*PositionMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range mappings {
		byName, ok := s.mappings[m.MasterTicket]
		if !ok {
			byName = make(map[string]*PositionMapping)
			s.mappings[m.MasterTicket] = byName
		}
		stored := *m
		byName[m.SlaveName] = &stored
	}
	return nil
}

func (s *memStore) LoadOpenMappings(ctx context.Context) (map[int64][]*PositionMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64][]*PositionMapping)
	for ticket, byName := range s.mappings {
		for _, m := range byName {
			if m.Status == StatusOpen {
				loaded := *m
				out[ticket] = append(out[ticket], &loaded)
			}
		}
	}
	return out, nil
}

func (s *memStore) UpdateMappingsStatus(ctx context.Context, masterTicket int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings[masterTicket] {
		m.Status = status
	}
	return nil
}

func (s *memStore) UpdateMappingVolume(ctx context.Context, masterTicket int64, slaveName string, volume float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byName, ok := s.mappings[masterTicket]; ok {
		if m, ok := byName[slaveName]; ok {
			m.SlaveVolume = volume
		}
	}
	return nil
}

func (s *memStore) GetMapping(ctx context.Context, masterTicket int64, slaveName string) (*PositionMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byName, ok := s.mappings[masterTicket]; ok {
		if m, ok := byName[slaveName]; ok {
			found := *m
			return &found, nil
		}
	}
	return nil, nil
}

func (s *memStore) LogEvent(ctx context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memStore) QueueOperation(ctx context.Context, op *QueuedOperation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, op)
	return int64(len(s.queued)), nil
}

func (s *memStore) eventsOfType(eventType string) []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// testSnapshot builds a snapshot map keyed by ticket.
func testSnapshot(positions ...PositionSnapshot) map[int64]PositionSnapshot {
	out := make(map[int64]PositionSnapshot, len(positions))
	for _, pos := range positions {
		out[pos.Ticket] = pos
	}
	return out
}
