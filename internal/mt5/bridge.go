package mt5

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultCallTimeout tolerates the Wine IPC latency inside the MT5
	// containers; the stock 30s is too short under load.
	DefaultCallTimeout = 120 * time.Second

	// DefaultLoginTimeout bounds the broker-side login wait.
	DefaultLoginTimeout = 60 * time.Second

	// defaultCallRate caps RPC round trips per second so a tight poll loop
	// cannot overrun the bridge.
	defaultCallRate = 20
)

// bridgeRequest is the wire format sent to the MT5 bridge sidecar.
type bridgeRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// bridgeResponse is the wire format returned by the bridge.
type bridgeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *BridgeError    `json:"error,omitempty"`
}

// BridgeError is a structured error returned by the bridge.
type BridgeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge error %d: %s", e.Code, e.Message)
}

// BridgeClient talks JSON over HTTP to the MT5 bridge running next to the
// terminal inside each broker container. One client per account; calls are
// paced by a rate limiter and bounded by an adjustable per-call timeout.
type BridgeClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu           sync.RWMutex
	callTimeout  time.Duration
	loginTimeout time.Duration
	lastError    string
}

// NewBridgeClient creates a client for the bridge at host:port. dialTimeout
// bounds connection establishment only; zero keeps the transport default.
func NewBridgeClient(host string, port int, dialTimeout time.Duration) *BridgeClient {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if dialTimeout > 0 {
		dialer := &net.Dialer{Timeout: dialTimeout}
		transport.DialContext = dialer.DialContext
	}

	return &BridgeClient{
		baseURL: fmt.Sprintf("http://%s:%d/api", host, port),
		httpClient: &http.Client{
			Transport: transport,
		},
		limiter:      rate.NewLimiter(rate.Limit(defaultCallRate), defaultCallRate),
		callTimeout:  DefaultCallTimeout,
		loginTimeout: DefaultLoginTimeout,
	}
}

// SetCallTimeout adjusts the per-call timeout.
func (c *BridgeClient) SetCallTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callTimeout = d
}

// LastError returns the most recent bridge error message.
func (c *BridgeClient) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

func (c *BridgeClient) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = err.Error()
}

func (c *BridgeClient) timeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callTimeout
}

// Initialize connects the bridge to the terminal.
func (c *BridgeClient) Initialize(ctx context.Context) error {
	var ok bool
	if err := c.call(ctx, c.timeout(), "initialize", nil, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("initialize refused: %s", c.LastError())
	}
	return nil
}

// Login authorizes the terminal against a trading account.
func (c *BridgeClient) Login(ctx context.Context, login int64, password, server string) error {
	c.mu.RLock()
	timeout := c.loginTimeout
	c.mu.RUnlock()

	params := map[string]interface{}{
		"login":    login,
		"password": password,
		"server":   server,
		"timeout":  timeout.Milliseconds(),
	}

	var ok bool
	if err := c.call(ctx, timeout, "login", params, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("login refused for %d: %s", login, c.LastError())
	}
	return nil
}

// Shutdown disconnects the bridge from the terminal. Best effort.
func (c *BridgeClient) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ok bool
	if err := c.call(ctx, 5*time.Second, "shutdown", nil, &ok); err != nil {
		log.Debug().Err(err).Msg("bridge shutdown call failed")
	}
}

// AccountInfo fetches the account summary.
func (c *BridgeClient) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.call(ctx, c.timeout(), "account_info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PositionsGet fetches all open positions.
func (c *BridgeClient) PositionsGet(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := c.call(ctx, c.timeout(), "positions_get", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// SymbolInfo fetches symbol constraints. Returns (nil, nil) when the symbol
// is unknown to the terminal.
func (c *BridgeClient) SymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	var info *SymbolInfo
	params := map[string]interface{}{"symbol": symbol}
	if err := c.call(ctx, c.timeout(), "symbol_info", params, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// SymbolInfoTick fetches the current bid/ask.
func (c *BridgeClient) SymbolInfoTick(ctx context.Context, symbol string) (*Tick, error) {
	var tick *Tick
	params := map[string]interface{}{"symbol": symbol}
	if err := c.call(ctx, c.timeout(), "symbol_info_tick", params, &tick); err != nil {
		return nil, err
	}
	return tick, nil
}

// SymbolSelect toggles symbol visibility in Market Watch.
func (c *BridgeClient) SymbolSelect(ctx context.Context, symbol string, enable bool) error {
	params := map[string]interface{}{"symbol": symbol, "enable": enable}
	var ok bool
	return c.call(ctx, c.timeout(), "symbol_select", params, &ok)
}

// OrderSend submits a trade request.
func (c *BridgeClient) OrderSend(ctx context.Context, req *OrderRequest) (*OrderResult, error) {
	var result OrderResult
	if err := c.call(ctx, c.timeout(), "order_send", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *BridgeClient) call(ctx context.Context, timeout time.Duration, method string, params, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(bridgeRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordError(err)
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("%s: http status %d: %s", method, resp.StatusCode, string(respBody))
		c.recordError(err)
		return err
	}

	var bridgeResp bridgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&bridgeResp); err != nil {
		c.recordError(err)
		return fmt.Errorf("%s: decode response: %w", method, err)
	}

	if bridgeResp.Error != nil {
		c.recordError(bridgeResp.Error)
		return fmt.Errorf("%s: %w", method, bridgeResp.Error)
	}

	if result != nil && len(bridgeResp.Result) > 0 {
		if err := json.Unmarshal(bridgeResp.Result, result); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, err)
		}
	}

	return nil
}
