package mt5

import (
	"context"
)

// Position type constants (ENUM_POSITION_TYPE).
const (
	PositionBuy  = 0
	PositionSell = 1
)

// Order type constants (ENUM_ORDER_TYPE, market orders only).
const (
	OrderBuy  = 0
	OrderSell = 1
)

// Trade request actions.
const (
	ActionDeal = 1
	ActionSLTP = 6
)

// Order filling modes.
const (
	FillingFOK    = 0
	FillingIOC    = 1
	FillingReturn = 2
)

// Symbol filling-mode bitmask flags.
const (
	SymbolFillingFOK = 1
	SymbolFillingIOC = 2
)

// Trade server return codes.
const (
	RetcodeReject        = 10006
	RetcodePlaced        = 10008
	RetcodeDone          = 10009
	RetcodeInvalidVolume = 10014
	RetcodeInvalidPrice  = 10015
	RetcodeInvalidStops  = 10016
	RetcodeMarketClosed  = 10018
	RetcodeNoMoney       = 10019
	RetcodeConnection    = 10031
)

// AccountInfo is the account summary returned by the terminal.
type AccountInfo struct {
	Login       int64   `json:"login"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	MarginLevel float64 `json:"margin_level"`
}

// Position is an open position as reported by the terminal.
type Position struct {
	Ticket    int64   `json:"ticket"`
	Symbol    string  `json:"symbol"`
	Type      int     `json:"type"` // 0=BUY, 1=SELL
	Volume    float64 `json:"volume"`
	PriceOpen float64 `json:"price_open"`
	SL        float64 `json:"sl"`
	TP        float64 `json:"tp"`
	Magic     int32   `json:"magic"`
	Comment   string  `json:"comment"`
	Time      int64   `json:"time"`
	Profit    float64 `json:"profit"`
}

// SymbolInfo carries the symbol constraints the copier needs.
type SymbolInfo struct {
	Name        string  `json:"name"`
	Visible     bool    `json:"visible"`
	FillingMode int     `json:"filling_mode"`
	VolumeMin   float64 `json:"volume_min"`
	VolumeMax   float64 `json:"volume_max"`
	VolumeStep  float64 `json:"volume_step"`
}

// Tick is the current bid/ask for a symbol.
type Tick struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

// OrderRequest is a trade request passed to order_send.
type OrderRequest struct {
	Action      int     `json:"action"`
	Symbol      string  `json:"symbol,omitempty"`
	Volume      float64 `json:"volume,omitempty"`
	Type        int     `json:"type"`
	Position    int64   `json:"position,omitempty"`
	Price       float64 `json:"price,omitempty"`
	SL          float64 `json:"sl"`
	TP          float64 `json:"tp"`
	Deviation   int     `json:"deviation,omitempty"`
	Magic       int32   `json:"magic,omitempty"`
	Comment     string  `json:"comment,omitempty"`
	TypeFilling int     `json:"type_filling"`
}

// OrderResult is the trade server response to order_send.
type OrderResult struct {
	Retcode int     `json:"retcode"`
	Order   int64   `json:"order"`
	Deal    int64   `json:"deal"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	Comment string  `json:"comment"`
}

// Done reports whether the result exists and the trade server accepted the
// request.
func (r *OrderResult) Done() bool {
	return r != nil && r.Retcode == RetcodeDone
}

// Client is the capability surface the copier consumes from an MT5 terminal.
// SymbolInfo returns (nil, nil) when the symbol is unknown to the terminal,
// mirroring the terminal's own "no such symbol" response.
type Client interface {
	Initialize(ctx context.Context) error
	Login(ctx context.Context, login int64, password, server string) error
	LastError() string
	Shutdown()
	AccountInfo(ctx context.Context) (*AccountInfo, error)
	PositionsGet(ctx context.Context) ([]Position, error)
	SymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	SymbolInfoTick(ctx context.Context, symbol string) (*Tick, error)
	SymbolSelect(ctx context.Context, symbol string, enable bool) error
	OrderSend(ctx context.Context, req *OrderRequest) (*OrderResult, error)
}
