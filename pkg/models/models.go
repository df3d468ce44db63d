// Package models defines the data and wire types shared by the replay
// simulator and the aggregation server.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a single tick. Trades are immutable once parsed.
type Trade struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Venue     string          `json:"venue"`
}

// MinuteBar is an OHLCV aggregate for one minute of trading. Bars are merged
// in place as late trades for the same minute arrive; they are never deleted.
type MinuteBar struct {
	Minute     time.Time       `json:"minute"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     int64           `json:"volume"`
	TradeCount int64           `json:"trade_count"`
	VWAP       decimal.Decimal `json:"vwap"`
}

// Summary holds session-wide running statistics. DayHigh only increases,
// DayLow only decreases, TotalVolume and TradeCount only grow, and
// OpeningPrice is set once from the first trade ever ingested.
type Summary struct {
	LastPrice    decimal.Decimal `json:"last_price"`
	OpeningPrice decimal.Decimal `json:"opening_price"`
	DayHigh      decimal.Decimal `json:"day_high"`
	DayLow       decimal.Decimal `json:"day_low"`
	TotalVolume  int64           `json:"total_volume"`
	TradeCount   int64           `json:"trade_count"`
	LastUpdate   time.Time       `json:"last_update"`
}

// Feed message types exchanged on the websocket channels.
const (
	FeedTypeConnected = "connected"
	FeedTypeTrades    = "trades"
	FeedTypePing      = "ping"
	FeedTypePong      = "pong"
)

// FeedMessage is the tagged envelope for the simulator's push feed.
// Type is always set; Timestamp and Trades are present for "trades" batches.
type FeedMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Trades    []Trade   `json:"trades,omitempty"`
}

// Control actions accepted by the simulator.
const (
	ActionStart = "start"
	ActionStop  = "stop"
	ActionReset = "reset"
	ActionSpeed = "speed"
)

// ControlRequest is the body of POST /simulation/control.
type ControlRequest struct {
	Action string  `json:"action" binding:"required"`
	Speed  float64 `json:"speed,omitempty"`
}

// ControlResponse reports the outcome of a control action. Rejected input
// (unknown action, out-of-range speed) comes back as Status "error" with a
// Message rather than an HTTP failure.
type ControlResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message,omitempty"`
	SpeedFactor float64 `json:"speed_factor,omitempty"`
}

// StatusResponse is the body of GET /simulation/status.
type StatusResponse struct {
	Status             string  `json:"status"`
	TotalSeconds       int     `json:"total_seconds"`
	CurrentSecondIndex int     `json:"current_second_index"`
	CurrentSecond      string  `json:"current_second,omitempty"`
	SpeedFactor        float64 `json:"speed_factor"`
}

// MACDResult carries the three MACD series aligned by bar index.
// All three are empty when fewer bars exist than the largest period.
type MACDResult struct {
	MACDLine   []float64 `json:"macd_line"`
	SignalLine []float64 `json:"signal_line"`
	Histogram  []float64 `json:"histogram"`
}

// Snapshot is the full aggregated state pushed to dashboard subscribers and
// served from GET /data.
type Snapshot struct {
	Timestamp        time.Time            `json:"timestamp"`
	MinuteAggregates []MinuteBar          `json:"minute_aggregates"`
	Summary          Summary              `json:"summary"`
	MovingAverages   map[string][]float64 `json:"moving_averages"`
	MACD             MACDResult           `json:"macd"`
}
