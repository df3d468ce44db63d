// Package aggregation maintains running trade statistics and minute OHLCV
// bars over an unbounded, possibly-resumed stream of ticks, without ever
// re-scanning history.
package aggregation

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfeed/tickflow/pkg/models"
)

// DefaultWindows are the moving-average windows included in snapshots.
var DefaultWindows = []int{10, 20}

// barState is a minute bar plus the cumulative sums needed to keep its VWAP
// exact across merges. Retaining sum(price*qty) and sum(qty) means a minute
// can be merged into any number of times, from any batch split, and the VWAP
// stays a true volume-weighted average over every trade in that minute.
type barState struct {
	bar           models.MinuteBar
	priceVolume   decimal.Decimal
	weightedUnits int64
}

// Engine is the single owner of all mutable aggregation state. Ingest and
// Reset are serialized by the engine's lock; reads take snapshots under the
// same lock so a partially-merged bar is never observable.
type Engine struct {
	logger *zap.Logger

	mu      sync.RWMutex
	summary models.Summary
	opened  bool
	bars    map[time.Time]*barState
}

// NewEngine creates an empty engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		logger: logger,
		bars:   make(map[time.Time]*barState),
	}
}

// Ingest merges a time-ordered batch of trades into the running summary and
// the minute bars. It reports false only for an empty batch; individual
// trade quality is upstream's concern.
func (e *Engine) Ingest(trades []models.Trade) bool {
	if len(trades) == 0 {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, trade := range trades {
		e.mergeSummary(trade)
		e.mergeBar(trade)
	}
	e.summary.LastUpdate = time.Now()
	return true
}

func (e *Engine) mergeSummary(trade models.Trade) {
	if !e.opened {
		e.summary.OpeningPrice = trade.Price
		e.summary.DayHigh = trade.Price
		e.summary.DayLow = trade.Price
		e.opened = true
	}
	e.summary.LastPrice = trade.Price
	if trade.Price.GreaterThan(e.summary.DayHigh) {
		e.summary.DayHigh = trade.Price
	}
	if trade.Price.LessThan(e.summary.DayLow) {
		e.summary.DayLow = trade.Price
	}
	e.summary.TotalVolume += trade.Quantity
	e.summary.TradeCount++
}

func (e *Engine) mergeBar(trade models.Trade) {
	minute := trade.Timestamp.Truncate(time.Minute)
	state, ok := e.bars[minute]
	if !ok {
		state = &barState{
			bar: models.MinuteBar{
				Minute: minute,
				Open:   trade.Price,
				High:   trade.Price,
				Low:    trade.Price,
			},
		}
		e.bars[minute] = state
	}

	bar := &state.bar
	if trade.Price.GreaterThan(bar.High) {
		bar.High = trade.Price
	}
	if trade.Price.LessThan(bar.Low) {
		bar.Low = trade.Price
	}
	bar.Close = trade.Price
	bar.Volume += trade.Quantity
	bar.TradeCount++

	state.priceVolume = state.priceVolume.Add(trade.Price.Mul(decimal.NewFromInt(trade.Quantity)))
	state.weightedUnits += trade.Quantity
	if state.weightedUnits > 0 {
		bar.VWAP = state.priceVolume.Div(decimal.NewFromInt(state.weightedUnits))
	} else {
		// Zero-quantity trades carry no weight; fall back to the last price.
		bar.VWAP = trade.Price
	}
}

// Summary returns a point-in-time copy of the running summary.
func (e *Engine) Summary() models.Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.summary
}

// MinuteBars returns all bars sorted ascending by minute.
func (e *Engine) MinuteBars() []models.MinuteBar {
	e.mu.RLock()
	bars := make([]models.MinuteBar, 0, len(e.bars))
	for _, state := range e.bars {
		bars = append(bars, state.bar)
	}
	e.mu.RUnlock()

	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Minute.Before(bars[j].Minute)
	})
	return bars
}

// BarCount returns the number of minute bars accumulated so far.
func (e *Engine) BarCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.bars)
}

// MovingAverages computes simple moving averages of bar closes for each
// window. A window produces barCount-w+1 values once enough bars exist;
// windows without enough bars are omitted. With fewer than two bars the
// result is empty.
func (e *Engine) MovingAverages(windows []int) map[string][]float64 {
	bars := e.MinuteBars()
	result := make(map[string][]float64)
	if len(bars) < 2 {
		return result
	}

	closes := closeSeries(bars)
	for _, w := range windows {
		if w <= 0 || len(closes) < w {
			continue
		}
		result[maKey(w)] = simpleMovingAverage(closes, w)
	}
	return result
}

// MACD computes the moving-average convergence/divergence series over bar
// closes. The result is empty until at least max(fast, slow, signal) bars
// exist.
func (e *Engine) MACD(fast, slow, signal int) models.MACDResult {
	bars := e.MinuteBars()
	need := fast
	if slow > need {
		need = slow
	}
	if signal > need {
		need = signal
	}
	if len(bars) < need {
		return models.MACDResult{}
	}

	closes := closeSeries(bars)
	fastEMA := exponentialMovingAverage(closes, fast)
	slowEMA := exponentialMovingAverage(closes, slow)

	macdLine := make([]float64, len(closes))
	for i := range closes {
		macdLine[i] = fastEMA[i] - slowEMA[i]
	}
	signalLine := exponentialMovingAverage(macdLine, signal)
	histogram := make([]float64, len(macdLine))
	for i := range macdLine {
		histogram[i] = macdLine[i] - signalLine[i]
	}

	return models.MACDResult{
		MACDLine:   macdLine,
		SignalLine: signalLine,
		Histogram:  histogram,
	}
}

// Reset clears all aggregation state back to construction defaults.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.summary = models.Summary{}
	e.opened = false
	e.bars = make(map[time.Time]*barState)
	e.mu.Unlock()
	e.logger.Info("aggregation state reset")
}

func closeSeries(bars []models.MinuteBar) []float64 {
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close.InexactFloat64()
	}
	return closes
}
