// Package tickstore loads a historical tick dataset and exposes it as an
// ordered sequence of one-second buckets for replay.
package tickstore

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfeed/tickflow/pkg/models"
)

// Bucket holds all trades whose timestamps share the same floored second.
type Bucket struct {
	Second time.Time
	Trades []models.Trade
}

// Store is a read-only, timestamp-ordered view over the loaded dataset.
type Store struct {
	buckets    []Bucket
	tradeCount int
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// NormalizeTimestamp rewrites the dataset's compact HH:MM:SS:mmm suffix into
// a canonical fractional second ("... 04:00:00:072" -> "... 04:00:00.072").
// Strings that are not in the compact form pass through unchanged.
func NormalizeTimestamp(s string) string {
	parts := strings.Split(s, ":")
	if len(parts) == 4 {
		return strings.Join(parts[:3], ":") + "." + parts[3]
	}
	return s
}

// ParseTimestamp normalizes and parses a dataset timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	normalized := NormalizeTimestamp(strings.TrimSpace(s))
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, normalized); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Load reads a CSV of trades (datetime, price, quantity, venue), sorts them
// by instant and groups them into second buckets. Malformed rows are skipped
// and logged; a missing file or a file with no valid rows is a load failure
// and the caller must not start replaying.
func Load(path string, logger *zap.Logger) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tick data: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read tick data header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"datetime", "price", "quantity", "venue"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("tick data missing %q column", required)
		}
	}

	var (
		trades  []models.Trade
		skipped int
		line    = 1
	)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			skipped++
			logger.Warn("skipping unreadable tick row", zap.Int("line", line), zap.Error(err))
			continue
		}
		trade, err := parseRow(record, cols)
		if err != nil {
			skipped++
			logger.Warn("skipping malformed tick row", zap.Int("line", line), zap.Error(err))
			continue
		}
		trades = append(trades, trade)
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("no valid trades in %s (%d rows skipped)", path, skipped)
	}

	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Timestamp.Before(trades[j].Timestamp)
	})

	store := &Store{tradeCount: len(trades)}
	for _, trade := range trades {
		second := trade.Timestamp.Truncate(time.Second)
		n := len(store.buckets)
		if n == 0 || !store.buckets[n-1].Second.Equal(second) {
			store.buckets = append(store.buckets, Bucket{Second: second})
			n++
		}
		store.buckets[n-1].Trades = append(store.buckets[n-1].Trades, trade)
	}

	logger.Info("tick data loaded",
		zap.String("path", path),
		zap.Int("trades", len(trades)),
		zap.Int("seconds", len(store.buckets)),
		zap.Int("skipped", skipped))

	return store, nil
}

func parseRow(record []string, cols map[string]int) (models.Trade, error) {
	max := cols["datetime"]
	for _, idx := range cols {
		if idx > max {
			max = idx
		}
	}
	if len(record) <= max {
		return models.Trade{}, fmt.Errorf("expected at least %d fields, got %d", max+1, len(record))
	}

	ts, err := ParseTimestamp(record[cols["datetime"]])
	if err != nil {
		return models.Trade{}, err
	}
	price, err := decimal.NewFromString(strings.TrimSpace(record[cols["price"]]))
	if err != nil {
		return models.Trade{}, fmt.Errorf("bad price %q: %w", record[cols["price"]], err)
	}
	qty, err := strconv.ParseInt(strings.TrimSpace(record[cols["quantity"]]), 10, 64)
	if err != nil {
		return models.Trade{}, fmt.Errorf("bad quantity %q: %w", record[cols["quantity"]], err)
	}
	if qty < 0 {
		return models.Trade{}, fmt.Errorf("negative quantity %d", qty)
	}

	return models.Trade{
		Timestamp: ts,
		Price:     price,
		Quantity:  qty,
		Venue:     strings.TrimSpace(record[cols["venue"]]),
	}, nil
}

// BucketCount returns the number of distinct seconds in the dataset.
func (s *Store) BucketCount() int {
	return len(s.buckets)
}

// BucketAt returns the bucket at the given index in instant order.
func (s *Store) BucketAt(index int) (Bucket, bool) {
	if index < 0 || index >= len(s.buckets) {
		return Bucket{}, false
	}
	return s.buckets[index], true
}

// TradeCount returns the total number of loaded trades.
func (s *Store) TradeCount() int {
	return s.tradeCount
}
