// Package store provides crash-safe persistence of small per-market
// hints using JSON files.
//
// The book itself is never persisted — it is rebuilt from a snapshot on
// every connect. What survives restarts is the cheap-to-keep metadata
// around it: the open time of the newest known candle (so the next
// startup only fetches the missing tail of trade history) and the last
// wallet snapshot. Each market gets one file, mkt_<BASE><QUOTE>.json.
// Writes use atomic file replacement (write to .tmp, then rename) to
// prevent corruption from partial writes or crashes mid-save.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MarketState is the persisted per-market record.
type MarketState struct {
	LastCandleTime int64                      `json:"last_candle_time"`
	Wallet         map[string]decimal.Decimal `json:"wallet,omitempty"`
	SavedAt        time.Time                  `json:"saved_at"`
}

// Store persists market state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string     // directory containing mkt_*.json files
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveMarketState atomically persists the state for a market. It writes
// to a .tmp file first, then renames over the target so the file is never
// left partial (crash-safe).
func (s *Store) SaveMarketState(market string, state MarketState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.SavedAt = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal market state: %w", err)
	}

	path := filepath.Join(s.dir, "mkt_"+market+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write market state: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadMarketState restores state for a market from disk.
// Returns nil, nil if nothing was saved yet (fresh market).
func (s *Store) LoadMarketState(market string) (*MarketState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "mkt_"+market+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read market state: %w", err)
	}

	var state MarketState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal market state: %w", err)
	}
	return &state, nil
}
