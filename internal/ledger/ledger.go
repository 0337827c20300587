// Package ledger keeps the persisted blocked-request counter and derives the
// displayed impact from it.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/defundx-go/internal/metrics"
	"github.com/Rorqualx/defundx-go/internal/store"
	"github.com/Rorqualx/defundx-go/internal/types"
)

// Store keys.
const (
	CountKey = "blockedRequestCount"
	UUIDKey  = "uuid"
)

// DefaultRate is the estimated loss per blocked request, in dollars.
const DefaultRate = 0.003

// KV is the persisted key/value store the ledger reads and writes.
type KV interface {
	Get(ctx context.Context, key string) (interface{}, bool, error)
	Set(ctx context.Context, values map[string]interface{}) error
	Subscribe(fn store.Listener) (unsubscribe func())
}

// Ledger reads and updates the counter. It holds no cached count.
type Ledger struct {
	kv   KV
	rate float64

	writeMu sync.Mutex // Serializes Record within this process
}

// New creates a Ledger. A non-positive rate falls back to DefaultRate.
func New(kv KV, rate float64) *Ledger {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		rate = DefaultRate
	}
	return &Ledger{kv: kv, rate: rate}
}

// Rate returns the per-request impact rate.
func (l *Ledger) Rate() float64 {
	return l.rate
}

// Install resets the counter to zero and writes a fresh installation identifier.
func (l *Ledger) Install(ctx context.Context) (string, error) {
	id := uuid.New().String()
	if err := l.kv.Set(ctx, map[string]interface{}{
		CountKey: 0,
		UUIDKey:  id,
	}); err != nil {
		return "", fmt.Errorf("install: %w", err)
	}

	metrics.RecordLedgerCount(0)
	log.Info().Str("uuid", id).Msg("Ledger installed")
	return id, nil
}

// InstallID returns the stored installation identifier, or "" if none.
func (l *Ledger) InstallID(ctx context.Context) (string, error) {
	v, ok, err := l.kv.Get(ctx, UUIDKey)
	if err != nil || !ok {
		return "", err
	}
	id, _ := v.(string)
	return id, nil
}

// Count reads the counter from the store. A missing counter reads as zero.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	v, ok, err := l.kv.Get(ctx, CountKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return ParseCount(v)
}

// Record performs read-increment-write and returns the new count.
// Concurrent writers in other processes can cause a lost update.
func (l *Ledger) Record(ctx context.Context) (int, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	count, err := l.Count(ctx)
	if err != nil {
		return 0, err
	}

	count++
	if err := l.kv.Set(ctx, map[string]interface{}{CountKey: count}); err != nil {
		return 0, err
	}

	metrics.RecordLedgerCount(count)
	return count, nil
}

// Display formats the surface text for count.
func (l *Ledger) Display(count int) string {
	return Display(count, l.rate)
}

// ParseCount converts a stored counter value into an int.
func ParseCount(v interface{}) (int, error) {
	var n int
	switch c := v.(type) {
	case int:
		n = c
	case int64:
		n = int(c)
	case uint64:
		if c > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %d", types.ErrInvalidCount, c)
		}
		n = int(c)
	case float64:
		if c != math.Trunc(c) {
			return 0, fmt.Errorf("%w: %v", types.ErrInvalidCount, c)
		}
		n = int(c)
	default:
		return 0, fmt.Errorf("%w: %v (%T)", types.ErrInvalidCount, v, v)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %d", types.ErrInvalidCount, n)
	}
	return n, nil
}

// Impact returns count*rate with two decimals.
func Impact(count int, rate float64) string {
	return fmt.Sprintf("%.2f", float64(count)*rate)
}

// Display returns "$<impact> loss for X".
func Display(count int, rate float64) string {
	return "$" + Impact(count, rate) + " loss for X"
}
