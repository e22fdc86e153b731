// Package dedup remembers which requests were already processed so that a
// repeated submission skips inference and gets the earlier outcome back.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
	"yolodetect/internal/entity"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type IDedup interface {
	IsDuplicate(ctx context.Context, fingerprint string) (bool, error)
	Lookup(ctx context.Context, fingerprint string) (entity.PredictionSummary, bool, error)
	MarkProcessed(ctx context.Context, fingerprint string, outcome entity.PredictionSummary) error
}

// Fingerprint hashes the client origin together with the raw payload. The
// separator keeps ("ab", "c") and ("a", "bc") apart.
func Fingerprint(origin string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(origin))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// memory is a process-local dedup set. Every entry expires after ttl and the
// least recently marked entry is evicted once maxEntries is reached. State is
// lost on restart. A zero ttl or maxEntries disables that bound.
type memory struct {
	cache *expirable.LRU[string, entity.PredictionSummary]
}

func NewMemory(ttl time.Duration, maxEntries int) IDedup {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &memory{
		cache: expirable.NewLRU[string, entity.PredictionSummary](maxEntries, nil, ttl),
	}
}

func (m *memory) IsDuplicate(_ context.Context, fingerprint string) (bool, error) {
	_, ok := m.cache.Peek(fingerprint)
	return ok, nil
}

// Lookup does not refresh recency; only MarkProcessed does, so eviction order
// follows processing order.
func (m *memory) Lookup(_ context.Context, fingerprint string) (entity.PredictionSummary, bool, error) {
	outcome, ok := m.cache.Peek(fingerprint)
	return outcome, ok, nil
}

func (m *memory) MarkProcessed(_ context.Context, fingerprint string, outcome entity.PredictionSummary) error {
	m.cache.Add(fingerprint, outcome)
	return nil
}
