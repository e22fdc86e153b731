package redis

import (
	"context"
	"errors"
	"testing"
	"time"
	"yolodetect/internal/entity"

	"github.com/redis/go-redis/v9"
)

// fakeCmdable implements the three commands the dedup store issues.
type fakeCmdable struct {
	redis.Cmdable

	values  map[string]string
	ttls    map[string]time.Duration
	failErr error
}

func newFakeCmdable() *fakeCmdable {
	return &fakeCmdable{values: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeCmdable) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	if f.failErr != nil {
		return redis.NewIntResult(0, f.failErr)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeCmdable) Get(_ context.Context, key string) *redis.StringCmd {
	if f.failErr != nil {
		return redis.NewStringResult("", f.failErr)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeCmdable) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.failErr != nil {
		return redis.NewStatusResult("", f.failErr)
	}
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRedisDedup(t *testing.T) {
	ctx := context.Background()
	client := newFakeCmdable()
	d := NewDedup(client, time.Hour)

	if _, seen, err := d.Lookup(ctx, "fp"); err != nil || seen {
		t.Fatalf("Lookup(empty) = seen %v, err %v", seen, err)
	}

	outcome := entity.PredictionSummary{PredictionID: "abc", DetectionCount: 2, Labels: []string{"dog", "cat"}}
	if err := d.MarkProcessed(ctx, "fp", outcome); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if got := client.ttls[keyPrefix+"fp"]; got != time.Hour {
		t.Errorf("ttl = %v, want 1h", got)
	}

	got, seen, err := d.Lookup(ctx, "fp")
	if err != nil || !seen {
		t.Fatalf("Lookup() = seen %v, err %v", seen, err)
	}
	if got.PredictionID != "abc" || got.DetectionCount != 2 || len(got.Labels) != 2 {
		t.Errorf("outcome = %+v", got)
	}

	dup, err := d.IsDuplicate(ctx, "fp")
	if err != nil || !dup {
		t.Errorf("IsDuplicate() = %v, %v", dup, err)
	}
}

func TestRedisDedupPropagatesErrors(t *testing.T) {
	ctx := context.Background()
	client := newFakeCmdable()
	client.failErr = errors.New("connection refused")
	d := NewDedup(client, time.Hour)

	if _, _, err := d.Lookup(ctx, "fp"); err == nil {
		t.Error("Lookup() error = nil, want connection error")
	}
	if err := d.MarkProcessed(ctx, "fp", entity.PredictionSummary{}); err == nil {
		t.Error("MarkProcessed() error = nil, want connection error")
	}
}
