package redis

import (
	"context"
	"errors"
	"fmt"
	"time"
	"yolodetect/internal/entity"
	"yolodetect/pkg/dedup"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const keyPrefix = "dedup:"

type Options struct {
	Address  string
	Password string
	DB       int
}

func NewClient(opts Options) *redis.Client {
	logrus.Info(fmt.Sprintf("Connecting to Redis at %s...", opts.Address))

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		logrus.Error(fmt.Sprintf("Failed to connect to Redis: %v", err))
	} else {
		logrus.Info("Successfully connected to Redis")
	}

	return client
}

// redisDedup keeps dedup entries in Redis so they survive restarts and are
// shared by every replica. Each key expires after ttl.
type redisDedup struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewDedup(client redis.Cmdable, ttl time.Duration) dedup.IDedup {
	return &redisDedup{client: client, ttl: ttl}
}

func (r *redisDedup) IsDuplicate(ctx context.Context, fingerprint string) (bool, error) {
	n, err := r.client.Exists(ctx, keyPrefix+fingerprint).Result()
	if err != nil {
		logrus.Error(fmt.Sprintf("Error checking dedup key %s: %v", fingerprint, err))
		return false, err
	}
	return n > 0, nil
}

func (r *redisDedup) Lookup(ctx context.Context, fingerprint string) (entity.PredictionSummary, bool, error) {
	logrus.Debug(fmt.Sprintf("Getting dedup entry for key %s", fingerprint))
	val, err := r.client.Get(ctx, keyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return entity.PredictionSummary{}, false, nil
	} else if err != nil {
		logrus.Error(fmt.Sprintf("Error getting dedup key %s: %v", fingerprint, err))
		return entity.PredictionSummary{}, false, err
	}

	var outcome entity.PredictionSummary
	if err := json.Unmarshal(val, &outcome); err != nil {
		return entity.PredictionSummary{}, false, fmt.Errorf("decode dedup entry: %w", err)
	}
	return outcome, true, nil
}

func (r *redisDedup) MarkProcessed(ctx context.Context, fingerprint string, outcome entity.PredictionSummary) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode dedup entry: %w", err)
	}

	if err := r.client.Set(ctx, keyPrefix+fingerprint, payload, r.ttl).Err(); err != nil {
		logrus.Error(fmt.Sprintf("Error setting dedup key %s: %v", fingerprint, err))
		return err
	}
	logrus.Debug(fmt.Sprintf("Marked dedup key %s with expiration %v", fingerprint, r.ttl))
	return nil
}
