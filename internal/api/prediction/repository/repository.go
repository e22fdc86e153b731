package predictionRepository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	"yolodetect/internal/entity"

	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/sirupsen/logrus"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

// Repository is the detection record store. Both backends implement it with
// the same query semantics; callers never branch on the backend.
//
// SavePredictionSession on an existing uid overwrites the image references and
// keeps the original creation timestamp. Backends never retry internally.
type Repository interface {
	SavePredictionSession(ctx context.Context, uid, originalImage, predictedImage string) error
	SaveDetection(ctx context.Context, uid, label string, score float64, box entity.Box) error
	GetPrediction(ctx context.Context, uid string) (entity.PredictionSession, error)
	GetPredictionsByLabel(ctx context.Context, label string) ([]entity.PredictionRef, error)
	GetPredictionsByScore(ctx context.Context, minScore float64) ([]entity.PredictionRef, error)
	GetPredictionImagePath(ctx context.Context, uid string) (string, error)
	Close() error
}

type Options struct {
	Backend      string
	SQLitePath   string
	PostgresDSN  string
	DynamoTable  string
	DynamoClient dynamodbiface.DynamoDBAPI
	// CreateTable lets the DynamoDB backend create its table when missing.
	CreateTable bool
	Now         func() time.Time
}

// New opens the backend named by opts.Backend.
func New(ctx context.Context, opts Options, log *logrus.Logger) (Repository, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	clock := newMonotonicClock(now)

	switch opts.Backend {
	case BackendSQLite, "":
		db, err := OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return NewSQL(db, log, clock.Now)
	case BackendPostgres:
		db, err := OpenPostgres(opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return NewSQL(db, log, clock.Now)
	case BackendDynamoDB:
		if opts.DynamoClient == nil {
			return nil, fmt.Errorf("dynamodb backend requires a client")
		}
		repo := NewDynamo(opts.DynamoClient, opts.DynamoTable, log, clock.Now)
		if opts.CreateTable {
			if err := repo.EnsureTable(ctx); err != nil {
				return nil, err
			}
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// monotonicClock never hands out a time earlier than one it already returned,
// so creation timestamps stay non-decreasing across wall clock steps.
type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newMonotonicClock(now func() time.Time) *monotonicClock {
	return &monotonicClock{now: now}
}

func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

func sortNewestFirst(refs []entity.PredictionRef) {
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].Timestamp.After(refs[j].Timestamp)
	})
}
