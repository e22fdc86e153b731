package predictionRepository

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"yolodetect/internal/api/prediction"
	"yolodetect/internal/entity"
	logPkg "yolodetect/pkg/log"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// stepClock returns baseTime, baseTime+1s, baseTime+2s, ...
type stepClock struct {
	mu sync.Mutex
	n  int
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := baseTime.Add(time.Duration(c.n) * time.Second)
	c.n++
	return t
}

type backendFactory func(t *testing.T, now func() time.Time) Repository

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		BackendSQLite: func(t *testing.T, now func() time.Time) Repository {
			db, err := OpenSQLite(filepath.Join(t.TempDir(), "predictions.db"))
			if err != nil {
				t.Fatalf("OpenSQLite() error = %v", err)
			}
			repo, err := NewSQL(db, logPkg.NewDiscard(), now)
			if err != nil {
				t.Fatalf("NewSQL() error = %v", err)
			}
			t.Cleanup(func() { repo.Close() })
			return repo
		},
		BackendDynamoDB: func(t *testing.T, now func() time.Time) Repository {
			return NewDynamo(newFakeDynamo(), "", logPkg.NewDiscard(), now)
		},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, repo Repository)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := &stepClock{}
			fn(t, factory(t, clock.Now))
		})
	}
}

func mustSaveSession(t *testing.T, repo Repository, uid string) {
	t.Helper()
	if err := repo.SavePredictionSession(context.Background(), uid, "uploads/original/"+uid+".jpg", "uploads/predicted/"+uid+"_predicted.jpg"); err != nil {
		t.Fatalf("SavePredictionSession(%q) error = %v", uid, err)
	}
}

func mustSaveDetection(t *testing.T, repo Repository, uid, label string, score float64, box entity.Box) {
	t.Helper()
	if err := repo.SaveDetection(context.Background(), uid, label, score, box); err != nil {
		t.Fatalf("SaveDetection(%q, %q) error = %v", uid, label, err)
	}
}

func uids(refs []entity.PredictionRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.UID)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSaveAndGetPrediction(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		box := entity.Box{10, 20, 110, 220}

		mustSaveSession(t, repo, "abc")
		mustSaveDetection(t, repo, "abc", "dog", 0.87, box)

		got, err := repo.GetPrediction(ctx, "abc")
		if err != nil {
			t.Fatalf("GetPrediction() error = %v", err)
		}

		if got.UID != "abc" {
			t.Errorf("UID = %q, want %q", got.UID, "abc")
		}
		if !got.Timestamp.Equal(baseTime) {
			t.Errorf("Timestamp = %v, want %v", got.Timestamp, baseTime)
		}
		if got.OriginalImage != "uploads/original/abc.jpg" {
			t.Errorf("OriginalImage = %q", got.OriginalImage)
		}
		if got.PredictedImage != "uploads/predicted/abc_predicted.jpg" {
			t.Errorf("PredictedImage = %q", got.PredictedImage)
		}
		if len(got.Detections) != 1 {
			t.Fatalf("len(Detections) = %d, want 1", len(got.Detections))
		}

		d := got.Detections[0]
		if d.Label != "dog" || d.Score != 0.87 || d.Box != box {
			t.Errorf("detection = %+v, want dog 0.87 %v", d, box)
		}
		if d.ID == "" {
			t.Error("detection ID is empty")
		}
	})
}

func TestGetPredictionWithoutDetections(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo Repository) {
		mustSaveSession(t, repo, "empty")

		got, err := repo.GetPrediction(context.Background(), "empty")
		if err != nil {
			t.Fatalf("GetPrediction() error = %v", err)
		}
		if got.Detections == nil || len(got.Detections) != 0 {
			t.Errorf("Detections = %#v, want empty non-nil slice", got.Detections)
		}
	})
}

func TestGetPredictionNotFound(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		if _, err := repo.GetPrediction(ctx, "missing"); !errors.Is(err, prediction.ErrPredictionNotFound) {
			t.Errorf("GetPrediction() error = %v, want ErrPredictionNotFound", err)
		}
		if _, err := repo.GetPredictionImagePath(ctx, "missing"); !errors.Is(err, prediction.ErrPredictionNotFound) {
			t.Errorf("GetPredictionImagePath() error = %v, want ErrPredictionNotFound", err)
		}
	})
}

func TestSaveDetectionRejectsOrphan(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo Repository) {
		err := repo.SaveDetection(context.Background(), "ghost", "cat", 0.5, entity.Box{0, 0, 1, 1})
		if err == nil {
			t.Fatal("SaveDetection() on unknown session succeeded")
		}

		var storageErr *prediction.StorageError
		if !errors.As(err, &storageErr) {
			t.Errorf("error %T is not a *StorageError", err)
		}
		if !errors.Is(err, prediction.ErrStorageFailed) {
			t.Errorf("error %v does not match ErrStorageFailed", err)
		}
		if !errors.Is(err, prediction.ErrPredictionNotFound) {
			t.Errorf("error %v does not match ErrPredictionNotFound", err)
		}

		refs, err := repo.GetPredictionsByLabel(context.Background(), "cat")
		if err != nil {
			t.Fatalf("GetPredictionsByLabel() error = %v", err)
		}
		if len(refs) != 0 {
			t.Errorf("orphan detection is visible: %v", refs)
		}
	})
}

func TestSaveDetectionRejectsUnorderedBox(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo Repository) {
		mustSaveSession(t, repo, "abc")

		err := repo.SaveDetection(context.Background(), "abc", "dog", 0.5, entity.Box{110, 20, 10, 220})
		if !errors.Is(err, prediction.ErrInvalidBox) {
			t.Fatalf("SaveDetection() error = %v, want ErrInvalidBox", err)
		}
		if !errors.Is(err, prediction.ErrStorageFailed) {
			t.Errorf("error %v does not match ErrStorageFailed", err)
		}

		got, err := repo.GetPrediction(context.Background(), "abc")
		if err != nil {
			t.Fatalf("GetPrediction() error = %v", err)
		}
		if len(got.Detections) != 0 {
			t.Errorf("rejected detection was stored: %+v", got.Detections)
		}
	})
}

func TestGetPredictionsByScore(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		mustSaveSession(t, repo, "abc")
		mustSaveDetection(t, repo, "abc", "dog", 0.87, entity.Box{10, 20, 110, 220})

		tests := []struct {
			name     string
			minScore float64
			want     []string
		}{
			{name: "above every score", minScore: 0.9, want: []string{}},
			{name: "below the score", minScore: 0.8, want: []string{"abc"}},
			{name: "equal to the score", minScore: 0.87, want: []string{"abc"}},
			{name: "zero", minScore: 0, want: []string{"abc"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				refs, err := repo.GetPredictionsByScore(ctx, tt.minScore)
				if err != nil {
					t.Fatalf("GetPredictionsByScore() error = %v", err)
				}
				if got := uids(refs); !equalStrings(got, tt.want) {
					t.Errorf("GetPredictionsByScore(%v) = %v, want %v", tt.minScore, got, tt.want)
				}
			})
		}
	})
}

func TestGetPredictionsByLabel(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		mustSaveSession(t, repo, "first")
		mustSaveDetection(t, repo, "first", "dog", 0.6, entity.Box{0, 0, 10, 10})
		mustSaveDetection(t, repo, "first", "dog", 0.7, entity.Box{5, 5, 20, 20})

		mustSaveSession(t, repo, "second")
		mustSaveDetection(t, repo, "second", "dog", 0.9, entity.Box{1, 1, 2, 2})
		mustSaveDetection(t, repo, "second", "cat", 0.4, entity.Box{3, 3, 4, 4})

		mustSaveSession(t, repo, "third")
		mustSaveDetection(t, repo, "third", "Dog", 0.9, entity.Box{1, 1, 2, 2})

		tests := []struct {
			label string
			want  []string
		}{
			{label: "dog", want: []string{"second", "first"}},
			{label: "cat", want: []string{"second"}},
			{label: "Dog", want: []string{"third"}},
			{label: "bird", want: []string{}},
		}

		for _, tt := range tests {
			t.Run(tt.label, func(t *testing.T) {
				refs, err := repo.GetPredictionsByLabel(ctx, tt.label)
				if err != nil {
					t.Fatalf("GetPredictionsByLabel() error = %v", err)
				}
				if refs == nil {
					t.Fatal("GetPredictionsByLabel() returned nil slice")
				}
				if got := uids(refs); !equalStrings(got, tt.want) {
					t.Errorf("GetPredictionsByLabel(%q) = %v, want %v", tt.label, got, tt.want)
				}
			})
		}
	})
}

func TestFilterResultsNewestFirst(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo Repository) {
		for _, uid := range []string{"a", "b", "c", "d", "e"} {
			mustSaveSession(t, repo, uid)
			mustSaveDetection(t, repo, uid, "person", 0.95, entity.Box{0, 0, 5, 5})
		}

		refs, err := repo.GetPredictionsByScore(context.Background(), 0.5)
		if err != nil {
			t.Fatalf("GetPredictionsByScore() error = %v", err)
		}
		if got, want := uids(refs), []string{"e", "d", "c", "b", "a"}; !equalStrings(got, want) {
			t.Errorf("order = %v, want %v", got, want)
		}
		for i := 1; i < len(refs); i++ {
			if refs[i].Timestamp.After(refs[i-1].Timestamp) {
				t.Errorf("refs[%d] is newer than refs[%d]", i, i-1)
			}
		}
	})
}

func TestSavePredictionSessionOverwriteKeepsTimestamp(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		if err := repo.SavePredictionSession(ctx, "abc", "old.jpg", "old_predicted.jpg"); err != nil {
			t.Fatalf("first save error = %v", err)
		}
		if err := repo.SavePredictionSession(ctx, "abc", "new.jpg", "new_predicted.jpg"); err != nil {
			t.Fatalf("second save error = %v", err)
		}

		got, err := repo.GetPrediction(ctx, "abc")
		if err != nil {
			t.Fatalf("GetPrediction() error = %v", err)
		}
		if got.OriginalImage != "new.jpg" || got.PredictedImage != "new_predicted.jpg" {
			t.Errorf("images = %q, %q, want the overwritten refs", got.OriginalImage, got.PredictedImage)
		}
		if !got.Timestamp.Equal(baseTime) {
			t.Errorf("Timestamp = %v, want creation time %v", got.Timestamp, baseTime)
		}

		path, err := repo.GetPredictionImagePath(ctx, "abc")
		if err != nil {
			t.Fatalf("GetPredictionImagePath() error = %v", err)
		}
		if path != "new_predicted.jpg" {
			t.Errorf("GetPredictionImagePath() = %q, want %q", path, "new_predicted.jpg")
		}
	})
}

func TestMonotonicClockNeverGoesBack(t *testing.T) {
	times := []time.Time{baseTime.Add(2 * time.Second), baseTime, baseTime.Add(3 * time.Second)}
	i := 0
	clock := newMonotonicClock(func() time.Time {
		now := times[i]
		i++
		return now
	})

	first := clock.Now()
	second := clock.Now()
	third := clock.Now()

	if second.Before(first) {
		t.Errorf("second = %v is before first = %v", second, first)
	}
	if !third.Equal(baseTime.Add(3 * time.Second)) {
		t.Errorf("third = %v, want %v", third, baseTime.Add(3*time.Second))
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	if _, err := New(context.Background(), Options{Backend: "cassandra"}, logPkg.NewDiscard()); err == nil {
		t.Error("New() with unknown backend succeeded")
	}
	if _, err := New(context.Background(), Options{Backend: BackendDynamoDB}, logPkg.NewDiscard()); err == nil {
		t.Error("New() with dynamodb backend and no client succeeded")
	}
}
