package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	logPkg "yolodetect/pkg/log"
)

func TestSendPostsPayload(t *testing.T) {
	var got Payload
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := New(time.Second, logPkg.NewDiscard())
	payload := Payload{
		ChatID:       "42",
		PredictionID: "abc",
		Status:       StatusSuccess,
		Labels:       []string{"dog"},
	}

	if err := sender.Send(context.Background(), srv.URL, payload); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if got.ChatID != "42" || got.PredictionID != "abc" || got.Status != StatusSuccess {
		t.Errorf("payload = %+v", got)
	}
	if len(got.Labels) != 1 || got.Labels[0] != "dog" {
		t.Errorf("labels = %v", got.Labels)
	}
}

func TestSendOmitsEmptyFields(t *testing.T) {
	var raw map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
	}))
	defer srv.Close()

	sender := New(time.Second, logPkg.NewDiscard())
	err := sender.Send(context.Background(), srv.URL, Payload{ChatID: "1", PredictionID: "p", Status: StatusError, Error: "boom"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if _, ok := raw["labels"]; ok {
		t.Error("labels present on an error callback")
	}
	if raw["error"] != "boom" {
		t.Errorf("error = %v, want boom", raw["error"])
	}
}

func TestSendNon2xxIsError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender := New(time.Second, logPkg.NewDiscard())
	if err := sender.Send(context.Background(), srv.URL, Payload{Status: StatusSuccess}); err == nil {
		t.Error("Send() to a failing endpoint succeeded")
	}
	if calls != 1 {
		t.Errorf("endpoint called %d times, want exactly 1", calls)
	}
}

func TestSendTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	sender := New(50*time.Millisecond, logPkg.NewDiscard())
	if err := sender.Send(context.Background(), srv.URL, Payload{Status: StatusSuccess}); err == nil {
		t.Error("Send() to a hanging endpoint succeeded")
	}
}
