// Package callback reports asynchronous job outcomes to the URL the producer
// supplied with the job.
package callback

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type Payload struct {
	ChatID       string   `json:"chat_id"`
	PredictionID string   `json:"prediction_id"`
	Status       string   `json:"status"`
	Labels       []string `json:"labels,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type ISender interface {
	Send(ctx context.Context, url string, payload Payload) error
}

type sender struct {
	client *resty.Client
	log    *logrus.Logger
}

// New builds a sender whose POSTs are bounded by timeout. Delivery is tried
// once; redelivery of the queue message is the retry mechanism.
func New(timeout time.Duration, log *logrus.Logger) ISender {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &sender{client: client, log: log}
}

func (s *sender) Send(ctx context.Context, url string, payload Payload) error {
	fields := logrus.Fields{
		"url":           url,
		"prediction_id": payload.PredictionID,
		"status":        payload.Status,
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(url)
	if err != nil {
		fields["error"] = err.Error()
		s.log.WithFields(fields).Warn("Callback delivery failed")
		return fmt.Errorf("callback %s: %w", url, err)
	}

	if !resp.IsSuccess() {
		fields["http_status"] = resp.StatusCode()
		s.log.WithFields(fields).Warn("Callback rejected")
		return fmt.Errorf("callback %s: unexpected status %d", url, resp.StatusCode())
	}

	s.log.WithFields(fields).Debug("Callback delivered")
	return nil
}
