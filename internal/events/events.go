// Package events announces run progress to a message broker.
package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-reel/internal/bus"
	"github.com/loqalabs/loqa-reel/internal/config"
)

// Subject suffixes, appended to the configured prefix.
const (
	SubjectSegmentComposed = "segment.composed"
	SubjectRunCompleted    = "run.completed"
	SubjectRunFailed       = "run.failed"
)

// SegmentComposed is published once per assembled segment.
type SegmentComposed struct {
	RunID   string  `json:"run_id"`
	Order   int     `json:"order"`
	Keyword string  `json:"keyword,omitempty"`
	Images  int     `json:"images"`
	Audio   bool    `json:"audio"`
	Seconds float64 `json:"seconds"`
}

// RunCompleted is published when the output file was written.
type RunCompleted struct {
	RunID    string  `json:"run_id"`
	Output   string  `json:"output"`
	Segments int     `json:"segments"`
	Seconds  float64 `json:"seconds"`
}

// RunFailed is published when a run aborts.
type RunFailed struct {
	RunID string `json:"run_id"`
	Error string `json:"error"`
}

// Publisher delivers JSON payloads. Callers treat failures as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close() error
}

// Subject joins prefix and suffix with a dot.
func Subject(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}

type noop struct{}

// Noop drops every event.
func Noop() Publisher { return noop{} }

func (noop) Publish(context.Context, string, any) error { return nil }
func (noop) Close() error                               { return nil }

// FromConfig connects the publisher selected by events.mode.
func FromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) (Publisher, error) {
	switch cfg.Events.Mode {
	case "", "off":
		return Noop(), nil
	case "nats":
		client, err := bus.Connect(ctx, cfg.Bus, cfg.RuntimeName, logger)
		if err != nil {
			return nil, err
		}
		return NewNATSPublisher(client), nil
	case "amqp":
		pub, err := DialAMQP(cfg.AMQP.URL, cfg.AMQP.Queue, logger)
		if err != nil {
			return nil, err
		}
		return pub, nil
	case "redis":
		pub, err := DialRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported events mode %q", cfg.Events.Mode)
	}
}
