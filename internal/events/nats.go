package events

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-reel/internal/bus"
)

// NATSPublisher publishes each event on its subject.
type NATSPublisher struct {
	client *bus.Client
}

func NewNATSPublisher(client *bus.Client) *NATSPublisher {
	return &NATSPublisher{client: client}
}

func (p *NATSPublisher) Publish(_ context.Context, subject string, payload any) error {
	return p.client.PublishJSON(subject, payload)
}

// Close flushes pending messages before closing the connection. A lost
// connection is closed without flushing.
func (p *NATSPublisher) Close() error {
	defer p.client.Close()
	if !p.client.Healthy() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.client.Flush(ctx)
}
