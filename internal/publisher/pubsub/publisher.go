// Package pubsub delivers ingest notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var errNoClient = errors.New("pubsub client is not configured")

// attributed payloads contribute message attributes alongside the trace
// context. output.Notification implements it.
type attributed interface {
	Attributes() map[string]string
}

// Publisher satisfies output.Publisher. It caches one topic handle per name
// so the client library can batch publishes; Stop flushes them.
type Publisher struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New wraps an open client. The caller keeps ownership of client.
func New(client *pubsub.Client) *Publisher {
	return &Publisher{client: client, topics: make(map[string]*pubsub.Topic)}
}

// Verify fails when topic is missing so a typo surfaces at startup.
func (p *Publisher) Verify(ctx context.Context, topic string) error {
	if p.client == nil {
		return errNoClient
	}
	exists, err := p.handle(topic).Exists(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("look up topic %q: %w", topic, err)
	case !exists:
		return fmt.Errorf("pubsub topic %q does not exist", topic)
	}
	return nil
}

// Publish sends payload as JSON and blocks until the server acknowledges it.
// The span context in ctx travels in the message attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	switch {
	case p.client == nil:
		return "", errNoClient
	case topic == "":
		return "", errors.New("topic is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode notification: %w", err)
	}

	attrs := propagation.MapCarrier{}
	if a, ok := payload.(attributed); ok {
		maps.Copy(attrs, a.Attributes())
	}
	otel.GetTextMapPropagator().Inject(ctx, attrs)

	res := p.handle(topic).Publish(ctx, &pubsub.Message{Data: body, Attributes: attrs})
	id, err := res.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Stop flushes pending batches and releases every topic handle.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
}

func (p *Publisher) handle(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t
	}
	t := p.client.Topic(name)
	p.topics[name] = t
	return t
}
