// Package memory records ingest notifications in process. It backs the
// "memory" publisher driver and the crawl tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// PublishedMessage is one notification as it would appear on the wire.
type PublishedMessage struct {
	ID    string
	Topic string
	Data  json.RawMessage
}

// Decode unmarshals the payload into v.
func (m PublishedMessage) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s on %s: %w", m.ID, m.Topic, err)
	}
	return nil
}

// Publisher satisfies output.Publisher.
type Publisher struct {
	mu      sync.Mutex
	log     []PublishedMessage
	byTopic map[string][]int
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{byTopic: make(map[string][]int)}
}

// Publish encodes payload as JSON and appends it to the log.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode notification for %s: %w", topic, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	msg := PublishedMessage{
		ID:    "memory-" + strconv.Itoa(len(p.log)+1),
		Topic: topic,
		Data:  data,
	}
	p.byTopic[topic] = append(p.byTopic[topic], len(p.log))
	p.log = append(p.log, msg)
	return msg.ID, nil
}

// Messages returns a copy of every notification in publish order.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PublishedMessage(nil), p.log...)
}

// OnTopic returns the notifications published to topic, oldest first.
func (p *Publisher) OnTopic(topic string) []PublishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.byTopic[topic]
	out := make([]PublishedMessage, len(idx))
	for i, n := range idx {
		out[i] = p.log[n]
	}
	return out
}
