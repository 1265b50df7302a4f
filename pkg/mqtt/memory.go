package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// MemoryBroker is an in-process broker for running a whole federation inside
// one binary. Delivery is synchronous on the publisher's goroutine.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[string]Handler
	logger *slog.Logger
}

func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	return &MemoryBroker{
		subs:   make(map[string]map[string]Handler),
		logger: logger,
	}
}

// Client returns a PubSub bound to the broker under the given client ID.
func (b *MemoryBroker) Client(id string) (PubSub, error) {
	if id == "" {
		return nil, errEmptyID
	}

	return &memoryClient{id: id, broker: b}, nil
}

func (b *MemoryBroker) deliver(topic string, payload []byte) {
	b.mu.RLock()
	var handlers []Handler
	for _, byClient := range b.subs {
		for filter, h := range byClient {
			if TopicMatches(filter, topic) {
				handlers = append(handlers, h)
			}
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		msg := make([]byte, len(payload))
		copy(msg, payload)
		if err := h(topic, msg); err != nil {
			b.logger.Warn("Failed to handle MQTT message",
				slog.String("topic", topic),
				slog.Any("error", err))
		}
	}
}

type memoryClient struct {
	id     string
	broker *MemoryBroker
}

func (c *memoryClient) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.broker.deliver(topic, payload)

	return nil
}

func (c *memoryClient) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if topic == "" {
		return errEmptyTopic
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	byClient, ok := c.broker.subs[c.id]
	if !ok {
		byClient = make(map[string]Handler)
		c.broker.subs[c.id] = byClient
	}
	byClient[topic] = handler

	return nil
}

func (c *memoryClient) Unsubscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return errEmptyTopic
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	delete(c.broker.subs[c.id], topic)

	return nil
}

func (c *memoryClient) Disconnect(ctx context.Context) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	delete(c.broker.subs, c.id)

	return nil
}

// TopicMatches reports whether topic matches an MQTT filter with + and #
// wildcards.
func TopicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")

	for i, part := range fp {
		if part == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if part != "+" && part != tp[i] {
			return false
		}
	}

	return len(fp) == len(tp)
}
