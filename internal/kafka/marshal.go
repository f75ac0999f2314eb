package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ariefcatur/go-realtime-storefront/internal/events"
	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

func EncodeEnvelope(env events.Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

func DecodeEnvelope(m kafka.Message) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return events.Envelope{}, fmt.Errorf("decode envelope at offset %d: %w", m.Offset, err)
	}
	return env, nil
}

func headers(env events.Envelope) []kafka.Header {
	return []kafka.Header{
		{Key: HeaderEventType, Value: []byte(env.EventType)},
		{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
	}
}

// Bus publishes envelopes to the topic of their event type.
type Bus struct {
	producers map[string]*Producer
}

var _ events.Publisher = (*Bus)(nil)

func NewBus(brokers []string, buf int, log *logger.Logger) *Bus {
	b := &Bus{producers: map[string]*Producer{}}
	for _, topic := range []string{events.TopicCheckoutConfirmed, events.TopicCartClearRequested} {
		b.producers[topic] = NewProducer(brokers, topic, buf, log)
	}
	return b
}

func (b *Bus) Start(ctx context.Context) {
	for _, p := range b.producers {
		p.Start(ctx)
	}
}

func (b *Bus) Publish(ctx context.Context, env events.Envelope) error {
	topic, ok := events.TopicFor(env.EventType)
	if !ok {
		return fmt.Errorf("kafka: no topic for event type %q", env.EventType)
	}
	p, ok := b.producers[topic]
	if !ok {
		return fmt.Errorf("kafka: no producer for topic %q", topic)
	}
	value, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return p.Publish(ctx, events.PartitionKey(env.SessionID), value, headers(env)...)
}

// Close flushes every producer and waits for them to finish.
func (b *Bus) Close() {
	for _, p := range b.producers {
		p.Close()
	}
	for _, p := range b.producers {
		p.WaitClosed()
	}
}
