package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/segmentio/kafka-go"
)

var (
	ErrProducerClosed = errors.New("kafka: producer closed")
	ErrBufferFull     = errors.New("kafka: producer buffer full")
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer buffers messages for one topic and writes them from a single
// goroutine. Close flushes what is buffered.
type Producer struct {
	topic string
	w     messageWriter
	log   *logger.Logger
	inbox chan kafka.Message
	done  chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	startOnce sync.Once
}

func NewProducer(brokers []string, topic string, buf int, log *logger.Logger) *Producer {
	if log == nil {
		log = logger.Nop()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err == nil {
				return
			}
			ctx := log.WithFields(context.Background(), map[string]any{"topic": topic, "messages": len(msgs)})
			log.Error(ctx, "kafka write failed", err)
		},
	}
	return newProducer(topic, w, buf, log)
}

func newProducer(topic string, w messageWriter, buf int, log *logger.Logger) *Producer {
	if buf <= 0 {
		buf = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Producer{
		topic: topic,
		w:     w,
		log:   log,
		inbox: make(chan kafka.Message, buf),
		done:  make(chan struct{}),
	}
}

// Start runs the write loop until Close or ctx is done.
func (p *Producer) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go func() {
			select {
			case <-ctx.Done():
				p.Close()
			case <-p.done:
			}
		}()
		go p.run()
	})
}

func (p *Producer) run() {
	defer close(p.done)
	for m := range p.inbox {
		if err := p.w.WriteMessages(context.Background(), m); err != nil {
			ctx := p.log.WithField(context.Background(), "topic", p.topic)
			p.log.Error(ctx, "kafka publish failed", err)
		}
	}
	if err := p.w.Close(); err != nil {
		p.log.Error(context.Background(), "kafka writer close failed", err)
	}
}

func (p *Producer) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	m := kafka.Message{Key: key, Value: value, Time: time.Now(), Headers: headers}
	select {
	case p.inbox <- m:
		return nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrBufferFull
}

// Close stops accepting messages; the loop flushes the buffer and exits.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.inbox)
		p.mu.Unlock()
	})
	// never started: drain and release the writer anyway
	p.startOnce.Do(func() { go p.run() })
}

// WaitClosed blocks until the buffered messages were handed to the writer.
func (p *Producer) WaitClosed() { <-p.done }
