package bus_amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/davarch/pipeline-view/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const MessageTypeShowStatus = "pipeline.show-status"

// Message is the body published for every show-status event.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Event     string    `json:"event"`
	Job       string    `json:"job"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher mirrors bus events to a RabbitMQ fanout exchange so other
// viewers of the same pipeline can follow along.
type Publisher struct {
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func Dial(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &Publisher{exchange: exchange, conn: conn, ch: ch}, nil
}

func (p *Publisher) Publish(ctx context.Context, event string) error {
	body, err := json.Marshal(NewMessage(event, time.Now()))
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ch.PublishWithContext(ctx, p.exchange, event, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         MessageTypeShowStatus,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}

func NewMessage(event string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      MessageTypeShowStatus,
		Event:     event,
		Job:       strings.TrimPrefix(event, domain.ShowStatusEvent("")),
		Timestamp: now.UTC(),
	}
}

type sink interface {
	Publish(ctx context.Context, event string) error
}

// MirrorBus delivers locally first, then forwards the event. A failed forward
// is logged and never fails the local delivery.
type MirrorBus struct {
	domain.Bus
	remote sink
	log    *zap.Logger
}

func Mirror(local domain.Bus, remote sink, log *zap.Logger) *MirrorBus {
	return &MirrorBus{Bus: local, remote: remote, log: log}
}

func (m *MirrorBus) Publish(ctx context.Context, event string) error {
	if err := m.Bus.Publish(ctx, event); err != nil {
		return err
	}
	if err := m.remote.Publish(ctx, event); err != nil {
		m.log.Warn("amqp mirror failed", zap.String("event", event), zap.Error(err))
	}
	return nil
}
