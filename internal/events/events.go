// Package events публикует события оформления заказов и сигналы о необходимости сверки.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Типы событий.
const (
	TypeOrderSettled           = "order.settled"
	TypeCheckoutRolledBack     = "checkout.rolled_back"
	TypeReconciliationRequired = "reconciliation.required"
)

// Event описывает конверт события. Key определяет партицию в Kafka.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Key        string         `json:"key"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload"`
}

// NewEvent создаёт событие с новым идентификатором.
func NewEvent(typ, key string, payload map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Publisher отправляет события, не блокируя вызывающего.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop отбрасывает все события.
type Nop struct{}

// Publish ничего не делает.
func (Nop) Publish(context.Context, Event) {}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher буферизует события и пишет их в Kafka из отдельной горутины.
type KafkaPublisher struct {
	w      messageWriter
	inbox  chan kafka.Message
	logger *zap.Logger
}

// NewKafkaPublisher создаёт издателя для топика topic. buf задаёт размер буфера событий.
func NewKafkaPublisher(brokers []string, topic string, buf int, logger *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaPublisher(w, buf, logger)
}

func newKafkaPublisher(w messageWriter, buf int, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		w:      w,
		inbox:  make(chan kafka.Message, buf),
		logger: logger,
	}
}

// Publish ставит событие в очередь. При переполненном буфере событие отбрасывается с записью в лог.
func (p *KafkaPublisher) Publish(_ context.Context, e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("type", e.Type), zap.Error(err))
		return
	}

	msg := kafka.Message{
		Key:   []byte(e.Key),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
			{Key: "event-id", Value: []byte(e.ID)},
		},
	}

	select {
	case p.inbox <- msg:
	default:
		p.logger.Warn("event buffer full, dropping event",
			zap.String("type", e.Type),
			zap.String("event_id", e.ID),
		)
	}
}

// Run пишет события до отмены ctx, затем отправляет оставшиеся и закрывает writer.
func (p *KafkaPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return p.w.Close()
		case m := <-p.inbox:
			p.write(m)
		}
	}
}

func (p *KafkaPublisher) drain() {
	for {
		select {
		case m := <-p.inbox:
			p.write(m)
		default:
			return
		}
	}
}

func (p *KafkaPublisher) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.logger.Error("failed to publish event", zap.ByteString("key", m.Key), zap.Error(err))
	}
}
