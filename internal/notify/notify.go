package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"sentra.dev/internal/alert"
	"sentra.dev/internal/obs"
)

// ErrRateLimited reports a notification dropped by the outbound limiter.
var ErrRateLimited = fmt.Errorf("notify: rate limited")

// Outbound publish is capped so an alert storm cannot flood the broker; the
// in-memory alert record is the source of truth either way.
const (
	publishPerSecond = 20
	publishBurst     = 40
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer publishes alert and incident events to a Kafka topic. It satisfies
// alert.Notifier; delivery is best-effort and async.
type Producer struct {
	w       messageWriter
	topic   string
	limiter *rate.Limiter
}

// NewProducer connects a producer to the given brokers and topic.
func NewProducer(brokers []string, topic string) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		Async:                  true,
		AllowAutoTopicCreation: true,
	}
	return &Producer{
		w:       w,
		topic:   topic,
		limiter: rate.NewLimiter(rate.Limit(publishPerSecond), publishBurst),
	}
}

// event is the wire envelope for both alerts and incidents.
type event struct {
	Kind      string          `json:"kind"`
	EmittedAt time.Time       `json:"emitted_at"`
	Alert     *alert.Alert    `json:"alert,omitempty"`
	Incident  *alert.Incident `json:"incident,omitempty"`
}

// NotifyAlert publishes one alert event. A nil error means the message was
// accepted for delivery.
func (p *Producer) NotifyAlert(ctx context.Context, a alert.Alert) error {
	return p.publish(ctx, a.AlertID, event{
		Kind:      "alert",
		EmittedAt: time.Now().UTC(),
		Alert:     &a,
	})
}

// NotifyIncident publishes one incident event.
func (p *Producer) NotifyIncident(ctx context.Context, inc alert.Incident) error {
	return p.publish(ctx, inc.IncidentID, event{
		Kind:      "incident",
		EmittedAt: time.Now().UTC(),
		Incident:  &inc,
	})
}

func (p *Producer) publish(ctx context.Context, key string, ev event) error {
	if !p.limiter.Allow() {
		obs.LogEvent(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": "warn",
			"msg":   "notification dropped by rate limiter",
			"kind":  ev.Kind,
			"key":   key,
		})
		return ErrRateLimited
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal %s event: %w", ev.Kind, err)
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(key),
		Value: b,
	}); err != nil {
		obs.LogEvent(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "notification publish failed",
			"kind":  ev.Kind,
			"key":   key,
			"error": err.Error(),
		})
		return fmt.Errorf("notify: publish %s event: %w", ev.Kind, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	if w, ok := p.w.(*kafka.Writer); ok {
		return w.Close()
	}
	return nil
}
