package store

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of kafka.Writer used by Mirror.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PositionEvent is the message published for every accepted write.
type PositionEvent struct {
	BusID     string    `json:"bus_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mirror publishes each successful position write to a Kafka topic. Publish
// failures are logged and never fail the write.
type Mirror struct {
	next    Store
	w       MessageWriter
	timeout time.Duration
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewMirror(next Store, w MessageWriter) *Mirror {
	return &Mirror{next: next, w: w, timeout: 2 * time.Second}
}

func (m *Mirror) ListBuses(ctx context.Context) ([]Bus, error) {
	return m.next.ListBuses(ctx)
}

func (m *Mirror) UpdatePosition(ctx context.Context, id string, lat, lon float64) (time.Time, error) {
	ts, err := m.next.UpdatePosition(ctx, id, lat, lon)
	if err != nil {
		return ts, err
	}

	value, err := json.Marshal(PositionEvent{BusID: id, Lat: lat, Lon: lon, UpdatedAt: ts})
	if err != nil {
		log.Printf("mirror marshal failed bus=%s: %v", id, err)
		return ts, nil
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	if err := m.w.WriteMessages(pctx, kafka.Message{Key: []byte(id), Value: value, Time: ts}); err != nil {
		log.Printf("mirror publish failed bus=%s: %v", id, err)
	}
	return ts, nil
}

func (m *Mirror) Close() error {
	return m.w.Close()
}
