// Package broker forwards decoded events to Kafka, keyed by device so a
// device's events stay ordered within one partition.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/micro-ha/ser-gateway/internal/event"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the JSON body written for every event.
type Message struct {
	Device           string    `json:"device"`
	SequenceNumber   uint32    `json:"sequence_number"`
	Timestamp        time.Time `json:"timestamp"`
	EventCode        int       `json:"event_code"`
	EventType        string    `json:"event_type"`
	Channel          int       `json:"channel"`
	Status           string    `json:"status"`
	CoincidentStatus uint32    `json:"coincident_status"`
	DST              string    `json:"dst"`
	TimeQuality      string    `json:"time_quality"`
}

func NewMessage(device string, rec event.Record) Message {
	return Message{
		Device:           device,
		SequenceNumber:   rec.SequenceNumber,
		Timestamp:        rec.Time(),
		EventCode:        int(rec.Code),
		EventType:        rec.Code.Display(),
		Channel:          rec.Channel,
		Status:           rec.InputStatus.String(),
		CoincidentStatus: rec.CoincidentStatus,
		DST:              rec.DST.String(),
		TimeQuality:      rec.TimeQuality.String(),
	}
}

type Forwarder struct {
	writer messageWriter
	topic  string
	logger *zap.SugaredLogger
}

// NewForwarder builds a synchronous writer so a failed write fails the harvest cycle.
func NewForwarder(brokers []string, topic string, logger *zap.SugaredLogger) *Forwarder {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
	}
	return newForwarder(writer, topic, logger)
}

func newForwarder(writer messageWriter, topic string, logger *zap.SugaredLogger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Forwarder{writer: writer, topic: topic, logger: logger.Named("kafka")}
}

// Append publishes one event.
func (f *Forwarder) Append(ctx context.Context, device string, rec event.Record) error {
	return f.AppendBatch(ctx, device, []event.Record{rec})
}

// AppendBatch publishes recs in one write, keeping their order within the device partition.
func (f *Forwarder) AppendBatch(ctx context.Context, device string, recs []event.Record) error {
	msgs := make([]kafka.Message, 0, len(recs))
	for _, rec := range recs {
		body, err := json.Marshal(NewMessage(device, rec))
		if err != nil {
			return fmt.Errorf("encode event %d: %w", rec.SequenceNumber, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(device),
			Value: body,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(rec.Code.Display())},
			},
		})
	}
	if err := f.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write %s: %w", f.topic, err)
	}
	return nil
}

func (f *Forwarder) Close() error {
	return f.writer.Close()
}
