package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/onnwee/standup-hub/telemetry"
)

// wireMessage is the Kafka record payload. Kafka topic names cannot contain
// ':', so the logical channel travels inside the record and every instance
// shares one physical topic.
type wireMessage struct {
	Channel string  `json:"channel"`
	Message Message `json:"message"`
}

// KafkaBus fans updates out across instances through a shared topic. Each
// instance consumes with a unique group id so every instance sees every
// record, then filters against its local subscription set.
type KafkaBus struct {
	writer *kafka.Writer
	reader *kafka.Reader

	mu         sync.Mutex
	subscribed map[string]struct{}

	out    chan Envelope
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaBus connects to brokers and begins consuming topic. The consumer
// group id is unique per process; records published before startup are
// skipped.
func NewKafkaBus(brokers []string, topic string) *KafkaBus {
	b := &KafkaBus{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     fmt.Sprintf("standup-hub-%s", uuid.NewString()),
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     time.Second,
		}),
		subscribed: make(map[string]struct{}),
		out:        make(chan Envelope, 256),
		done:       make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.consume(ctx)
	return b
}

func (b *KafkaBus) Subscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribed[channel]; !ok {
		b.subscribed[channel] = struct{}{}
		telemetry.AddGauge(telemetry.SubscriptionsGauge, 1)
	}
	return nil
}

func (b *KafkaBus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribed[channel]; ok {
		delete(b.subscribed, channel)
		telemetry.AddGauge(telemetry.SubscriptionsGauge, -1)
	}
	return nil
}

func (b *KafkaBus) Publish(ctx context.Context, channel string, msg Message) error {
	payload, err := json.Marshal(wireMessage{Channel: channel, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(channel),
		Value: payload,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	telemetry.Inc(telemetry.UpdatesPublished)
	return nil
}

func (b *KafkaBus) Messages() <-chan Envelope { return b.out }

func (b *KafkaBus) consume(ctx context.Context) {
	defer close(b.done)
	for {
		rec, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("bus read error", slog.Any("error", err))
			continue
		}
		var wm wireMessage
		if err := json.Unmarshal(rec.Value, &wm); err != nil {
			slog.Warn("bus record malformed", slog.Any("error", err))
			continue
		}
		if !b.wants(wm.Channel) {
			continue
		}
		select {
		case b.out <- Envelope{Channel: wm.Channel, Message: wm.Message}:
		default:
			slog.Warn("dropping update, delivery buffer full", slog.String("channel", wm.Channel))
		}
	}
}

func (b *KafkaBus) wants(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subscribed[channel]
	return ok
}

func (b *KafkaBus) Close() error {
	b.cancel()
	<-b.done
	werr := b.writer.Close()
	rerr := b.reader.Close()
	close(b.out)
	if werr != nil {
		return werr
	}
	return rerr
}
