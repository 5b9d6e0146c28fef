// Package changes carries edit and deletion notifications for widgets,
// rotations and projects from the persistence layer to the runtime.
package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	logx "dashwall/pkg/logx"
)

type Kind string

const (
	WidgetUpserted   Kind = "widget.upserted"
	WidgetDeleted    Kind = "widget.deleted"
	RotationUpserted Kind = "rotation.upserted"
	RotationDeleted  Kind = "rotation.deleted"
	ProjectDeleted   Kind = "project.deleted"
)

const kindMetadataKey = "dashwall_change_kind"

type Change struct {
	Kind       Kind      `json:"kind"`
	ID         string    `json:"id"`
	ProjectRef string    `json:"projectRef,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher is what stores use to announce edits.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}

type Handler func(ctx context.Context, c Change) error

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	OTEL          bool
}

type Config struct {
	// Driver is "gochannel" (in-process, default) or "kafka".
	Driver string
	Topic  string
	Buffer int64
	Kafka  KafkaConfig
}

// Feed is a watermill-backed change stream.
type Feed struct {
	topic string
	pub   message.Publisher
	sub   message.Subscriber
	log   logx.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

func NewFeed(cfg Config, log logx.Logger) (*Feed, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = "dashwall.changes"
	}
	wlog := NewLoggerAdapter(log.With(logx.String("comp", "changes")))

	f := &Feed{topic: topic, log: log, ready: make(chan struct{})}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "gochannel", "memory":
		buf := cfg.Buffer
		if buf <= 0 {
			buf = 256
		}
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: buf}, wlog)
		f.pub, f.sub = ch, ch
	case "kafka":
		pub, sub, err := newKafka(cfg.Kafka, wlog)
		if err != nil {
			return nil, err
		}
		f.pub, f.sub = pub, sub
	default:
		return nil, fmt.Errorf("unknown change feed driver %q", cfg.Driver)
	}
	return f, nil
}

func newKafka(cfg KafkaConfig, wlog watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, errors.New("changes.kafka.brokers is required")
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "cg-dashwall"
	}

	subCfg := kafka.DefaultSaramaSubscriberConfig()
	subCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	sub, err := kafka.NewSubscriber(kafka.SubscriberConfig{
		Brokers:               cfg.Brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: subCfg,
		ConsumerGroup:         group,
		OTELEnabled:           cfg.OTEL,
	}, wlog)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka subscriber: %w", err)
	}

	pubCfg := sarama.NewConfig()
	pubCfg.Producer.Return.Successes = true
	pub, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:               cfg.Brokers,
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: pubCfg,
		OTELEnabled:           cfg.OTEL,
	}, wlog)
	if err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("kafka publisher: %w", err)
	}
	return pub, sub, nil
}

func (f *Feed) Publish(ctx context.Context, c Change) error {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(kindMetadataKey, string(c.Kind))
	msg.SetContext(ctx)
	return f.pub.Publish(f.topic, msg)
}

// Run delivers changes to h until ctx ends. Handler errors are logged and
// the message is still acked: the periodic reconcile repairs anything a
// failed handler missed.
func (f *Feed) Run(ctx context.Context, h Handler) error {
	msgs, err := f.sub.Subscribe(ctx, f.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", f.topic, err)
	}
	f.readyOnce.Do(func() { close(f.ready) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("change subscription closed")
			}
			var c Change
			if err := json.Unmarshal(msg.Payload, &c); err != nil {
				f.log.Warn("undecodable change", logx.String("uuid", msg.UUID), logx.Err(err))
				msg.Ack()
				continue
			}
			if err := h(ctx, c); err != nil {
				f.log.Warn("change handler failed", logx.String("kind", string(c.Kind)), logx.String("id", c.ID), logx.Err(err))
			}
			msg.Ack()
		}
	}
}

// Ready is closed once Run has subscribed for the first time. The
// in-process driver drops changes published before that.
func (f *Feed) Ready() <-chan struct{} { return f.ready }

func (f *Feed) Close() error {
	return errors.Join(f.pub.Close(), closeIfDistinct(f.sub, f.pub))
}

func closeIfDistinct(sub message.Subscriber, pub message.Publisher) error {
	if p, ok := sub.(message.Publisher); ok && p == pub {
		return nil
	}
	return sub.Close()
}
