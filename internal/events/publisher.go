package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/pitabwire/maintflow/internal/config"
)

// WatermillPublisher publishes events as JSON messages on a watermill
// publisher. Each event type goes to its own topic: prefix + type.
type WatermillPublisher struct {
	pub    message.Publisher
	prefix string
}

// NewWatermillPublisher wraps pub.
func NewWatermillPublisher(pub message.Publisher, topicPrefix string) *WatermillPublisher {
	return &WatermillPublisher{pub: pub, prefix: topicPrefix}
}

// Topic returns the topic events of eventType are published to.
func (p *WatermillPublisher) Topic(eventType string) string {
	return p.prefix + eventType
}

// Publish implements Publisher.
func (p *WatermillPublisher) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = watermill.NewUUID()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataEventType, event.Type)
	msg.Metadata.Set(MetadataTenantID, event.TenantID)
	msg.Metadata.Set(MetadataInstanceID, event.InstanceID)

	if err := p.pub.Publish(p.Topic(event.Type), msg); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Close closes the underlying publisher.
func (p *WatermillPublisher) Close() error {
	return p.pub.Close()
}

// New builds the publisher selected by cfg.Driver: "none" discards events,
// "gochannel" publishes in-process, "kafka" publishes to cfg.Brokers. The
// returned close function releases broker connections.
func New(cfg config.EventsConfig, logger *zap.Logger) (Publisher, func() error, error) {
	wlog := NewZapLogger(logger)

	switch cfg.Driver {
	case "", "none":
		return Nop{}, func() error { return nil }, nil

	case "gochannel":
		pubSub := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 1000,
		}, wlog)
		p := NewWatermillPublisher(pubSub, cfg.TopicPrefix)
		return p, p.Close, nil

	case "kafka":
		pub, err := kafka.NewPublisher(kafka.PublisherConfig{
			Brokers:               cfg.Brokers,
			Marshaler:             instanceKeyedMarshaler(),
			OverwriteSaramaConfig: saramaProducerConfig(),
		}, wlog)
		if err != nil {
			return nil, nil, fmt.Errorf("create kafka publisher: %w", err)
		}
		p := NewWatermillPublisher(pub, cfg.TopicPrefix)
		return p, p.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported events driver: %q (supported: none, gochannel, kafka)", cfg.Driver)
	}
}

// instanceKeyedMarshaler partitions messages by instance ID so the events of
// one instance stay ordered.
func instanceKeyedMarshaler() kafka.MarshalerUnmarshaler {
	return kafka.NewWithPartitioningMarshaler(func(_ string, msg *message.Message) (string, error) {
		return msg.Metadata.Get(MetadataInstanceID), nil
	})
}

func saramaProducerConfig() *sarama.Config {
	cfg := kafka.DefaultSaramaSyncPublisherConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// KafkaHealth checks that the configured brokers accept connections.
type KafkaHealth struct {
	Brokers []string
}

// HealthCheck opens a short-lived client and verifies it sees a broker.
func (k KafkaHealth) HealthCheck(ctx context.Context) error {
	cfg := sarama.NewConfig()
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			cfg.Net.DialTimeout = d
		}
	}
	client, err := sarama.NewClient(k.Brokers, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	if len(client.Brokers()) == 0 {
		return fmt.Errorf("no kafka brokers available")
	}
	return nil
}
