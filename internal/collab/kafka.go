package collab

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-support-backend/internal/domain"
)

// Notification is the envelope published for email/WhatsApp/operator workers.
type Notification struct {
	Kind       string         `json:"kind"` // "operator" or "user"
	OperatorID string         `json:"operator_id,omitempty"`
	Channel    domain.Channel `json:"channel,omitempty"`
	Address    string         `json:"address,omitempty"`
	Text       string         `json:"text"`
	At         time.Time      `json:"at"`
}

// KafkaProducer publishes notifications and tickets as JSON records. It
// implements both Notifier and TicketSink.
type KafkaProducer struct {
	producer    sarama.SyncProducer
	NotifyTopic string
	TicketTopic string
}

// NewSaramaConfig returns the producer settings used for outbound records.
func NewSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return cfg
}

// NewKafkaProducer dials brokers and returns a producer for the given topics.
func NewKafkaProducer(brokers []string, cfg *sarama.Config, notifyTopic, ticketTopic string) (*KafkaProducer, error) {
	if cfg == nil {
		cfg = NewSaramaConfig()
	}
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafkaProducerWith(p, notifyTopic, ticketTopic), nil
}

// NewKafkaProducerWith wraps an existing sync producer.
func NewKafkaProducerWith(p sarama.SyncProducer, notifyTopic, ticketTopic string) *KafkaProducer {
	return &KafkaProducer{producer: p, NotifyTopic: notifyTopic, TicketTopic: ticketTopic}
}

func (k *KafkaProducer) send(ctx context.Context, topic, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("topic", topic).Msg("kafka send failed")
		return err
	}
	log.Ctx(ctx).Debug().Str("topic", topic).Int32("partition", partition).Int64("offset", offset).Msg("kafka record sent")
	return nil
}

// NotifyOperator implements Notifier.
func (k *KafkaProducer) NotifyOperator(ctx context.Context, operatorID, text string) error {
	return k.send(ctx, k.NotifyTopic, operatorID, Notification{
		Kind: "operator", OperatorID: operatorID, Text: text, At: time.Now().UTC(),
	})
}

// NotifyUser implements Notifier.
func (k *KafkaProducer) NotifyUser(ctx context.Context, channel domain.Channel, address, text string) error {
	return k.send(ctx, k.NotifyTopic, address, Notification{
		Kind: "user", Channel: channel, Address: address, Text: text, At: time.Now().UTC(),
	})
}

// Open implements TicketSink. Records are keyed by session so a session's
// tickets stay on one partition.
func (k *KafkaProducer) Open(ctx context.Context, t Ticket) error {
	return k.send(ctx, k.TicketTopic, t.SessionID, t)
}

// Close flushes and closes the underlying producer.
func (k *KafkaProducer) Close() error { return k.producer.Close() }
