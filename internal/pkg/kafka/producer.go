package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/Gopher0727/Bazaar/config"
	"github.com/Gopher0727/Bazaar/internal/model"
)

const retryBackoff = 100 * time.Millisecond

// Producer wraps a sarama SyncProducer bound to one topic.
type Producer struct {
	producer   sarama.SyncProducer
	topic      string
	maxRetries int
}

// NewProducer connects to the configured brokers.
func NewProducer(cfg *config.KafkaConfig) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = cfg.MaxRetries
	saramaConfig.Producer.Retry.Backoff = retryBackoff
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1

	saramaConfig.Net.DialTimeout = 10 * time.Second
	saramaConfig.Net.ReadTimeout = 10 * time.Second
	saramaConfig.Net.WriteTimeout = 10 * time.Second
	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond
	saramaConfig.Metadata.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewProducerWith(producer, cfg.Topic, cfg.MaxRetries), nil
}

// NewProducerWith adopts an existing SyncProducer.
func NewProducerWith(producer sarama.SyncProducer, topic string, maxRetries int) *Producer {
	return &Producer{producer: producer, topic: topic, maxRetries: maxRetries}
}

// Produce sends one message. key selects the partition.
func (p *Producer) Produce(ctx context.Context, key, value []byte) (partition int32, offset int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}

	partition, offset, err = p.producer.SendMessage(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to send message to topic %s: %w", p.topic, err)
	}
	return partition, offset, nil
}

// ProduceWithRetry retries Produce with exponential backoff on top of the
// client's own retries.
func (p *Producer) ProduceWithRetry(ctx context.Context, key, value []byte) (partition int32, offset int64, err error) {
	var lastErr error
	backoff := retryBackoff
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		partition, offset, err = p.Produce(ctx, key, value)
		if err == nil {
			return partition, offset, nil
		}
		lastErr = err

		if attempt < p.maxRetries {
			select {
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return 0, 0, fmt.Errorf("failed to send message after %d attempts: %w", p.maxRetries+1, lastErr)
}

func (p *Producer) Close() error {
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			return fmt.Errorf("failed to close kafka producer: %w", err)
		}
	}
	return nil
}

// MembershipEventPublisher writes membership transitions to Kafka, keyed by
// forum id so each forum's events stay ordered within a partition.
type MembershipEventPublisher struct {
	producer *Producer
}

func NewMembershipEventPublisher(producer *Producer) *MembershipEventPublisher {
	return &MembershipEventPublisher{producer: producer}
}

func (p *MembershipEventPublisher) PublishMembershipEvent(ctx context.Context, event model.MembershipEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal membership event: %w", err)
	}
	_, _, err = p.producer.ProduceWithRetry(ctx, []byte(event.ForumID), value)
	return err
}
