package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// Keyed payloads choose their own partition key so that events for one slot stay ordered
type Keyed interface {
	PartitionKey() string
}

// Producer implements models.MessagePublisher over a synchronous sarama producer
type Producer struct {
	producer     sarama.SyncProducer
	defaultTopic string
	logger       zerolog.Logger
}

// NewProducer creates a producer that waits for all in-sync replicas
func NewProducer(brokers []string, topic, clientID string, logger zerolog.Logger) (*Producer, error) {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	logger.Info().Strs("brokers", brokers).Str("topic", topic).Msg("Kafka producer ready")
	return newProducer(producer, topic, logger), nil
}

func newProducer(producer sarama.SyncProducer, topic string, logger zerolog.Logger) *Producer {
	return &Producer{producer: producer, defaultTopic: topic, logger: logger}
}

// Publish sends data as JSON. An empty topic uses the producer's default topic.
func (p *Producer) Publish(topic string, data interface{}) error {
	if topic == "" {
		topic = p.defaultTopic
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(payload),
	}
	if keyed, ok := data.(Keyed); ok {
		msg.Key = sarama.StringEncoder(keyed.PartitionKey())
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send to kafka topic %s: %w", topic, err)
	}

	p.logger.Debug().
		Str("topic", topic).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("Sent message to Kafka")
	return nil
}

func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}
