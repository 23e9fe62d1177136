package events

import (
	"strings"

	"github.com/IBM/sarama"
	"github.com/ganamos/backend/pkg/logger"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type KafkaConfig struct {
	Brokers       []string
	MaxRetryCount int
}

// LoadKafkaConfig reads kafka.* keys. No brokers means publishing is off.
func LoadKafkaConfig() KafkaConfig {
	viper.SetDefault("kafka.max_retry_count", 5)

	var brokers []string
	for _, b := range strings.Split(viper.GetString("kafka.brokers"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return KafkaConfig{
		Brokers:       brokers,
		MaxRetryCount: viper.GetInt("kafka.max_retry_count"),
	}
}

func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// Publisher sends outbox payloads to Kafka.
type Publisher struct {
	producer sarama.SyncProducer
}

func NewProducer(cfg KafkaConfig) (sarama.SyncProducer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true

	return sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
}

func NewPublisher(producer sarama.SyncProducer) *Publisher {
	return &Publisher{producer: producer}
}

func (p *Publisher) Publish(topic, key, value string) error {
	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	})
	if err != nil {
		return err
	}
	logger.Debug("[EVENTS] published",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}
