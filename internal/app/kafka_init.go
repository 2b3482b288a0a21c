package app

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/messaging/kafka"
)

const (
	paymentConsumerMaxRetries = 3
	paymentConsumerRetryDelay = time.Second
)

func splitBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := splitBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// initPaymentConsumer подписывается на топик результатов оплаты.
// Сообщения, не обработанные за paymentConsumerMaxRetries попыток, уходят в DLQ.
func initPaymentConsumer(cfg Config, handler kafka.MessageHandler, dlq *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	brokerList := splitBrokers(cfg.KafkaBrokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	return kafka.NewConsumerWithDLQ(kafka.ConsumerConfig{
		Brokers:    brokerList,
		GroupID:    cfg.KafkaGroupID,
		Topics:     []string{cfg.KafkaPaymentTopic},
		DLQTopic:   cfg.KafkaDLQTopic,
		MaxRetries: paymentConsumerMaxRetries,
		RetryDelay: paymentConsumerRetryDelay,
	}, handler, dlq, logger.WithField("component", "payment-consumer"))
}

// closeKafkaProducer закрывает Kafka producer если он не nil.
func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

func stopKafkaConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop kafka consumer")
	}
}
