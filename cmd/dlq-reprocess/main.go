// Команда dlq-reprocess переигрывает сообщения из DLQ: входящие сообщения
// возвращаются в исходный топик, события outbox публикуются заново в топик
// событий заказа. По умолчанию работает в режиме dry-run.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	brokersEnv         = "RESCUEBAG_KAFKA_BROKERS"

	headerReplayedAt = "x-replayed-at"

	sourceAll = "all"
)

type config struct {
	brokers     []string
	dlqTopic    string
	eventsTopic string
	only        string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// replayMessage: сообщение, которое будет отправлено повторно.
type replayMessage struct {
	topic string
	key   string
	value []byte
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type replayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error {
	if s.consumer == nil {
		return nil
	}
	return s.consumer.Close()
}

// connect открывает клиента, consumer и (в режиме execute) producer.
var connect = func(cfg config) (offsetClient, partitionSource, replayProducer, error) {
	clientConfig := sarama.NewConfig()
	clientConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, clientConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	source := saramaSource{consumer: consumer}
	if !cfg.execute {
		return client, source, nil, nil
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Idempotent = true
	producerConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.brokers, producerConfig)
	if err != nil {
		_ = source.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return client, source, producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if _, err := run(ctx, cfg, log.WithField("component", "dlq-reprocess")); err != nil {
		stop()
		fail("dlq replay failed: %v", err)
	}
}

func readConfig(args []string, getenv func(string) string) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+brokersEnv+")")
	fs.StringVar(&cfg.dlqTopic, "dlq-topic", kafka.TopicDeadLetterQueue, "DLQ topic to scan")
	fs.StringVar(&cfg.eventsTopic, "events-topic", kafka.TopicOrderEvents, "topic for replayed outbox events")
	fs.StringVar(&cfg.only, "only", sourceAll, "replay only letters of this source: all|consumer|outbox")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = getenv(brokersEnv)
	}
	cfg.brokers = parseBrokers(brokersRaw)
	cfg.dlqTopic = strings.TrimSpace(cfg.dlqTopic)
	cfg.eventsTopic = strings.TrimSpace(cfg.eventsTopic)
	cfg.only = strings.ToLower(strings.TrimSpace(cfg.only))

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", brokersEnv)
	case cfg.dlqTopic == "":
		return config{}, errors.New("dlq-topic is required")
	case cfg.eventsTopic == "":
		return config{}, errors.New("events-topic is required")
	case cfg.only != sourceAll && cfg.only != kafka.DeadLetterSourceConsumer && cfg.only != kafka.DeadLetterSourceOutbox:
		return config{}, fmt.Errorf("unsupported -only value %q", cfg.only)
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config, logger *log.Entry) (replayStats, error) {
	logger.WithFields(log.Fields{
		"dlq_topic":    cfg.dlqTopic,
		"events_topic": cfg.eventsTopic,
		"only":         cfg.only,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
		"from_newest":  cfg.fromNewest,
	}).Info("starting dlq replay")

	offsets, source, producer, err := connect(cfg)
	if err != nil {
		return replayStats{}, err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		if source != nil {
			_ = source.Close()
		}
		if offsets != nil {
			_ = offsets.Close()
		}
	}()

	r := &replayer{cfg: cfg, offsets: offsets, source: source, producer: producer, logger: logger, now: time.Now}
	return r.Run(ctx)
}

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

func (s *replayStats) add(other replayStats) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.skipped += other.skipped
}

type replayer struct {
	cfg      config
	offsets  offsetClient
	source   partitionSource
	producer replayProducer
	logger   *log.Entry
	now      func() time.Time
}

// Run обходит партиции DLQ по возрастанию номера, пока не исчерпан limit.
func (r *replayer) Run(ctx context.Context) (replayStats, error) {
	var total replayStats
	if r.offsets == nil || r.source == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if r.cfg.execute && r.producer == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := r.offsets.Partitions(r.cfg.dlqTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", r.cfg.dlqTopic, err)
	}
	if len(partitions) == 0 {
		r.logger.WithField("topic", r.cfg.dlqTopic).Warn("dlq topic has no partitions")
		return total, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		budget := r.cfg.limit - total.scanned
		if budget <= 0 {
			break
		}
		stats, err := r.replayPartition(ctx, partition, budget)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}

	mode := "dry-run"
	if r.cfg.execute {
		mode = "execute"
	}
	r.logger.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  total.scanned,
		"replayed": total.replayed,
		"skipped":  total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

// replayPartition читает партицию до снимка newest, budget сообщений или простоя idleTimeout.
func (r *replayer) replayPartition(ctx context.Context, partition int32, budget int) (replayStats, error) {
	var stats replayStats

	oldest, err := r.offsets.GetOffset(r.cfg.dlqTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.offsets.GetOffset(r.cfg.dlqTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if r.cfg.fromNewest {
		start = max(newest-int64(budget), oldest)
	}

	pc, err := r.source.ConsumePartition(r.cfg.dlqTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for stats.scanned < budget {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.cfg.idleTimeout)

			stats.scanned++
			replayed, err := r.handle(msg)
			if err != nil {
				return stats, err
			}
			if replayed {
				stats.replayed++
			} else {
				stats.skipped++
			}
			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// handle разбирает одно письмо DLQ. Нераспознанные письма пропускаются с предупреждением.
func (r *replayer) handle(msg *sarama.ConsumerMessage) (bool, error) {
	fields := log.Fields{"partition": msg.Partition, "offset": msg.Offset}

	letter, err := kafka.ParseDeadLetter(msg)
	if err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("skip unsupported dlq message")
		return false, nil
	}
	if r.cfg.only != sourceAll && letter.Source != r.cfg.only {
		return false, nil
	}

	replay, err := planReplay(letter, r.cfg.eventsTopic, r.now())
	if err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("skip dlq message without replayable payload")
		return false, nil
	}

	fields["source"] = letter.Source
	fields["target_topic"] = replay.topic
	fields["key"] = replay.key
	fields["retry_count"] = letter.RetryCount
	if !r.cfg.execute {
		r.logger.WithFields(fields).Info("dlq replay candidate")
		return true, nil
	}

	if err := publishReplay(r.producer, replay, r.now()); err != nil {
		return false, fmt.Errorf("publish replay message: %w", err)
	}
	r.logger.WithFields(fields).Info("dlq message replayed")
	return true, nil
}

// planReplay определяет, куда и что переотправить для письма DLQ.
func planReplay(letter *kafka.DeadLetter, eventsTopic string, now time.Time) (replayMessage, error) {
	switch letter.Source {
	case kafka.DeadLetterSourceConsumer:
		if letter.OriginalValue == "" {
			return replayMessage{}, errors.New("consumer dead letter without original value")
		}
		if strings.TrimSpace(letter.OriginalTopic) == "" {
			return replayMessage{}, errors.New("consumer dead letter without original topic")
		}
		return replayMessage{
			topic: letter.OriginalTopic,
			key:   letter.OriginalKey,
			value: []byte(letter.OriginalValue),
		}, nil
	case kafka.DeadLetterSourceOutbox:
		if letter.Event == nil {
			return replayMessage{}, errors.New("outbox dead letter without event")
		}
		event := *letter.Event
		event.PublishedAt = now.UTC()
		encoded, err := json.Marshal(event)
		if err != nil {
			return replayMessage{}, fmt.Errorf("encode replay envelope: %w", err)
		}
		return replayMessage{topic: eventsTopic, key: event.Key(), value: encoded}, nil
	default:
		return replayMessage{}, fmt.Errorf("unknown dead letter source %q", letter.Source)
	}
}

func publishReplay(producer replayProducer, msg replayMessage, now time.Time) error {
	if producer == nil {
		return errors.New("producer is nil")
	}

	_, _, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic:     msg.topic,
		Key:       sarama.StringEncoder(msg.key),
		Value:     sarama.ByteEncoder(msg.value),
		Headers:   []sarama.RecordHeader{{Key: []byte(headerReplayedAt), Value: []byte(now.UTC().Format(time.RFC3339))}},
		Timestamp: now.UTC(),
	})
	return err
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
