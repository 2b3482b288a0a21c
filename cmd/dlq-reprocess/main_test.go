package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/rescuebag/internal/messaging/kafka"
)

var replayTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeOffsets struct {
	partitions    []int32
	partitionsErr error
	oldest        map[int32]int64
	newest        map[int32]int64
	closed        bool
}

func (f *fakeOffsets) GetOffset(_ string, partition int32, at int64) (int64, error) {
	if at == sarama.OffsetOldest {
		return f.oldest[partition], nil
	}
	return f.newest[partition], nil
}

func (f *fakeOffsets) Partitions(string) ([]int32, error) {
	return f.partitions, f.partitionsErr
}

func (f *fakeOffsets) Close() error {
	f.closed = true
	return nil
}

type fakePartition struct {
	messages chan *sarama.ConsumerMessage
	errs     chan *sarama.ConsumerError
}

func (p *fakePartition) Messages() <-chan *sarama.ConsumerMessage { return p.messages }
func (p *fakePartition) Errors() <-chan *sarama.ConsumerError     { return p.errs }
func (p *fakePartition) Close() error                             { return nil }

type fakeSource struct {
	letters map[int32][]*sarama.ConsumerMessage
	starts  map[int32]int64
}

func (s *fakeSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	if s.starts == nil {
		s.starts = make(map[int32]int64)
	}
	s.starts[partition] = offset

	msgs := make(chan *sarama.ConsumerMessage, len(s.letters[partition]))
	for _, msg := range s.letters[partition] {
		if msg.Offset >= offset {
			msgs <- msg
		}
	}
	return &fakePartition{messages: msgs, errs: make(chan *sarama.ConsumerError)}, nil
}

func (s *fakeSource) Close() error { return nil }

type fakeProducer struct {
	sent []*sarama.ProducerMessage
	err  error
}

func (p *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	if p.err != nil {
		return 0, 0, p.err
	}
	p.sent = append(p.sent, msg)
	return 0, int64(len(p.sent)), nil
}

func (p *fakeProducer) Close() error { return nil }

func quietEntry() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

func consumerLetter(t *testing.T, partition int32, offset int64) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(kafka.DeadLetter{
		Source:        kafka.DeadLetterSourceConsumer,
		OriginalTopic: kafka.TopicPaymentOutcomes,
		OriginalKey:   "order-1",
		OriginalValue: `{"order_id":"order-1","outcome":"succeeded"}`,
		Error:         "boom",
		RetryCount:    3,
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: kafka.TopicDeadLetterQueue, Partition: partition, Offset: offset, Value: raw}
}

func outboxLetter(t *testing.T, partition int32, offset int64) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(kafka.DeadLetter{
		Source: kafka.DeadLetterSourceOutbox,
		Event: &kafka.Envelope{
			ID:            "evt-1",
			AggregateType: "order",
			AggregateID:   "order-7",
			EventType:     kafka.EventTypeFor("order.paid"),
			Payload:       json.RawMessage(`{"status":"PAID"}`),
			PublishedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Error:      "broker down",
		RetryCount: 10,
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: kafka.TopicDeadLetterQueue, Partition: partition, Offset: offset, Value: raw}
}

func testConfig() config {
	return config{
		brokers:     []string{"localhost:9092"},
		dlqTopic:    kafka.TopicDeadLetterQueue,
		eventsTopic: kafka.TopicOrderEvents,
		only:        sourceAll,
		limit:       100,
		idleTimeout: 50 * time.Millisecond,
	}
}

func newTestReplayer(cfg config, offsets *fakeOffsets, source *fakeSource, producer *fakeProducer) *replayer {
	r := &replayer{
		cfg:     cfg,
		offsets: offsets,
		source:  source,
		logger:  quietEntry(),
		now:     func() time.Time { return replayTime },
	}
	if producer != nil {
		r.producer = producer
	}
	return r
}

func TestParseBrokers(t *testing.T) {
	require.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, parseBrokers(" broker-1:9092, ,broker-2:9092 "))
	require.Empty(t, parseBrokers(" , "))
}

func TestReadConfig(t *testing.T) {
	noEnv := func(string) string { return "" }

	cfg, err := readConfig([]string{"-brokers", "b1:9092,b2:9092", "-only", "OUTBOX", "-execute"}, noEnv)
	require.NoError(t, err)
	require.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.brokers)
	require.Equal(t, kafka.DeadLetterSourceOutbox, cfg.only)
	require.True(t, cfg.execute)
	require.Equal(t, kafka.TopicDeadLetterQueue, cfg.dlqTopic)
	require.Equal(t, kafka.TopicOrderEvents, cfg.eventsTopic)
	require.Equal(t, defaultReplayLimit, cfg.limit)

	cfg, err = readConfig(nil, func(key string) string {
		if key == brokersEnv {
			return "env-broker:9092"
		}
		return ""
	})
	require.NoError(t, err)
	require.Equal(t, []string{"env-broker:9092"}, cfg.brokers)
	require.False(t, cfg.execute)

	cases := map[string][]string{
		"no brokers":   {},
		"bad only":     {"-brokers", "b:9092", "-only", "payments"},
		"zero limit":   {"-brokers", "b:9092", "-limit", "0"},
		"zero idle":    {"-brokers", "b:9092", "-idle-timeout", "0s"},
		"empty topic":  {"-brokers", "b:9092", "-dlq-topic", " "},
		"empty events": {"-brokers", "b:9092", "-events-topic", ""},
		"unknown flag": {"-brokers", "b:9092", "-force"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := readConfig(args, noEnv)
			require.Error(t, err)
		})
	}
}

func TestPlanReplay_Consumer(t *testing.T) {
	letter, err := kafka.ParseDeadLetter(consumerLetter(t, 0, 0))
	require.NoError(t, err)

	msg, err := planReplay(letter, kafka.TopicOrderEvents, replayTime)
	require.NoError(t, err)
	require.Equal(t, kafka.TopicPaymentOutcomes, msg.topic)
	require.Equal(t, "order-1", msg.key)
	require.JSONEq(t, `{"order_id":"order-1","outcome":"succeeded"}`, string(msg.value))
}

func TestPlanReplay_OutboxRefreshesPublishedAt(t *testing.T) {
	letter, err := kafka.ParseDeadLetter(outboxLetter(t, 0, 0))
	require.NoError(t, err)

	msg, err := planReplay(letter, "custom.events", replayTime)
	require.NoError(t, err)
	require.Equal(t, "custom.events", msg.topic)
	require.Equal(t, "order-7", msg.key)

	var envelope kafka.Envelope
	require.NoError(t, json.Unmarshal(msg.value, &envelope))
	require.Equal(t, "evt-1", envelope.ID)
	require.True(t, envelope.PublishedAt.Equal(replayTime))
	require.JSONEq(t, `{"status":"PAID"}`, string(envelope.Payload))
}

func TestPlanReplay_RejectsIncompleteLetters(t *testing.T) {
	cases := map[string]*kafka.DeadLetter{
		"consumer without value": {Source: kafka.DeadLetterSourceConsumer, OriginalTopic: "t"},
		"consumer without topic": {Source: kafka.DeadLetterSourceConsumer, OriginalValue: "{}"},
		"outbox without event":   {Source: kafka.DeadLetterSourceOutbox},
		"unknown source":         {Source: "cron"},
	}
	for name, letter := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := planReplay(letter, kafka.TopicOrderEvents, replayTime)
			require.Error(t, err)
		})
	}
}

func TestReplayer_DryRunDoesNotPublish(t *testing.T) {
	offsets := &fakeOffsets{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 2},
	}
	source := &fakeSource{letters: map[int32][]*sarama.ConsumerMessage{
		0: {consumerLetter(t, 0, 0), outboxLetter(t, 0, 1)},
	}}

	stats, err := newTestReplayer(testConfig(), offsets, source, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, replayStats{scanned: 2, replayed: 2}, stats)
}

func TestReplayer_ExecutePublishesBothSources(t *testing.T) {
	cfg := testConfig()
	cfg.execute = true

	offsets := &fakeOffsets{
		partitions: []int32{1, 0},
		oldest:     map[int32]int64{0: 0, 1: 0},
		newest:     map[int32]int64{0: 1, 1: 2},
	}
	garbage := &sarama.ConsumerMessage{Partition: 1, Offset: 1, Value: []byte("not-json")}
	source := &fakeSource{letters: map[int32][]*sarama.ConsumerMessage{
		0: {consumerLetter(t, 0, 0)},
		1: {outboxLetter(t, 1, 0), garbage},
	}}
	producer := &fakeProducer{}

	stats, err := newTestReplayer(cfg, offsets, source, producer).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, replayStats{scanned: 3, replayed: 2, skipped: 1}, stats)

	require.Len(t, producer.sent, 2)
	require.Equal(t, kafka.TopicPaymentOutcomes, producer.sent[0].Topic)
	require.Equal(t, kafka.TopicOrderEvents, producer.sent[1].Topic)
	require.Equal(t, headerReplayedAt, string(producer.sent[1].Headers[0].Key))
	require.Equal(t, replayTime.Format(time.RFC3339), string(producer.sent[1].Headers[0].Value))
}

func TestReplayer_OnlyFilterSkipsOtherSource(t *testing.T) {
	cfg := testConfig()
	cfg.execute = true
	cfg.only = kafka.DeadLetterSourceOutbox

	offsets := &fakeOffsets{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 2},
	}
	source := &fakeSource{letters: map[int32][]*sarama.ConsumerMessage{
		0: {consumerLetter(t, 0, 0), outboxLetter(t, 0, 1)},
	}}
	producer := &fakeProducer{}

	stats, err := newTestReplayer(cfg, offsets, source, producer).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, replayStats{scanned: 2, replayed: 1, skipped: 1}, stats)
	require.Len(t, producer.sent, 1)
	require.Equal(t, kafka.TopicOrderEvents, producer.sent[0].Topic)
}

func TestReplayer_LimitAndFromNewest(t *testing.T) {
	cfg := testConfig()
	cfg.limit = 2
	cfg.fromNewest = true

	offsets := &fakeOffsets{
		partitions: []int32{0, 1},
		oldest:     map[int32]int64{0: 0, 1: 0},
		newest:     map[int32]int64{0: 5, 1: 1},
	}
	letters := make([]*sarama.ConsumerMessage, 0, 5)
	for i := int64(0); i < 5; i++ {
		letters = append(letters, consumerLetter(t, 0, i))
	}
	source := &fakeSource{letters: map[int32][]*sarama.ConsumerMessage{
		0: letters,
		1: {consumerLetter(t, 1, 0)},
	}}

	stats, err := newTestReplayer(cfg, offsets, source, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.scanned)
	require.Equal(t, int64(3), source.starts[0])
	_, touched := source.starts[1]
	require.False(t, touched, "limit exhausted before second partition")
}

func TestReplayer_EmptyPartitionIsSkipped(t *testing.T) {
	offsets := &fakeOffsets{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 4},
		newest:     map[int32]int64{0: 4},
	}
	source := &fakeSource{}

	stats, err := newTestReplayer(testConfig(), offsets, source, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, replayStats{}, stats)
	require.Empty(t, source.starts)
}

func TestReplayer_Errors(t *testing.T) {
	t.Run("partitions", func(t *testing.T) {
		offsets := &fakeOffsets{partitionsErr: errors.New("metadata unavailable")}
		_, err := newTestReplayer(testConfig(), offsets, &fakeSource{}, nil).Run(context.Background())
		require.ErrorContains(t, err, "get partitions")
	})

	t.Run("execute without producer", func(t *testing.T) {
		cfg := testConfig()
		cfg.execute = true
		_, err := newTestReplayer(cfg, &fakeOffsets{}, &fakeSource{}, nil).Run(context.Background())
		require.ErrorContains(t, err, "producer is required")
	})

	t.Run("publish failure", func(t *testing.T) {
		cfg := testConfig()
		cfg.execute = true
		offsets := &fakeOffsets{
			partitions: []int32{0},
			oldest:     map[int32]int64{0: 0},
			newest:     map[int32]int64{0: 1},
		}
		source := &fakeSource{letters: map[int32][]*sarama.ConsumerMessage{0: {consumerLetter(t, 0, 0)}}}
		producer := &fakeProducer{err: errors.New("not leader")}

		stats, err := newTestReplayer(cfg, offsets, source, producer).Run(context.Background())
		require.ErrorContains(t, err, "publish replay message")
		require.Equal(t, 1, stats.scanned)
	})

	t.Run("canceled context", func(t *testing.T) {
		cfg := testConfig()
		cfg.idleTimeout = time.Minute
		offsets := &fakeOffsets{
			partitions: []int32{0},
			oldest:     map[int32]int64{0: 0},
			newest:     map[int32]int64{0: 10},
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := newTestReplayer(cfg, offsets, &fakeSource{}, nil).Run(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestRun_UsesConnectAndClosesClients(t *testing.T) {
	offsets := &fakeOffsets{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 1},
	}
	source := &fakeSource{letters: map[int32][]*sarama.ConsumerMessage{0: {outboxLetter(t, 0, 0)}}}
	producer := &fakeProducer{}

	original := connect
	t.Cleanup(func() { connect = original })
	connect = func(config) (offsetClient, partitionSource, replayProducer, error) {
		return offsets, source, producer, nil
	}

	cfg := testConfig()
	cfg.execute = true
	stats, err := run(context.Background(), cfg, quietEntry())
	require.NoError(t, err)
	require.Equal(t, 1, stats.replayed)
	require.Len(t, producer.sent, 1)
	require.True(t, offsets.closed)
}

func TestRun_ConnectError(t *testing.T) {
	original := connect
	t.Cleanup(func() { connect = original })
	connect = func(config) (offsetClient, partitionSource, replayProducer, error) {
		return nil, nil, nil, errors.New("dial tcp: refused")
	}

	_, err := run(context.Background(), testConfig(), quietEntry())
	require.ErrorContains(t, err, "refused")
}

func TestMain_ExitsWithoutBrokers(t *testing.T) {
	if os.Getenv("DLQ_REPROCESS_SUBPROCESS") == "1" {
		os.Args = []string{"dlq-reprocess"}
		main()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestMain_ExitsWithoutBrokers")
	cmd.Env = append(filterEnv(os.Environ(), brokersEnv), "DLQ_REPROCESS_SUBPROCESS=1")
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 1, exitErr.ExitCode())
	require.Contains(t, string(out), "kafka brokers are required")
}

func filterEnv(env []string, key string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, key+"=") {
			out = append(out, kv)
		}
	}
	return out
}
