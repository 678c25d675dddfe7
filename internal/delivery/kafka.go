package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"opportunity-dispatch/internal/opportunity"
)

// KafkaOptions configure the delivery job producer.
type KafkaOptions struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	Compression  string        `mapstructure:"compression"`
	RequiredAcks int           `mapstructure:"required_acks"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes one delivery job per recipient, keyed by user so a
// user's jobs stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
	now    func() time.Time
	logger zerolog.Logger
}

// NewKafkaSink builds a hash-balanced writer for opts.Topic.
func NewKafkaSink(opts KafkaOptions, logger zerolog.Logger) (*KafkaSink, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if opts.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 50 * time.Millisecond
	}
	acks := kafka.RequireAll
	if opts.RequiredAcks > 0 {
		acks = kafka.RequiredAcks(opts.RequiredAcks)
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: acks,
		Compression:  parseCompression(opts.Compression),
		MaxAttempts:  opts.MaxAttempts,
		WriteTimeout: opts.WriteTimeout,
		BatchTimeout: opts.BatchTimeout,
	}
	return newKafkaSink(w, opts.Topic, logger), nil
}

func newKafkaSink(w messageWriter, topic string, logger zerolog.Logger) *KafkaSink {
	return &KafkaSink{
		writer: w,
		topic:  topic,
		now:    time.Now,
		logger: logger.With().Str("component", "delivery_kafka").Str("topic", topic).Logger(),
	}
}

// Deliver enqueues a delivery job.
func (s *KafkaSink) Deliver(ctx context.Context, userID string, opp opportunity.Opportunity) error {
	job := Job{UserID: userID, Opportunity: opp, QueuedAt: s.now().UTC()}
	value, err := json.Marshal(job)
	if err != nil {
		return failed("kafka.marshal", err)
	}

	msg := kafka.Message{
		Key:   []byte(userID),
		Value: value,
		Time:  job.QueuedAt,
		Headers: []kafka.Header{
			{Key: "opportunity_id", Value: []byte(opp.ID)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return failed("kafka.publish", err)
	}
	s.logger.Debug().Str("user_id", userID).Str("opportunity_id", opp.ID).Msg("delivery job published")
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func parseCompression(s string) kafka.Compression {
	switch s {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Snappy
	}
}

var _ Sink = (*KafkaSink)(nil)
