package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"

	apperrors "github.com/jittakal/csvexport/internal/errors"
)

var _ DeadLetterPublisher = (*DLQPublisher)(nil)

// DLQEvent is the body of a dead letter message. The original value is kept
// as text because it failed to parse as a record.
type DLQEvent struct {
	OriginalValue     string    `json:"original_value"`
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	FailureReason     string    `json:"failure_reason"`
	FailureTimestamp  time.Time `json:"failure_timestamp"`
	ProcessorID       string    `json:"processor_id"`
}

// DLQConfig contains DLQ configuration.
type DLQConfig struct {
	Enabled bool
	// TopicSuffix is appended to the source topic: orders -> orders-dlq.
	TopicSuffix string
}

// DLQPublisher publishes messages that could not be exported to a dead
// letter topic named after the source topic.
type DLQPublisher struct {
	producer    sarama.SyncProducer
	config      DLQConfig
	logger      *slog.Logger
	metrics     MetricsCollector
	processorID string

	mu     sync.RWMutex
	closed bool
}

// NewDLQPublisher connects an idempotent sync producer using the consumer's
// security settings. A disabled DLQ needs no broker connection.
func NewDLQPublisher(
	bootstrapServers []string,
	securityConfig ConsumerConfig,
	dlqConfig DLQConfig,
	logger *slog.Logger,
	metrics MetricsCollector,
	processorID string,
) (*DLQPublisher, error) {
	if !dlqConfig.Enabled {
		logger.Info("DLQ is disabled")
		return newDLQPublisher(nil, dlqConfig, logger, metrics, processorID), nil
	}
	if dlqConfig.TopicSuffix == "" {
		return nil, fmt.Errorf("%w: DLQ topic suffix is required", apperrors.ErrInvalidConfig)
	}

	saramaConfig, err := newProducerConfig(securityConfig)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(bootstrapServers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync producer: %w", err)
	}

	logger.Info("DLQ publisher created",
		"bootstrap_servers", bootstrapServers,
		"topic_suffix", dlqConfig.TopicSuffix,
	)
	return newDLQPublisher(producer, dlqConfig, logger, metrics, processorID), nil
}

func newDLQPublisher(
	producer sarama.SyncProducer,
	config DLQConfig,
	logger *slog.Logger,
	metrics MetricsCollector,
	processorID string,
) *DLQPublisher {
	return &DLQPublisher{
		producer:    producer,
		config:      config,
		logger:      logger,
		metrics:     metrics,
		processorID: processorID,
	}
}

// newProducerConfig returns settings for exactly-once delivery to the DLQ.
func newProducerConfig(securityConfig ConsumerConfig) (*sarama.Config, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	if err := configureSecurity(config, securityConfig); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	return config, nil
}

// Topic returns the dead letter topic for a source topic.
func (p *DLQPublisher) Topic(source string) string {
	return source + p.config.TopicSuffix
}

// Publish sends a message that failed to parse to the DLQ. With the DLQ
// disabled the message is only logged.
func (p *DLQPublisher) Publish(ctx context.Context, msg *sarama.ConsumerMessage, reason string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return apperrors.ErrSourceClosed
	}

	if !p.config.Enabled {
		p.logger.Warn("DLQ disabled, dropping message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"reason", reason,
		)
		return nil
	}

	out, err := p.deadLetter(msg, reason)
	if err != nil {
		return err
	}

	partition, offset, err := p.producer.SendMessage(out)
	if err != nil {
		p.logger.Error("failed to publish to DLQ",
			"error", err,
			"dlq_topic", out.Topic,
			"original_offset", msg.Offset,
		)
		p.record(msg.Topic, "failure")
		return fmt.Errorf("failed to send message to DLQ: %w", err)
	}

	p.logger.Info("published message to DLQ",
		"dlq_topic", out.Topic,
		"partition", partition,
		"offset", offset,
		"original_offset", msg.Offset,
		"reason", reason,
	)
	p.record(msg.Topic, "success")
	return nil
}

func (p *DLQPublisher) deadLetter(msg *sarama.ConsumerMessage, reason string) (*sarama.ProducerMessage, error) {
	now := time.Now().UTC()
	body, err := json.Marshal(DLQEvent{
		OriginalValue:     string(msg.Value),
		OriginalTopic:     msg.Topic,
		OriginalPartition: msg.Partition,
		OriginalOffset:    msg.Offset,
		FailureReason:     reason,
		FailureTimestamp:  now,
		ProcessorID:       p.processorID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal DLQ event: %w", err)
	}

	out := &sarama.ProducerMessage{
		Topic:     p.Topic(msg.Topic),
		Value:     sarama.ByteEncoder(body),
		Headers:   deadLetterHeaders(msg, reason, p.processorID),
		Timestamp: now,
	}
	// Keep the key so dead letters land on a partition matching the source.
	if len(msg.Key) > 0 {
		out.Key = sarama.ByteEncoder(msg.Key)
	}
	return out, nil
}

func deadLetterHeaders(msg *sarama.ConsumerMessage, reason, processorID string) []sarama.RecordHeader {
	header := func(k, v string) sarama.RecordHeader {
		return sarama.RecordHeader{Key: []byte(k), Value: []byte(v)}
	}
	return []sarama.RecordHeader{
		header("failure_reason", reason),
		header("original_topic", msg.Topic),
		header("original_partition", strconv.FormatInt(int64(msg.Partition), 10)),
		header("original_offset", strconv.FormatInt(msg.Offset, 10)),
		header("processor_id", processorID),
	}
}

func (p *DLQPublisher) record(topic, status string) {
	if p.metrics != nil {
		p.metrics.IncDLQPublished(topic, status)
	}
}

// Close closes the producer. Publish fails with ErrSourceClosed afterwards.
func (p *DLQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			p.logger.Error("error closing DLQ producer", "error", err)
			return err
		}
	}
	p.logger.Info("DLQ publisher closed")
	return nil
}
