// Package kafka implements a record source backed by a Kafka consumer group.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/aws/aws-msk-iam-sasl-signer-go/signer"

	apperrors "github.com/jittakal/csvexport/internal/errors"
	"github.com/jittakal/csvexport/pkg/record"
	"github.com/jittakal/csvexport/pkg/source"
)

// Ensure implementation satisfies interfaces at compile time.
var (
	_ source.Source = (*Source)(nil)
	_ source.Acker  = (*Source)(nil)
)

// Metadata column names added when ConsumerConfig.MetadataColumns is set.
const (
	ColumnTopic     = "kafka_topic"
	ColumnPartition = "kafka_partition"
	ColumnOffset    = "kafka_offset"
	ColumnTimestamp = "kafka_timestamp"
)

// ConsumerConfig contains Kafka consumer configuration.
type ConsumerConfig struct {
	BootstrapServers      []string
	GroupID               string
	Topics                []string
	SecurityProtocol      string
	SASLMechanism         string
	SASLUsername          string
	SASLPassword          string
	AWSRegion             string
	TLSInsecureSkipVerify bool
	AutoOffsetReset       string
	MaxPollIntervalMS     int
	SessionTimeoutMS      int
	HeartbeatIntervalMS   int
	// IdleTimeout ends the source with io.EOF when no message arrives for
	// this long. Zero waits forever.
	IdleTimeout time.Duration
	// MetadataColumns prepends topic, partition, offset and timestamp to
	// every record.
	MetadataColumns bool
}

// MetricsCollector defines metrics operations for Kafka consumer.
type MetricsCollector interface {
	IncMessagesConsumed(topic string, partition int32)
	IncRebalances(groupID string)
	IncOffsetCommits(topic string, partition int32, status string)
	ObserveRebalanceDuration(groupID string, duration float64)
	ObserveCommitLatency(topic string, partition int32, duration float64)
	SetPartitionsAssigned(topic string, count float64)
	IncDLQPublished(topic string, status string)
}

// DeadLetterPublisher receives messages that cannot be turned into records.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, msg *sarama.ConsumerMessage, reason string) error
}

// consumerGroup is the part of sarama.ConsumerGroup the source uses.
type consumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Close() error
}

// delivery is a message together with the session that claimed it.
type delivery struct {
	msg     *sarama.ConsumerMessage
	session sarama.ConsumerGroupSession
}

// Source consumes JSON messages from Kafka and yields them as records.
//
// Offsets are marked only when Ack is called, so a message is committed
// after the part containing it has been finalized. Messages delivered
// before a crash or rebalance are consumed again.
type Source struct {
	group   consumerGroup
	config  ConsumerConfig
	dlq     DeadLetterPublisher
	logger  *slog.Logger
	metrics MetricsCollector

	deliveries chan delivery
	errs       chan error
	done       chan struct{}
	ready      chan struct{}

	runCtx    context.Context
	cancel    context.CancelFunc
	startOnce sync.Once

	mu      sync.Mutex
	pending []delivery
	closed  bool
}

// NewSource creates a consumer group source using the Sarama library.
func NewSource(
	config ConsumerConfig,
	dlq DeadLetterPublisher,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*Source, error) {
	if len(config.BootstrapServers) == 0 {
		return nil, fmt.Errorf("%w: kafka bootstrap servers are required", apperrors.ErrInvalidConfig)
	}
	if config.GroupID == "" {
		return nil, fmt.Errorf("%w: kafka group id is required", apperrors.ErrInvalidConfig)
	}
	if len(config.Topics) == 0 {
		return nil, fmt.Errorf("%w: at least one kafka topic is required", apperrors.ErrInvalidConfig)
	}

	saramaConfig, err := newSaramaConfig(config)
	if err != nil {
		return nil, err
	}

	group, err := sarama.NewConsumerGroup(
		config.BootstrapServers,
		config.GroupID,
		saramaConfig,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger.Info("kafka consumer created",
		"group_id", config.GroupID,
		"bootstrap_servers", config.BootstrapServers,
		"topics", config.Topics,
		"session_timeout_ms", config.SessionTimeoutMS,
		"max_poll_interval_ms", config.MaxPollIntervalMS,
	)

	return newSource(group, config, dlq, logger, metrics), nil
}

func newSource(
	group consumerGroup,
	config ConsumerConfig,
	dlq DeadLetterPublisher,
	logger *slog.Logger,
	metrics MetricsCollector,
) *Source {
	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		group:      group,
		config:     config,
		dlq:        dlq,
		logger:     logger,
		metrics:    metrics,
		deliveries: make(chan delivery),
		errs:       make(chan error, 1),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
		runCtx:     ctx,
		cancel:     cancel,
	}
}

func newSaramaConfig(config ConsumerConfig) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()

	saramaConfig.Version = sarama.V2_8_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = offsetInitial(config.AutoOffsetReset)
	// Offsets are committed explicitly after a part is finalized.
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = false

	if config.SessionTimeoutMS > 0 {
		saramaConfig.Consumer.Group.Session.Timeout = time.Duration(config.SessionTimeoutMS) * time.Millisecond
	}
	if config.HeartbeatIntervalMS > 0 {
		saramaConfig.Consumer.Group.Heartbeat.Interval = time.Duration(config.HeartbeatIntervalMS) * time.Millisecond
	}

	if config.MaxPollIntervalMS > 0 {
		saramaConfig.Consumer.MaxProcessingTime = time.Duration(config.MaxPollIntervalMS) * time.Millisecond
	} else {
		saramaConfig.Consumer.MaxProcessingTime = 5 * time.Minute
	}

	saramaConfig.Consumer.Return.Errors = true

	if err := configureSecurity(saramaConfig, config); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	return saramaConfig, nil
}

// start launches the consume loop on first use.
func (s *Source) start() {
	s.startOnce.Do(func() {
		handler := &consumerGroupHandler{source: s}

		go func() {
			defer close(s.done)

			for {
				if err := s.group.Consume(s.runCtx, s.config.Topics, handler); err != nil {
					if errors.Is(err, sarama.ErrClosedConsumerGroup) || s.runCtx.Err() != nil {
						return
					}
					s.logger.Error("consumer group error", "error", err)
					s.errs <- err
					return
				}
				if s.runCtx.Err() != nil {
					return
				}
			}
		}()
	})
}

// Next returns the next message as a record. Messages that are not JSON
// objects or arrays are sent to the dead letter queue and skipped.
func (s *Source) Next(ctx context.Context) (record.Record, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, apperrors.ErrSourceClosed
	}

	s.start()

	var idle <-chan time.Time
	var timer *time.Timer
	if s.config.IdleTimeout > 0 {
		timer = time.NewTimer(s.config.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case d := <-s.deliveries:
			rec, err := s.decode(ctx, d)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				return rec, nil
			}
			if timer != nil {
				timer.Reset(s.config.IdleTimeout)
			}

		case err := <-s.errs:
			return nil, fmt.Errorf("kafka consumer failed: %w", err)

		case <-s.done:
			select {
			case err := <-s.errs:
				return nil, fmt.Errorf("kafka consumer failed: %w", err)
			default:
				return nil, io.EOF
			}

		case <-idle:
			s.logger.Info("no messages within idle timeout, ending source",
				"idle_timeout", s.config.IdleTimeout,
			)
			return nil, io.EOF

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ready reports whether the consumer has joined its group.
func (s *Source) Ready() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// decode turns a delivery into a record and records it for Ack. It returns a
// nil record for messages routed to the dead letter queue.
func (s *Source) decode(ctx context.Context, d delivery) (record.Record, error) {
	msg := d.msg

	s.logger.Debug("received kafka message",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"value_size", len(msg.Value),
	)

	rec, err := record.FromJSON(msg.Value)
	if err != nil {
		s.logger.Warn("message is not a record",
			"error", err,
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		if s.dlq == nil {
			return nil, fmt.Errorf("%w: %s[%d]@%d: %v", apperrors.ErrInvalidRecord, msg.Topic, msg.Partition, msg.Offset, err)
		}
		if perr := s.dlq.Publish(ctx, msg, err.Error()); perr != nil {
			return nil, fmt.Errorf("failed to dead-letter %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, perr)
		}
		s.track(d)
		return nil, nil
	}

	if s.metrics != nil {
		s.metrics.IncMessagesConsumed(msg.Topic, msg.Partition)
	}
	s.track(d)

	if s.config.MetadataColumns {
		rec = withMetadata(rec, msg)
	}
	return rec, nil
}

func (s *Source) track(d delivery) {
	s.mu.Lock()
	s.pending = append(s.pending, d)
	s.mu.Unlock()
}

// withMetadata prepends Kafka coordinates to rec, named or unnamed to match
// rec.
func withMetadata(rec record.Record, msg *sarama.ConsumerMessage) record.Record {
	named := rec.Named()
	meta := []record.Field{
		{Name: ColumnTopic, Value: msg.Topic, Named: named},
		{Name: ColumnPartition, Value: strconv.FormatInt(int64(msg.Partition), 10), Named: named},
		{Name: ColumnOffset, Value: strconv.FormatInt(msg.Offset, 10), Named: named},
		{Name: ColumnTimestamp, Value: msg.Timestamp.UTC().Format(time.RFC3339Nano), Named: named},
	}
	return append(record.Record(meta), rec...)
}

// Ack marks every message returned since the previous Ack and commits the
// marked offsets.
func (s *Source) Ack(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	sessions := make(map[sarama.ConsumerGroupSession]struct{})
	for _, d := range pending {
		d.session.MarkMessage(d.msg, "")
		sessions[d.session] = struct{}{}
	}

	startTime := time.Now()
	committed := make(map[sarama.ConsumerGroupSession]bool, len(sessions))
	for session := range sessions {
		if session.Context().Err() != nil {
			// The claim was revoked; the next owner re-reads these messages.
			s.logger.Warn("session ended before ack, offsets not committed",
				"member_id", session.MemberID(),
			)
			continue
		}
		session.Commit()
		committed[session] = true
	}

	if s.metrics != nil {
		latency := time.Since(startTime).Seconds()
		for tp, ok := range partitionCommits(pending, committed) {
			if !ok {
				s.metrics.IncOffsetCommits(tp.topic, tp.partition, "skipped")
				continue
			}
			s.metrics.ObserveCommitLatency(tp.topic, tp.partition, latency)
			s.metrics.IncOffsetCommits(tp.topic, tp.partition, "success")
		}
	}

	s.logger.Debug("acknowledged messages", "count", len(pending))
	return nil
}

type topicPartition struct {
	topic     string
	partition int32
}

// partitionCommits reports for each partition in ds whether the session
// holding its latest message committed.
func partitionCommits(ds []delivery, committed map[sarama.ConsumerGroupSession]bool) map[topicPartition]bool {
	out := make(map[topicPartition]bool)
	last := make(map[topicPartition]int64)
	for _, d := range ds {
		tp := topicPartition{d.msg.Topic, d.msg.Partition}
		if off, ok := last[tp]; !ok || d.msg.Offset > off {
			last[tp] = d.msg.Offset
			out[tp] = committed[d.session]
		}
	}
	return out
}

// Close stops consuming and releases the consumer group. Unacknowledged
// messages are not committed.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("closing kafka consumer")
	s.cancel()

	if err := s.group.Close(); err != nil {
		s.logger.Error("error closing consumer group", "error", err)
		return err
	}

	s.logger.Info("kafka consumer closed")
	return nil
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	source         *Source
	readyOnce      sync.Once
	rebalanceStart time.Time
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.rebalanceStart = time.Now()
	s := h.source

	s.logger.Info("consumer group session setup",
		"member_id", session.MemberID(),
		"generation_id", session.GenerationID(),
		"claims", session.Claims(),
	)

	if s.metrics != nil {
		s.metrics.IncRebalances(s.config.GroupID)
		for topic, partitions := range session.Claims() {
			s.metrics.SetPartitionsAssigned(topic, float64(len(partitions)))
		}
	}

	h.readyOnce.Do(func() {
		close(s.ready)
	})
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (h *consumerGroupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	s := h.source
	if s.metrics != nil && !h.rebalanceStart.IsZero() {
		s.metrics.ObserveRebalanceDuration(s.config.GroupID, time.Since(h.rebalanceStart).Seconds())
	}

	s.logger.Info("consumer group session cleanup",
		"member_id", session.MemberID(),
	)
	return nil
}

// ConsumeClaim hands messages of one partition to Next, one at a time.
func (h *consumerGroupHandler) ConsumeClaim(
	session sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	s := h.source

	s.logger.Info("started consuming partition",
		"topic", claim.Topic(),
		"partition", claim.Partition(),
		"initial_offset", claim.InitialOffset(),
	)

	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			select {
			case s.deliveries <- delivery{msg: message, session: session}:
			case <-session.Context().Done():
				return nil
			}

		case <-session.Context().Done():
			s.logger.Info("session context done, stopping partition consumption",
				"topic", claim.Topic(),
				"partition", claim.Partition(),
			)
			return nil
		}
	}
}

// MSKAccessTokenProvider implements sarama.AccessTokenProvider for AWS MSK IAM authentication.
type MSKAccessTokenProvider struct {
	region string
}

// Token generates an AWS MSK IAM authentication token.
func (m *MSKAccessTokenProvider) Token() (*sarama.AccessToken, error) {
	token, expiryMs, err := signer.GenerateAuthToken(context.Background(), m.region)
	if err != nil {
		return nil, fmt.Errorf("failed to generate MSK IAM token: %w", err)
	}

	return &sarama.AccessToken{
		Token: token,
		Extensions: map[string]string{
			"expiry": fmt.Sprintf("%d", expiryMs),
		},
	}, nil
}

// offsetInitial converts the AutoOffsetReset config to Sarama's offset constant.
func offsetInitial(autoOffsetReset string) int64 {
	switch autoOffsetReset {
	case "earliest":
		return sarama.OffsetOldest
	case "latest":
		return sarama.OffsetNewest
	default:
		return sarama.OffsetNewest
	}
}

func tlsConfig(kafkaConfig ConsumerConfig) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: kafkaConfig.TLSInsecureSkipVerify,
	}
}

func configureSecurity(config *sarama.Config, kafkaConfig ConsumerConfig) error {
	switch kafkaConfig.SecurityProtocol {
	case "", "PLAINTEXT":
		return nil

	case "SASL_PLAINTEXT", "SASL_SSL":
		config.Net.SASL.Enable = true

		switch kafkaConfig.SASLMechanism {
		case "PLAIN":
			config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
			config.Net.SASL.User = kafkaConfig.SASLUsername
			config.Net.SASL.Password = kafkaConfig.SASLPassword

		case "SCRAM-SHA-256", "SCRAM-SHA-512":
			mechanism, generator, err := scramMechanism(kafkaConfig.SASLMechanism)
			if err != nil {
				return err
			}
			config.Net.SASL.Mechanism = mechanism
			config.Net.SASL.User = kafkaConfig.SASLUsername
			config.Net.SASL.Password = kafkaConfig.SASLPassword
			config.Net.SASL.SCRAMClientGeneratorFunc = generator

		case "AWS_MSK_IAM":
			config.Net.SASL.Mechanism = sarama.SASLTypeOAuth

			// OAuth doesn't use username/password, but Sarama requires them to be set
			config.Net.SASL.User = "token"
			config.Net.SASL.Password = "token"

			region := kafkaConfig.AWSRegion
			if region == "" {
				region = "us-east-1"
			}
			config.Net.SASL.TokenProvider = &MSKAccessTokenProvider{region: region}

		default:
			return fmt.Errorf("unsupported SASL mechanism: %s", kafkaConfig.SASLMechanism)
		}

		if kafkaConfig.SecurityProtocol == "SASL_SSL" {
			config.Net.TLS.Enable = true
			config.Net.TLS.Config = tlsConfig(kafkaConfig)
		}

	case "SSL":
		config.Net.TLS.Enable = true
		config.Net.TLS.Config = tlsConfig(kafkaConfig)

	default:
		return fmt.Errorf("unsupported security protocol: %s", kafkaConfig.SecurityProtocol)
	}

	return nil
}
