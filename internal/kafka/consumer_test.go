package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"

	apperrors "github.com/jittakal/csvexport/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockMetricsCollector implements MetricsCollector for testing.
type mockMetricsCollector struct {
	mu            sync.Mutex
	consumed      int
	rebalances    int
	commits       int
	commitStatus  map[string]int
	assigned      map[string]float64
	dlqPublished  int
	lastDLQStatus string
}

func (m *mockMetricsCollector) IncMessagesConsumed(topic string, partition int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed++
}

func (m *mockMetricsCollector) IncRebalances(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebalances++
}

func (m *mockMetricsCollector) IncOffsetCommits(topic string, partition int32, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	if m.commitStatus == nil {
		m.commitStatus = make(map[string]int)
	}
	m.commitStatus[status]++
}

func (m *mockMetricsCollector) ObserveRebalanceDuration(groupID string, duration float64) {}

func (m *mockMetricsCollector) ObserveCommitLatency(topic string, partition int32, duration float64) {}

func (m *mockMetricsCollector) SetPartitionsAssigned(topic string, count float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assigned == nil {
		m.assigned = make(map[string]float64)
	}
	m.assigned[topic] = count
}

func (m *mockMetricsCollector) IncDLQPublished(topic string, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlqPublished++
	m.lastDLQStatus = status
}

// mockSession implements sarama.ConsumerGroupSession.
type mockSession struct {
	ctx     context.Context
	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *mockSession) Claims() map[string][]int32 { return map[string][]int32{"orders": {0}} }
func (s *mockSession) MemberID() string { return "member-1" }
func (s *mockSession) GenerationID() int32 { return 1 }
func (s *mockSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {
}
func (s *mockSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {
}
func (s *mockSession) Context() context.Context { return s.ctx }

func (s *mockSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *mockSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

func (s *mockSession) state() ([]int64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...), s.commits
}

// mockClaim implements sarama.ConsumerGroupClaim.
type mockClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *mockClaim) Topic() string { return "orders" }
func (c *mockClaim) Partition() int32 { return 0 }
func (c *mockClaim) InitialOffset() int64 { return 0 }
func (c *mockClaim) HighWaterMarkOffset() int64 { return int64(cap(c.msgs)) }
func (c *mockClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

// mockGroup runs one session over a fixed claim, then blocks until the
// consume context is cancelled.
type mockGroup struct {
	session *mockSession
	claim   *mockClaim
	err     error

	mu     sync.Mutex
	calls  int
	closed bool
}

func (g *mockGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()

	if g.err != nil {
		return g.err
	}
	if !first {
		<-ctx.Done()
		return nil
	}

	if err := handler.Setup(g.session); err != nil {
		return err
	}
	if err := handler.ConsumeClaim(g.session, g.claim); err != nil {
		return err
	}
	return handler.Cleanup(g.session)
}

func (g *mockGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// mockDLQ records dead-lettered messages.
type mockDLQ struct {
	mu      sync.Mutex
	offsets []int64
	err     error
}

func (d *mockDLQ) Publish(ctx context.Context, msg *sarama.ConsumerMessage, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.offsets = append(d.offsets, msg.Offset)
	return nil
}

func newMockGroup(values ...string) *mockGroup {
	msgs := make(chan *sarama.ConsumerMessage, len(values))
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, v := range values {
		msgs <- &sarama.ConsumerMessage{
			Topic:     "orders",
			Partition: 0,
			Offset:    int64(i),
			Value:     []byte(v),
			Timestamp: ts,
		}
	}
	close(msgs)
	return &mockGroup{
		session: &mockSession{ctx: context.Background()},
		claim:   &mockClaim{msgs: msgs},
	}
}

func testConfig() ConsumerConfig {
	return ConsumerConfig{
		BootstrapServers: []string{"localhost:9092"},
		GroupID:          "csvexport",
		Topics:           []string{"orders"},
		IdleTimeout:      200 * time.Millisecond,
	}
}

func TestSource_NextAndAck(t *testing.T) {
	group := newMockGroup(
		`{"id":"1","amount":10}`,
		`not json`,
		`{"id":"2","amount":20}`,
	)
	dlq := &mockDLQ{}
	metrics := &mockMetricsCollector{}

	s := newSource(group, testConfig(), dlq, testLogger(), metrics)
	defer s.Close()
	ctx := context.Background()

	rec, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if v, _ := rec.Get("id"); v != "1" {
		t.Errorf("first record id = %q", v)
	}
	if !s.Ready() {
		t.Error("Ready() should be true once the session is set up")
	}

	rec, err = s.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if v, _ := rec.Get("amount"); v != "20" {
		t.Errorf("second record amount = %q", v)
	}
	if len(dlq.offsets) != 1 || dlq.offsets[0] != 1 {
		t.Errorf("dead-lettered offsets = %v, want [1]", dlq.offsets)
	}

	// Nothing is marked before Ack.
	if marked, _ := group.session.state(); len(marked) != 0 {
		t.Errorf("marked before Ack = %v", marked)
	}

	if err := s.Ack(ctx); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	marked, commits := group.session.state()
	if len(marked) != 3 || marked[0] != 0 || marked[2] != 2 {
		t.Errorf("marked = %v, want [0 1 2]", marked)
	}
	if commits != 1 {
		t.Errorf("commits = %d, want 1", commits)
	}

	// A second Ack with nothing pending is a no-op.
	if err := s.Ack(ctx); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if _, commits := group.session.state(); commits != 1 {
		t.Errorf("commits = %d, want 1", commits)
	}

	if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Next() after idle timeout = %v, want io.EOF", err)
	}

	if metrics.consumed != 2 || metrics.rebalances != 1 || metrics.commits != 1 {
		t.Errorf("metrics = consumed %d, rebalances %d, commits %d", metrics.consumed, metrics.rebalances, metrics.commits)
	}
	if metrics.commitStatus["success"] != 1 {
		t.Errorf("commit statuses = %v, want one success", metrics.commitStatus)
	}
	if metrics.assigned["orders"] != 1 {
		t.Errorf("partitions assigned = %v", metrics.assigned)
	}
}

func TestSource_InvalidMessageWithoutDLQ(t *testing.T) {
	group := newMockGroup(`[1,2`)
	s := newSource(group, testConfig(), nil, testLogger(), nil)
	defer s.Close()

	_, err := s.Next(context.Background())
	if !errors.Is(err, apperrors.ErrInvalidRecord) {
		t.Fatalf("Next() error = %v, want ErrInvalidRecord", err)
	}
	if !strings.Contains(err.Error(), "orders[0]@0") {
		t.Errorf("error should name the message: %v", err)
	}
}

func TestSource_DLQFailure(t *testing.T) {
	group := newMockGroup(`oops`)
	s := newSource(group, testConfig(), &mockDLQ{err: errors.New("broker unavailable")}, testLogger(), nil)
	defer s.Close()

	if _, err := s.Next(context.Background()); err == nil {
		t.Fatal("Next() should fail when the DLQ publish fails")
	}
}

func TestSource_MetadataColumns(t *testing.T) {
	tests := []struct {
		name  string
		value string
		named bool
		want  string
	}{
		{"object", `{"id":"7"}`, true, "orders,0,0,2026-01-02T03:04:05Z,7"},
		{"array", `["7"]`, false, "orders,0,0,2026-01-02T03:04:05Z,7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MetadataColumns = true
			s := newSource(newMockGroup(tt.value), cfg, nil, testLogger(), nil)
			defer s.Close()

			rec, err := s.Next(context.Background())
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if got := strings.Join(rec.Values(), ","); got != tt.want {
				t.Errorf("values = %q, want %q", got, tt.want)
			}
			if rec.Named() != tt.named {
				t.Errorf("Named() = %v, want %v", rec.Named(), tt.named)
			}
			if tt.named {
				names, _ := rec.Names()
				if names[0] != ColumnTopic || names[3] != ColumnTimestamp || names[4] != "id" {
					t.Errorf("names = %v", names)
				}
			}
		})
	}
}

func TestSource_ConsumerError(t *testing.T) {
	group := newMockGroup()
	group.err = errors.New("brokers down")
	s := newSource(group, testConfig(), nil, testLogger(), nil)
	defer s.Close()

	_, err := s.Next(context.Background())
	if err == nil || !strings.Contains(err.Error(), "brokers down") {
		t.Errorf("Next() error = %v, want consumer error", err)
	}
}

func TestSource_ContextCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 0
	s := newSource(newMockGroup(), cfg, nil, testLogger(), nil)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestSource_AckAfterRevocation(t *testing.T) {
	group := newMockGroup(`{"id":"1"}`)
	sessionCtx, revoke := context.WithCancel(context.Background())
	group.session.ctx = sessionCtx

	metrics := &mockMetricsCollector{}
	s := newSource(group, testConfig(), nil, testLogger(), metrics)
	defer s.Close()

	if _, err := s.Next(context.Background()); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	revoke()

	if err := s.Ack(context.Background()); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if _, commits := group.session.state(); commits != 0 {
		t.Errorf("commits = %d, want 0 on a revoked session", commits)
	}
	if metrics.commitStatus["skipped"] != 1 || metrics.commitStatus["success"] != 0 {
		t.Errorf("commit statuses = %v, want one skipped", metrics.commitStatus)
	}
}

func TestSource_Close(t *testing.T) {
	group := newMockGroup()
	s := newSource(group, testConfig(), nil, testLogger(), nil)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !group.closed {
		t.Error("consumer group should be closed")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, apperrors.ErrSourceClosed) {
		t.Errorf("Next() after Close = %v, want ErrSourceClosed", err)
	}
}

func TestNewSource_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config ConsumerConfig
	}{
		{"empty bootstrap servers", ConsumerConfig{GroupID: "g", Topics: []string{"t"}}},
		{"empty group ID", ConsumerConfig{BootstrapServers: []string{"localhost:9092"}, Topics: []string{"t"}}},
		{"no topics", ConsumerConfig{BootstrapServers: []string{"localhost:9092"}, GroupID: "g"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSource(tt.config, nil, testLogger(), nil)
			if !errors.Is(err, apperrors.ErrInvalidConfig) {
				t.Errorf("NewSource() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestNewSaramaConfig(t *testing.T) {
	cfg := testConfig()
	cfg.AutoOffsetReset = "earliest"
	cfg.SessionTimeoutMS = 10000
	cfg.HeartbeatIntervalMS = 3000

	sc, err := newSaramaConfig(cfg)
	if err != nil {
		t.Fatalf("newSaramaConfig() error = %v", err)
	}
	if sc.Consumer.Offsets.AutoCommit.Enable {
		t.Error("auto commit must be disabled")
	}
	if sc.Consumer.Offsets.Initial != sarama.OffsetOldest {
		t.Errorf("Offsets.Initial = %d, want OffsetOldest", sc.Consumer.Offsets.Initial)
	}
	if sc.Consumer.Group.Session.Timeout != 10*time.Second {
		t.Errorf("Session.Timeout = %v", sc.Consumer.Group.Session.Timeout)
	}
	if sc.Consumer.MaxProcessingTime != 5*time.Minute {
		t.Errorf("MaxProcessingTime = %v", sc.Consumer.MaxProcessingTime)
	}
	if err := sc.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestOffsetInitial(t *testing.T) {
	tests := []struct {
		name   string
		offset string
		want   int64
	}{
		{"earliest", "earliest", sarama.OffsetOldest},
		{"latest", "latest", sarama.OffsetNewest},
		{"empty defaults to latest", "", sarama.OffsetNewest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := offsetInitial(tt.offset); got != tt.want {
				t.Errorf("offsetInitial(%q) = %v, want %v", tt.offset, got, tt.want)
			}
		})
	}
}

func TestConfigureSecurity(t *testing.T) {
	tests := []struct {
		name      string
		protocol  string
		mechanism string
		wantSASL  bool
		wantTLS   bool
		wantMech  sarama.SASLMechanism
		wantErr   bool
	}{
		{"empty defaults to plaintext", "", "", false, false, "", false},
		{"plaintext", "PLAINTEXT", "", false, false, "", false},
		{"ssl", "SSL", "", false, true, "", false},
		{"sasl plain", "SASL_PLAINTEXT", "PLAIN", true, false, sarama.SASLTypePlaintext, false},
		{"sasl ssl scram-sha-256", "SASL_SSL", "SCRAM-SHA-256", true, true, sarama.SASLTypeSCRAMSHA256, false},
		{"sasl ssl scram-sha-512", "SASL_SSL", "SCRAM-SHA-512", true, true, sarama.SASLTypeSCRAMSHA512, false},
		{"aws msk iam", "SASL_SSL", "AWS_MSK_IAM", true, true, sarama.SASLTypeOAuth, false},
		{"invalid mechanism", "SASL_SSL", "INVALID", false, false, "", true},
		{"invalid protocol", "INVALID", "", false, false, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := sarama.NewConfig()
			err := configureSecurity(sc, ConsumerConfig{
				SecurityProtocol: tt.protocol,
				SASLMechanism:    tt.mechanism,
				SASLUsername:     "user",
				SASLPassword:     "secret",
				AWSRegion:        "eu-west-1",
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("configureSecurity() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if sc.Net.SASL.Enable != tt.wantSASL {
				t.Errorf("SASL.Enable = %v, want %v", sc.Net.SASL.Enable, tt.wantSASL)
			}
			if sc.Net.TLS.Enable != tt.wantTLS {
				t.Errorf("TLS.Enable = %v, want %v", sc.Net.TLS.Enable, tt.wantTLS)
			}
			if tt.wantSASL && sc.Net.SASL.Mechanism != tt.wantMech {
				t.Errorf("SASL.Mechanism = %v, want %v", sc.Net.SASL.Mechanism, tt.wantMech)
			}
			if tt.wantTLS && sc.Net.TLS.Config.InsecureSkipVerify {
				t.Error("TLS verification should be on unless requested")
			}
			if tt.mechanism == "AWS_MSK_IAM" {
				provider, ok := sc.Net.SASL.TokenProvider.(*MSKAccessTokenProvider)
				if !ok || provider.region != "eu-west-1" {
					t.Errorf("token provider = %#v", sc.Net.SASL.TokenProvider)
				}
			}
		})
	}
}
