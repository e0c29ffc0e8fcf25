package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "csvexport"

// Metrics holds all Prometheus metrics. A single value serves the exporter,
// the Kafka source and the storage sinks.
type Metrics struct {
	// csvexport_*
	RowsWritten   prometheus.Counter
	BytesWritten  prometheus.Counter
	EncoderErrors *prometheus.CounterVec
	PartsRotated  *prometheus.CounterVec

	// csvexport_kafka_*
	MessagesConsumed   *prometheus.CounterVec
	OffsetCommits      *prometheus.CounterVec
	Rebalances         *prometheus.CounterVec
	RebalanceDuration  *prometheus.HistogramVec
	PartitionsAssigned *prometheus.GaugeVec
	CommitLatency      *prometheus.HistogramVec
	DLQPublished       *prometheus.CounterVec

	// csvexport_storage_*
	FilesWritten         *prometheus.CounterVec
	StorageWriteDuration *prometheus.HistogramVec
	FileSize             *prometheus.HistogramVec
	StorageErrors        *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with registry. It panics
// if they are already registered there.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	counter := func(subsystem, name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}
	counterVec := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogramVec := func(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
		}, labels)
	}

	return &Metrics{
		RowsWritten:   counter("", "rows_written_total", "Total number of CSV rows written, headers excluded"),
		BytesWritten:  counter("", "bytes_written_total", "Total number of bytes handed to sinks"),
		EncoderErrors: counterVec("", "encoder_errors_total", "Total number of encoder errors by kind", "kind"),
		PartsRotated:  counterVec("", "parts_rotated_total", "Total number of output parts closed by a rotation policy", "reason"),

		MessagesConsumed: counterVec("kafka", "messages_consumed_total", "Total number of messages consumed from Kafka", "topic", "partition"),
		OffsetCommits:    counterVec("kafka", "offset_commits_total", "Total number of offset commits", "topic", "partition", "status"),
		Rebalances:       counterVec("kafka", "rebalances_total", "Total number of consumer group rebalances", "group"),
		RebalanceDuration: histogramVec("kafka", "session_duration_seconds", "Duration of consumer group sessions",
			[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900}, "group"),
		PartitionsAssigned: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "kafka",
			Name:      "partitions_assigned",
			Help:      "Number of partitions currently assigned to this consumer",
		}, []string{"topic"}),
		CommitLatency: histogramVec("kafka", "commit_latency_seconds", "Latency of offset commit operations",
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}, "topic", "partition"),
		DLQPublished: counterVec("kafka", "dlq_published_total", "Total number of messages published to the dead letter queue", "topic", "status"),

		FilesWritten: counterVec("storage", "files_written_total", "Total number of output files finalized", "backend", "status"),
		StorageWriteDuration: histogramVec("storage", "write_duration_seconds", "Duration from sink open to finalize",
			prometheus.DefBuckets, "backend"),
		// 1KiB to 256MiB
		FileSize: histogramVec("storage", "file_size_bytes", "Size of output files",
			prometheus.ExponentialBuckets(1024, 4, 10), "backend"),
		StorageErrors: counterVec("storage", "errors_total", "Total number of storage errors by operation", "backend", "operation"),
	}
}

func partitionLabel(partition int32) string {
	return strconv.FormatInt(int64(partition), 10)
}

// AddRows adds n written rows.
func (m *Metrics) AddRows(n int) {
	m.RowsWritten.Add(float64(n))
}

// AddBytes adds n bytes handed to sinks.
func (m *Metrics) AddBytes(n int64) {
	m.BytesWritten.Add(float64(n))
}

// IncEncoderErrors increments encoder errors by kind (lifecycle, format, sink).
func (m *Metrics) IncEncoderErrors(kind string) {
	m.EncoderErrors.WithLabelValues(kind).Inc()
}

// IncPartsRotated increments rotated parts by rotation reason.
func (m *Metrics) IncPartsRotated(reason string) {
	m.PartsRotated.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncMessagesConsumed(topic string, partition int32) {
	m.MessagesConsumed.WithLabelValues(topic, partitionLabel(partition)).Inc()
}

func (m *Metrics) IncRebalances(groupID string) {
	m.Rebalances.WithLabelValues(groupID).Inc()
}

// IncOffsetCommits counts acknowledged partitions by status: success, or
// skipped when the session ended first.
func (m *Metrics) IncOffsetCommits(topic string, partition int32, status string) {
	m.OffsetCommits.WithLabelValues(topic, partitionLabel(partition), status).Inc()
}

func (m *Metrics) ObserveRebalanceDuration(groupID string, duration float64) {
	m.RebalanceDuration.WithLabelValues(groupID).Observe(duration)
}

func (m *Metrics) ObserveCommitLatency(topic string, partition int32, duration float64) {
	m.CommitLatency.WithLabelValues(topic, partitionLabel(partition)).Observe(duration)
}

func (m *Metrics) SetPartitionsAssigned(topic string, count float64) {
	m.PartitionsAssigned.WithLabelValues(topic).Set(count)
}

func (m *Metrics) IncDLQPublished(topic string, status string) {
	m.DLQPublished.WithLabelValues(topic, status).Inc()
}

// IncFilesWritten counts released sinks by backend and status: success,
// failure or aborted.
func (m *Metrics) IncFilesWritten(backend string, status string) {
	m.FilesWritten.WithLabelValues(backend, status).Inc()
}

func (m *Metrics) ObserveFileSize(backend string, size float64) {
	m.FileSize.WithLabelValues(backend).Observe(size)
}

func (m *Metrics) ObserveStorageWriteDuration(backend string, duration float64) {
	m.StorageWriteDuration.WithLabelValues(backend).Observe(duration)
}

func (m *Metrics) IncStorageErrors(backend string, operation string) {
	m.StorageErrors.WithLabelValues(backend, operation).Inc()
}
