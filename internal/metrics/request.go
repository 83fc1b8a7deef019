// Package metrics provides Prometheus metrics for the request channel.
//
// Every request completion is recorded against a per-API RequestMetrics
// entry: a request counter, per-error-code counters, and local/remote/
// throttle/total time histograms. Fetch is split into FetchConsumer and
// FetchFollower; Produce size buckets are further split by acks mode.
// Bucket-table counters are exported as stably named Prometheus series,
// since dashboards depend on the exact bucket labels.
package metrics

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/kanal-io/kanal/internal/bucket"
)

// Request metric names for APIs that are split into variants.
const (
	MetricProduce       = "Produce"
	MetricFetchConsumer = "FetchConsumer"
	MetricFetchFollower = "FetchFollower"
)

// ConsumerReplicaID is the replica id carried by fetch requests from
// ordinary consumers. Any other replica id marks a follower fetch.
const ConsumerReplicaID int32 = -1

// totalTimeBucketName prefixes total-time bucket labels.
const totalTimeBucketName = "TotalTime"

// produceAckModes orders the produce size-bucket tables. -1 is labeled All.
var produceAckModes = []int16{0, 1, -1}

const bytesPerMB = 1024 * 1024

// RegistryConfig configures a request metrics Registry.
type RegistryConfig struct {
	// APIKeys lists the API keys to instrument. Empty means every API key
	// kmsg knows about.
	APIKeys []int16
	// SizeThresholdsMB are the ascending size-bucket thresholds, in
	// megabytes, shared by the consumer-fetch table and each produce table.
	SizeThresholdsMB []int64
	// TimeThresholdsMs are the ascending total-time bucket thresholds, in
	// milliseconds.
	TimeThresholdsMs []int64
	// TimeBucketMetrics names the request metrics that get a total-time
	// bucket table. Metrics not named here record histograms only.
	TimeBucketMetrics []string
}

// RequestMetrics is the metric set for one named request metric.
type RequestMetrics struct {
	Name string

	requests     prometheus.Counter
	errors       *prometheus.CounterVec
	localTime    prometheus.Observer
	remoteTime   prometheus.Observer
	throttleTime prometheus.Observer
	totalTime    prometheus.Observer

	// totalTimeBuckets is nil unless this metric name is in the configured
	// allow-list.
	totalTimeBuckets *bucket.Table[float64]
}

// MarkRequest counts one completed request.
func (m *RequestMetrics) MarkRequest() {
	m.requests.Inc()
}

// MarkError counts one occurrence of the given error code.
func (m *RequestMetrics) MarkError(code int16) {
	m.errors.WithLabelValues(m.Name, ErrorCodeName(code)).Inc()
}

// MarkErrorCount counts n occurrences of the given error code, as collected
// from one response.
func (m *RequestMetrics) MarkErrorCount(code int16, n int) {
	m.errors.WithLabelValues(m.Name, ErrorCodeName(code)).Add(float64(n))
}

// ObserveTimesMs records the per-phase latencies of one request, all in
// milliseconds. Total time also lands in the total-time bucket table when
// one is materialized for this metric.
func (m *RequestMetrics) ObserveTimesMs(local, remote, throttle, total float64) {
	m.localTime.Observe(local)
	m.remoteTime.Observe(remote)
	m.throttleTime.Observe(throttle)
	m.totalTime.Observe(total)
	if m.totalTimeBuckets != nil {
		m.totalTimeBuckets.Update(total)
	}
}

// TotalTimeBucketCounts returns the total-time bucket counters in threshold
// order, or nil when no table is materialized for this metric.
func (m *RequestMetrics) TotalTimeBucketCounts() []int64 {
	if m.totalTimeBuckets == nil {
		return nil
	}
	return m.totalTimeBuckets.Counts()
}

// Registry holds every RequestMetrics entry plus the size-bucket tables.
// Built once at channel startup; counters are updated concurrently by every
// completing request without any registry-wide lock.
type Registry struct {
	byName map[string]*RequestMetrics

	// ActiveConnections tracks the current number of TCP connections feeding
	// the channel.
	ActiveConnections prometheus.Gauge

	fetchSize   *bucket.Table[int64]
	produceSize map[int16]*bucket.Table[int64]
}

// NewRegistry creates a Registry from configuration, registering all series
// with reg. Tests pass a private prometheus.NewRegistry() so independent
// registries never interfere.
func NewRegistry(cfg RegistryConfig, reg prometheus.Registerer) (*Registry, error) {
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kanal",
			Subsystem: "request",
			Name:      "total",
			Help:      "Total number of completed requests, by request metric name.",
		},
		[]string{"request"},
	)
	errs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kanal",
			Subsystem: "request",
			Name:      "errors_total",
			Help:      "Total number of response error codes, by request metric name and error code.",
		},
		[]string{"request", "error_code"},
	)
	times := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kanal",
			Subsystem: "request",
			Name:      "time_ms",
			Help:      "Request time in milliseconds, by request metric name and phase.",
			Buckets:   DefaultTimeHistogramBucketsMs,
		},
		[]string{"request", "phase"},
	)
	activeConns := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kanal",
			Subsystem: "server",
			Name:      "active_connections",
			Help:      "Current number of active TCP connections.",
		},
	)
	reg.MustRegister(requests, errs, times, activeConns)

	timeBucketEnabled := make(map[string]bool, len(cfg.TimeBucketMetrics))
	for _, name := range cfg.TimeBucketMetrics {
		timeBucketEnabled[name] = true
	}
	timeThresholds := make([]float64, len(cfg.TimeThresholdsMs))
	for i, t := range cfg.TimeThresholdsMs {
		timeThresholds[i] = float64(t)
	}

	r := &Registry{
		byName:            make(map[string]*RequestMetrics),
		ActiveConnections: activeConns,
		produceSize:       make(map[int16]*bucket.Table[int64]),
	}

	newEntry := func(name string) error {
		m := &RequestMetrics{
			Name:         name,
			requests:     requests.WithLabelValues(name),
			errors:       errs,
			localTime:    times.WithLabelValues(name, "local"),
			remoteTime:   times.WithLabelValues(name, "remote"),
			throttleTime: times.WithLabelValues(name, "throttle"),
			totalTime:    times.WithLabelValues(name, "total"),
		}
		if timeBucketEnabled[name] && len(timeThresholds) > 0 {
			tbl, err := bucket.Build(timeThresholds, timeBucketLabel)
			if err != nil {
				return fmt.Errorf("time buckets for %s: %w", name, err)
			}
			m.totalTimeBuckets = tbl
			registerBucketCounters(reg, "time_bucket_total",
				"Total-time bucket counters, by request metric name and bucket.",
				prometheus.Labels{"request": name}, tbl.Buckets())
		}
		r.byName[name] = m
		return nil
	}

	apiKeys := cfg.APIKeys
	if len(apiKeys) == 0 {
		for k := int16(0); k <= kmsg.MaxKey; k++ {
			if kmsg.Key(k).Request() != nil {
				apiKeys = append(apiKeys, k)
			}
		}
	}
	for _, key := range apiKeys {
		for _, name := range MetricNamesForKey(key) {
			if _, ok := r.byName[name]; ok {
				continue
			}
			if err := newEntry(name); err != nil {
				return nil, err
			}
		}
	}

	if len(cfg.SizeThresholdsMB) > 0 {
		if _, ok := r.byName[MetricFetchConsumer]; ok {
			tbl, err := bucket.Build(cfg.SizeThresholdsMB, sizeBucketLabel(MetricFetchConsumer, ""))
			if err != nil {
				return nil, fmt.Errorf("fetch size buckets: %w", err)
			}
			r.fetchSize = tbl
			registerBucketCounters(reg, "size_bucket_total",
				"Request size bucket counters.",
				nil, tbl.Buckets())
		}
		if _, ok := r.byName[MetricProduce]; ok {
			for _, acks := range produceAckModes {
				tbl, err := bucket.Build(cfg.SizeThresholdsMB, sizeBucketLabel(MetricProduce, AcksSuffix(acks)))
				if err != nil {
					return nil, fmt.Errorf("produce size buckets (acks=%d): %w", acks, err)
				}
				r.produceSize[acks] = tbl
				registerBucketCounters(reg, "size_bucket_total",
					"Request size bucket counters.",
					nil, tbl.Buckets())
			}
		}
	}

	return r, nil
}

// MetricNamesForKey returns the request metric names instrumented for an API
// key. Fetch yields both the consumer and follower variants; every other key
// yields its protocol name.
func MetricNamesForKey(apiKey int16) []string {
	if apiKey == 1 { // Fetch
		return []string{MetricFetchConsumer, MetricFetchFollower}
	}
	return []string{kmsg.Key(apiKey).Name()}
}

// Get returns the RequestMetrics for a metric name, or nil when the name was
// not instrumented.
func (r *Registry) Get(name string) *RequestMetrics {
	return r.byName[name]
}

// ConsumerFetchBucket resolves the size-bucket label for a fetch request.
// Follower fetches (replica id other than the consumer sentinel) and
// registries without a fetch table resolve to nothing.
func (r *Registry) ConsumerFetchBucket(replicaID int32, sizeBytes int64) (string, bool) {
	if replicaID != ConsumerReplicaID || r.fetchSize == nil {
		return "", false
	}
	return r.fetchSize.Resolve(sizeBytes / bytesPerMB), true
}

// UpdateConsumerFetchBucket counts a consumer fetch of the given size.
func (r *Registry) UpdateConsumerFetchBucket(sizeBytes int64) {
	if r.fetchSize != nil {
		r.fetchSize.Update(sizeBytes / bytesPerMB)
	}
}

// ProduceAckBucket resolves the size-bucket label for a produce request
// through the table selected by its acks mode.
func (r *Registry) ProduceAckBucket(acks int16, sizeBytes int64) (string, bool) {
	tbl, ok := r.produceSize[acks]
	if !ok {
		return "", false
	}
	return tbl.Resolve(sizeBytes / bytesPerMB), true
}

// UpdateProduceAckBucket counts a produce request of the given size and acks
// mode.
func (r *Registry) UpdateProduceAckBucket(acks int16, sizeBytes int64) {
	if tbl, ok := r.produceSize[acks]; ok {
		tbl.Update(sizeBytes / bytesPerMB)
	}
}

// AllFetchBucketNames returns every consumer-fetch bucket label in threshold
// order.
func (r *Registry) AllFetchBucketNames() []string {
	if r.fetchSize == nil {
		return nil
	}
	return r.fetchSize.Labels()
}

// AllProduceBucketNames returns every produce bucket label across all acks
// tables, unique, in (acks mode, threshold) order.
func (r *Registry) AllProduceBucketNames() []string {
	var names []string
	for _, acks := range produceAckModes {
		if tbl, ok := r.produceSize[acks]; ok {
			names = append(names, tbl.Labels()...)
		}
	}
	return names
}

// ConnectionOpened increments the active connections gauge.
func (r *Registry) ConnectionOpened() { r.ActiveConnections.Inc() }

// ConnectionClosed decrements the active connections gauge.
func (r *Registry) ConnectionClosed() { r.ActiveConnections.Dec() }

// AcksSuffix returns the size-bucket label suffix for a produce acks mode.
func AcksSuffix(acks int16) string {
	if acks == -1 {
		return "AcksAll"
	}
	return fmt.Sprintf("Acks%d", acks)
}

// ErrorCodeName returns the protocol name for a Kafka error code, NONE for
// zero, or the numeric code when kerr does not know it.
func ErrorCodeName(code int16) string {
	if code == 0 {
		return "NONE"
	}
	if err := kerr.ErrorForCode(code); err != nil {
		var ke *kerr.Error
		if errors.As(err, &ke) {
			return ke.Message
		}
	}
	return strconv.Itoa(int(code))
}

// DefaultTimeHistogramBucketsMs are histogram buckets for request phase
// times, from sub-millisecond dispatch up to long-poll territory.
var DefaultTimeHistogramBucketsMs = []float64{
	0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000,
}

func sizeBucketLabel(prefix, suffix string) bucket.LabelFunc[int64] {
	return func(i int, low, high int64, top bool) string {
		if top {
			return fmt.Sprintf("%s%dMbGreater%s", prefix, low, suffix)
		}
		return fmt.Sprintf("%s%dTo%dMb%s", prefix, low, high, suffix)
	}
}

func timeBucketLabel(i int, low, high float64, top bool) string {
	if top {
		return fmt.Sprintf("%s_Bin%d_%sMsGreater", totalTimeBucketName, i+1, formatMs(low))
	}
	return fmt.Sprintf("%s_Bin%d_%sTo%sMs", totalTimeBucketName, i+1, formatMs(low), formatMs(high))
}

func formatMs(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// registerBucketCounters exposes each bucket's counter as a Prometheus
// series named kanal_request_<name>{...,bucket="<label>"}.
func registerBucketCounters[K interface {
	~int | ~int32 | ~int64 | ~float64
}](reg prometheus.Registerer, name, help string, constLabels prometheus.Labels, buckets []*bucket.Bucket[K]) {
	for _, b := range buckets {
		labels := prometheus.Labels{"bucket": b.Label}
		for k, v := range constLabels {
			labels[k] = v
		}
		count := b.Count
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace:   "kanal",
				Subsystem:   "request",
				Name:        name,
				Help:        help,
				ConstLabels: labels,
			},
			func() float64 { return float64(count()) },
		))
	}
}
