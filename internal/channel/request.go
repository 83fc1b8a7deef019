package channel

import (
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/kanal-io/kanal/internal/metrics"
	"github.com/kanal-io/kanal/internal/pool"
)

// Request is the unit of work flowing through the channel: one admitted
// inbound request, from header parse to response dispatch. The buffer lease
// it carries is released exactly once when the request completes, on every
// path.
type Request struct {
	// Processor identifies the network processor that admitted the request.
	Processor int
	// Context is the immutable connection-request identity.
	Context *RequestContext
	// StartTime is when the request was admitted.
	StartTime time.Time
	// Header is the parsed request header. For a forwarded request this is
	// the header of the wrapped request, not of the envelope.
	Header *RequestHeader
	// Body is the decoded request.
	Body kmsg.Request
	// Envelope is non-nil when the request arrived wrapped in an envelope on
	// a privileged listener.
	Envelope *EnvelopeContext

	lease      *pool.Lease
	send       SendFunc
	metrics    *metrics.RequestMetrics
	metricName string
	sizeBucket string
	sizeBytes  int64
}

// MetricName returns the request metric name resolved at admission:
// the API name, or its variant (FetchConsumer/FetchFollower) for fetches.
func (r *Request) MetricName() string {
	return r.metricName
}

// Metrics returns the RequestMetrics entry for this request, or nil when the
// API is not instrumented.
func (r *Request) Metrics() *metrics.RequestMetrics {
	return r.metrics
}

// SizeBucket returns the size-bucket label resolved at admission. ok is
// false for follower fetches and for any API outside fetch/produce.
func (r *Request) SizeBucket() (string, bool) {
	return r.sizeBucket, r.sizeBucket != ""
}

// SizeBytes returns the request payload size.
func (r *Request) SizeBytes() int64 {
	return r.sizeBytes
}

// Loggable returns the redacted view of the request body, safe for audit
// logging. The dispatched body is untouched.
func (r *Request) Loggable() kmsg.Request {
	return LoggableRequest(r.Body)
}

// release returns the request's buffer to the pool. Panics if called twice;
// the channel owns exactly one release per admitted request.
func (r *Request) release() {
	r.lease.Release()
}
