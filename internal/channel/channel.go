// Package channel implements the request channel: the admission,
// instrumentation, redaction, and forwarding layer between the network front
// end and request handlers. Every inbound request is wrapped into a Request
// before it reaches a handler; every completed request emits size- and
// latency-bucketed metrics before its response ships back to the network
// layer.
package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/kanal-io/kanal/internal/logging"
	"github.com/kanal-io/kanal/internal/metrics"
	"github.com/kanal-io/kanal/internal/pool"
)

// ErrMalformedRequest is returned when an inbound request cannot be parsed.
// The request is rejected and its buffer released; it never reaches a
// handler.
var ErrMalformedRequest = errors.New("malformed request")

// RequestTimes carries the per-phase latencies of a completed request, in
// milliseconds. Total time is measured by the channel itself from admission
// to completion.
type RequestTimes struct {
	LocalMs    float64
	RemoteMs   float64
	ThrottleMs float64
}

// Channel admits raw requests into Request values and dispatches completed
// responses back to the network layer. Admission, metric resolution, and
// response building are synchronous; the only blocking point is buffer
// acquisition from the bounded pool.
type Channel struct {
	pool     *pool.BufferPool
	registry *metrics.Registry
	logger   *logging.Logger
}

// New creates a Channel drawing request buffers from p and recording
// completions into reg.
func New(p *pool.BufferPool, reg *metrics.Registry, logger *logging.Logger) *Channel {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Channel{pool: p, registry: reg, logger: logger}
}

// Registry returns the channel's request metrics registry.
func (c *Channel) Registry() *metrics.Registry {
	return c.registry
}

// Admit wraps raw request bytes into a Request. The bytes are copied into a
// pooled buffer; send is the capability used to transmit the response.
// Returns pool.ErrPoolExhausted when no buffer can be acquired before ctx
// expires, or an error wrapping ErrMalformedRequest when the bytes do not
// parse. In both cases no buffer is retained.
func (c *Channel) Admit(ctx context.Context, processor int, rc *RequestContext, raw []byte, send SendFunc) (*Request, error) {
	return c.AdmitFrom(ctx, processor, rc, bytes.NewReader(raw), len(raw), send)
}

// AdmitFrom is Admit reading size bytes directly from r into the pooled
// buffer, avoiding an intermediate copy on the network read path.
func (c *Channel) AdmitFrom(ctx context.Context, processor int, rc *RequestContext, r io.Reader, size int, send SendFunc) (*Request, error) {
	lease, err := c.pool.Acquire(ctx, size)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	buf := lease.Bytes()
	if _, err := io.ReadFull(r, buf); err != nil {
		lease.Release()
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	req, err := c.admitBuffer(processor, rc, startTime, lease, send)
	if err != nil {
		lease.Release()
		return nil, err
	}
	return req, nil
}

// admitBuffer parses and instruments a request already resident in a leased
// buffer. On error the caller still owns the lease.
func (c *Channel) admitBuffer(processor int, rc *RequestContext, startTime time.Time, lease *pool.Lease, send SendFunc) (*Request, error) {
	buf := lease.Bytes()

	header, n, err := ParseRequestHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	body, err := decodeBody(header, buf[n:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	req := &Request{
		Processor: processor,
		Context:   rc,
		StartTime: startTime,
		Header:    header,
		Body:      body,
		lease:     lease,
		send:      send,
		sizeBytes: int64(len(buf) - n),
	}

	// A privileged listener may deliver a forwarded request wrapped in an
	// envelope; the Request then represents the wrapped request, with the
	// envelope retained for response building.
	if env, ok := body.(*kmsg.EnvelopeRequest); ok {
		if !rc.FromPrivilegedListener {
			return nil, fmt.Errorf("%w: envelope request on non-privileged listener %q", ErrMalformedRequest, rc.ListenerName)
		}
		innerHeader, innerPayload, caller, err := unwrapEnvelope(env, rc)
		if err != nil {
			return nil, fmt.Errorf("%w: envelope payload: %v", ErrMalformedRequest, err)
		}
		innerBody, err := decodeBody(innerHeader, innerPayload)
		if err != nil {
			return nil, fmt.Errorf("%w: envelope payload: %v", ErrMalformedRequest, err)
		}
		req.Envelope = &EnvelopeContext{Caller: caller, Header: header, send: send}
		req.Header = innerHeader
		req.Body = innerBody
		req.sizeBytes = int64(len(innerPayload))
	}

	c.resolveMetrics(req)
	return req, nil
}

// resolveMetrics selects the request's metric entry and eagerly resolves its
// size-bucket label. Both resolutions come up empty for APIs outside
// fetch/produce, and the fetch resolution excludes followers.
func (c *Channel) resolveMetrics(req *Request) {
	if c.registry == nil {
		return
	}

	switch body := req.Body.(type) {
	case *kmsg.FetchRequest:
		if body.ReplicaID == metrics.ConsumerReplicaID {
			req.metricName = metrics.MetricFetchConsumer
			req.sizeBucket, _ = c.registry.ConsumerFetchBucket(body.ReplicaID, req.sizeBytes)
		} else {
			req.metricName = metrics.MetricFetchFollower
		}
	case *kmsg.ProduceRequest:
		req.metricName = metrics.MetricProduce
		req.sizeBucket, _ = c.registry.ProduceAckBucket(body.Acks, req.sizeBytes)
	default:
		req.metricName = kmsg.Key(req.Header.APIKey).Name()
	}
	req.metrics = c.registry.Get(req.metricName)
}

func decodeBody(header *RequestHeader, payload []byte) (kmsg.Request, error) {
	body := kmsg.Key(header.APIKey).Request()
	if body == nil {
		return nil, fmt.Errorf("unsupported API key: %d", header.APIKey)
	}
	if header.APIVersion < 0 || header.APIVersion > body.MaxVersion() {
		return nil, fmt.Errorf("version %d out of range for API key %d", header.APIVersion, header.APIKey)
	}
	body.SetVersion(header.APIVersion)
	if err := body.ReadFrom(payload); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return body, nil
}

// SendResponse completes a request: it encodes the response (wrapping it in
// an envelope response for forwarded requests), transmits it through the
// stored capability, records the request's metrics, and releases the buffer
// lease. It must be called exactly once per admitted Request, from whichever
// goroutine completes the request.
func (c *Channel) SendResponse(req *Request, resp kmsg.Response, times RequestTimes) error {
	var payload []byte
	var connID string
	if req.Envelope != nil {
		inner := EncodeResponse(req.Header, resp)
		env := BuildEnvelopeResponse(resp, inner)
		payload = EncodeResponse(req.Envelope.Header, env)
		connID = req.Envelope.Caller.ConnectionID
	} else {
		payload = EncodeResponse(req.Header, resp)
		connID = req.Context.ConnectionID
	}

	c.complete(req, resp, times)

	send := req.send
	if req.Envelope != nil {
		send = req.Envelope.send
	}
	if err := send(connID, payload); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}
	return nil
}

// Discard completes a request without sending a response: metrics are still
// recorded and the buffer lease is released. Used for acks=0 produce
// requests and for connections that died while the handler ran.
func (c *Channel) Discard(req *Request, resp kmsg.Response, times RequestTimes) {
	c.complete(req, resp, times)
}

// complete records metrics and releases the lease. resp may be nil when the
// handler produced nothing.
func (c *Channel) complete(req *Request, resp kmsg.Response, times RequestTimes) {
	if m := req.metrics; m != nil {
		m.MarkRequest()
		if resp != nil {
			for code, n := range ResponseErrorCounts(resp) {
				if code != 0 {
					m.MarkErrorCount(code, n)
				}
			}
		}
		totalMs := float64(time.Since(req.StartTime)) / float64(time.Millisecond)
		m.ObserveTimesMs(times.LocalMs, times.RemoteMs, times.ThrottleMs, totalMs)
	}

	if c.registry != nil && req.sizeBucket != "" {
		switch body := req.Body.(type) {
		case *kmsg.FetchRequest:
			c.registry.UpdateConsumerFetchBucket(req.sizeBytes)
		case *kmsg.ProduceRequest:
			c.registry.UpdateProduceAckBucket(body.Acks, req.sizeBytes)
		}
	}

	req.release()
}
