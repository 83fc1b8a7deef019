// Package server implements the TCP front end for the Kafka wire protocol.
// It owns connection lifecycle and framing; every decoded request flows
// through the request channel, which owns buffers, instrumentation, and
// response dispatch.
package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kmsg"
	"golang.org/x/sys/unix"

	"github.com/kanal-io/kanal/internal/channel"
	"github.com/kanal-io/kanal/internal/logging"
)

// ErrServerClosed is returned when operations are attempted on a closed server.
var ErrServerClosed = errors.New("server closed")

// Handler processes decoded requests. The returned response is encoded and
// dispatched by the channel; returning a nil response with a nil error
// completes the request without a response (acks=0 produce).
type Handler interface {
	Handle(ctx context.Context, req *channel.Request) (kmsg.Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *channel.Request) (kmsg.Response, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *channel.Request) (kmsg.Response, error) {
	return f(ctx, req)
}

// Config holds the configuration for one listener.
type Config struct {
	// ListenerName names the listener (PLAINTEXT, SSL, CONTROLLER, ...).
	ListenerName string
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxRequestSize bounds the length prefix of inbound frames.
	MaxRequestSize int32
	// Privileged marks the controller-forwarding listener; only privileged
	// listeners may carry envelope requests.
	Privileged bool
	TLS        TLSConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenerName:   "PLAINTEXT",
		ListenAddr:     ":9092",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestSize: 100 * 1024 * 1024,
	}
}

// SecurityProtocol returns the listener's security protocol, derived from the
// TLS setting. SASL listeners are not supported.
func (c Config) SecurityProtocol() string {
	if c.TLS.Enabled {
		return "SSL"
	}
	return "PLAINTEXT"
}

// Server accepts connections on one listener and admits their requests into
// the channel. Requests on a connection are handled serially; pipelined
// requests queue in the kernel until the current one completes.
type Server struct {
	cfg     Config
	channel *channel.Channel
	handler Handler
	logger  *logging.Logger

	mu           sync.Mutex
	listener     net.Listener
	conns        map[net.Conn]struct{}
	stopping     atomic.Bool
	closed       atomic.Bool
	connWg       sync.WaitGroup
	inflightWg   sync.WaitGroup
	requestMu    sync.Mutex
	connSeq      atomic.Int64
	certReloader *CertReloader
}

// New creates a Server admitting requests into ch and dispatching them to
// handler.
func New(cfg Config, ch *channel.Channel, handler Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Server{
		cfg:     cfg,
		channel: ch,
		handler: handler,
		logger:  logger.With(map[string]any{"listener": cfg.ListenerName}),
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenAndServe starts the server on the configured address. When TLS is
// enabled the listener supports certificate hot-reload.
func (s *Server) ListenAndServe() error {
	if s.cfg.TLS.Enabled {
		ln, reloader, err := NewTLSListener(s.cfg.ListenAddr, s.cfg.TLS, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create TLS listener: %w", err)
		}
		s.certReloader = reloader
		s.certReloader.StartWatcher(30 * time.Second)
		return s.Serve(ln)
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Infof("listener started", map[string]any{"addr": ln.Addr().String()})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() || s.closed.Load() {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				s.logger.Warnf("temporary accept error", map[string]any{"error": err.Error()})
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept error: %w", err)
		}

		s.connWg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the listener's address, or nil if not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close shuts down the server immediately, dropping in-flight requests.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	s.requestMu.Lock()
	s.stopping.Store(true)
	s.requestMu.Unlock()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if s.certReloader != nil {
		s.certReloader.Stop()
	}

	s.connWg.Wait()
	return nil
}

// StopAccepting stops accepting new connections and new requests on existing
// connections.
func (s *Server) StopAccepting() error {
	s.requestMu.Lock()
	if s.closed.Load() {
		s.requestMu.Unlock()
		return ErrServerClosed
	}
	if s.stopping.Load() {
		s.requestMu.Unlock()
		return nil
	}
	s.stopping.Store(true)
	s.requestMu.Unlock()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	return nil
}

// Drain waits for in-flight requests to complete, then closes all
// connections.
func (s *Server) Drain(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	done := make(chan struct{})
	go func() {
		s.inflightWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if s.certReloader != nil {
		s.certReloader.Stop()
	}

	s.connWg.Wait()
	s.closed.Store(true)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Shutdown stops accepting, drains in-flight requests, and closes
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.StopAccepting(); err != nil {
		return err
	}
	return s.Drain(ctx)
}

// ReloadCertificate manually triggers a certificate reload.
func (s *Server) ReloadCertificate() error {
	if s.certReloader == nil {
		return errors.New("TLS is not enabled")
	}
	return s.certReloader.Reload()
}

// serverConn wraps a connection with a serialized, deadline-guarded,
// length-prefixed writer. The channel's send capability closes over it.
type serverConn struct {
	net.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

// writeFrame writes one length-prefixed response frame.
func (c *serverConn) writeFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))
	if _, err := c.Conn.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := c.Conn.Write(payload); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.connWg.Done()

	// Per-connection context, cancelled when the connection goes away so
	// long-running handlers (long-poll fetch) can exit early.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()
	defer conn.Close()

	seq := s.connSeq.Add(1)
	sc := &serverConn{Conn: conn, writeTimeout: s.cfg.WriteTimeout}
	connectionID := fmt.Sprintf("%s-%s-%d", conn.LocalAddr(), conn.RemoteAddr(), seq)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	if reg := s.channel.Registry(); reg != nil {
		reg.ConnectionOpened()
	}
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		if reg := s.channel.Registry(); reg != nil {
			reg.ConnectionClosed()
		}
	}()

	logger := s.logger.WithCorrelationID(uuid.NewString()).With(map[string]any{
		"connectionId": connectionID,
		"remoteAddr":   conn.RemoteAddr().String(),
	})
	logger.Debug("connection accepted")

	send := func(_ string, payload []byte) error {
		return sc.writeFrame(payload)
	}

	rc := &channel.RequestContext{
		ConnectionID:           connectionID,
		ClientAddr:             channel.ExtractHostFromAddr(conn.RemoteAddr()),
		Principal:              channel.AnonymousPrincipal,
		ListenerName:           s.cfg.ListenerName,
		SecurityProtocol:       s.cfg.SecurityProtocol(),
		FromPrivilegedListener: s.cfg.Privileged,
	}

	for {
		if s.stopping.Load() || s.closed.Load() {
			return
		}

		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		size, err := s.readFrameSize(conn)
		if err != nil {
			s.logReadError(logger, err)
			return
		}

		s.requestMu.Lock()
		if s.stopping.Load() || s.closed.Load() {
			s.requestMu.Unlock()
			return
		}
		s.inflightWg.Add(1)
		s.requestMu.Unlock()

		// The connection goroutine doubles as the processor id; requests on a
		// connection are handled one at a time.
		req, err := s.channel.AdmitFrom(connCtx, int(seq), rc, conn, size, send)
		if err != nil {
			s.inflightWg.Done()
			if errors.Is(err, channel.ErrMalformedRequest) {
				logger.Warnf("rejecting malformed request", map[string]any{"error": err.Error()})
			} else {
				s.logReadError(logger, err)
			}
			return
		}

		reqLogger := logger.With(map[string]any{
			"apiKey":        req.Header.APIKey,
			"apiVersion":    req.Header.APIVersion,
			"correlationId": req.Header.CorrelationID,
			"clientId":      req.Header.ClientID,
			"request":       req.MetricName(),
		})
		reqLogger.Debug("request admitted")

		ctx := logging.WithLoggerCtx(connCtx, reqLogger)

		// Per-request context cancelled when the connection closes, detected
		// by polling the socket without consuming pipelined bytes.
		reqCtx, reqCancel := context.WithCancel(ctx)
		monitorDone := make(chan struct{})
		go s.monitorConnection(conn, reqCtx, reqCancel, monitorDone)

		handlerStart := time.Now()
		resp, err := s.handler.Handle(reqCtx, req)
		times := channel.RequestTimes{
			LocalMs: float64(time.Since(handlerStart)) / float64(time.Millisecond),
		}

		reqCancel()
		<-monitorDone

		if err != nil {
			reqLogger.Errorf("handler error", map[string]any{"error": err.Error()})
			fallback := channel.BuildFallbackResponse(req)
			if sendErr := s.channel.SendResponse(req, fallback, times); sendErr != nil {
				reqLogger.Warnf("failed to send fallback response", map[string]any{"error": sendErr.Error()})
				s.inflightWg.Done()
				return
			}
			s.inflightWg.Done()
			continue
		}

		if resp == nil {
			// acks=0: complete without a response.
			s.channel.Discard(req, nil, times)
			s.inflightWg.Done()
			continue
		}

		if err := s.channel.SendResponse(req, resp, times); err != nil {
			reqLogger.Warnf("failed to send response", map[string]any{"error": err.Error()})
			s.inflightWg.Done()
			return
		}
		s.inflightWg.Done()
		reqLogger.Debug("response sent")
	}
}

// readFrameSize reads and validates the 4-byte length prefix of the next
// request frame.
func (s *Server) readFrameSize(r io.Reader) (int, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return 0, err
	}
	length := int32(binary.BigEndian.Uint32(lengthBuf[:]))
	if length <= 0 || length > s.cfg.MaxRequestSize {
		return 0, fmt.Errorf("invalid request size: %d", length)
	}
	return int(length), nil
}

func (s *Server) logReadError(logger *logging.Logger, err error) {
	switch {
	case err == io.EOF || s.closed.Load():
		logger.Debug("connection closed")
	case isTimeout(err):
		logger.Debug("read timeout")
	case isConnReset(err):
		logger.Debug("connection reset by peer")
	default:
		logger.Warnf("read error", map[string]any{"error": err.Error()})
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func isConnReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset by peer")
}

// monitorConnection watches for connection closure while a handler is
// running, using poll so no pipelined request bytes are consumed. When the
// remote end hangs up it cancels the request context.
func (s *Server) monitorConnection(conn net.Conn, ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		// TLS or test connections have no raw fd; fall back to waiting for
		// the handler to finish.
		<-ctx.Done()
		return
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		<-ctx.Done()
		return
	}

	var fd int
	if err := rawConn.Control(func(fdPtr uintptr) {
		fd = int(fdPtr)
	}); err != nil {
		<-ctx.Done()
		return
	}

	pollFds := []unix.PollFd{{
		Fd:     int32(fd),
		Events: unix.POLLHUP | unix.POLLERR | pollRDHUP,
	}}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := unix.Poll(pollFds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			cancel()
			return
		}

		if n > 0 && pollFds[0].Revents != 0 {
			cancel()
			return
		}
	}
}
