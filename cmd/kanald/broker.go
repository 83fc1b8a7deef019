package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/kanal-io/kanal/internal/channel"
	"github.com/kanal-io/kanal/internal/config"
	"github.com/kanal-io/kanal/internal/logging"
	"github.com/kanal-io/kanal/internal/metrics"
	"github.com/kanal-io/kanal/internal/pool"
	"github.com/kanal-io/kanal/internal/server"
)

// BrokerOptions carries everything needed to construct a Broker.
type BrokerOptions struct {
	Config *config.Config
	Logger *logging.Logger
	// Handler processes admitted requests. When nil, the broker answers
	// ApiVersions itself and every other API gets an error response.
	Handler server.Handler

	BrokerID  string
	Version   string
	GitCommit string
	BuildTime string
}

// Broker wires the request channel front end together: the buffer pool, the
// metrics registry, the client and controller listeners, and the operational
// HTTP surface.
type Broker struct {
	cfg     *config.Config
	logger  *logging.Logger
	promReg *prometheus.Registry

	pool     *pool.BufferPool
	channel  *channel.Channel
	handler  server.Handler
	listener *server.Server
	// controllerListener is non-nil when a privileged forwarding listener is
	// configured.
	controllerListener *server.Server
	health             *server.HealthServer
}

// NewBroker builds a Broker from options. Nothing listens until Start.
func NewBroker(opts BrokerOptions) (*Broker, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	logger = logger.With(map[string]any{"brokerId": opts.BrokerID})

	promReg := prometheus.NewRegistry()
	registry, err := metrics.NewRegistry(metrics.RegistryConfig{
		SizeThresholdsMB:  cfg.SizeThresholdsMB(),
		TimeThresholdsMs:  cfg.TimeThresholdsMs(),
		TimeBucketMetrics: cfg.Channel.TimeBucketMetrics,
	}, promReg)
	if err != nil {
		return nil, fmt.Errorf("failed to build metrics registry: %w", err)
	}

	bufferPool := pool.New(cfg.Channel.RequestBufferCount, cfg.Channel.MaxRequestSizeBytes)
	ch := channel.New(bufferPool, registry, logger)

	b := &Broker{
		cfg:     cfg,
		logger:  logger,
		promReg: promReg,
		pool:    bufferPool,
		channel: ch,
		handler: opts.Handler,
	}

	listenerCfg := server.Config{
		ListenerName:   "PLAINTEXT",
		ListenAddr:     cfg.Broker.ListenAddr,
		ReadTimeout:    time.Duration(cfg.Broker.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:   time.Duration(cfg.Broker.WriteTimeoutMs) * time.Millisecond,
		MaxRequestSize: int32(cfg.Channel.MaxRequestSizeBytes),
	}
	if cfg.Broker.TLS.Enabled {
		listenerCfg.ListenerName = "SSL"
		listenerCfg.TLS = server.TLSConfig{
			Enabled:  true,
			CertFile: cfg.Broker.TLS.CertFile,
			KeyFile:  cfg.Broker.TLS.KeyFile,
		}
	}
	b.listener = server.New(listenerCfg, ch, server.HandlerFunc(b.handle), logger)

	if cfg.Broker.ControllerListenAddr != "" {
		controllerCfg := listenerCfg
		controllerCfg.ListenerName = "CONTROLLER"
		controllerCfg.ListenAddr = cfg.Broker.ControllerListenAddr
		controllerCfg.Privileged = true
		controllerCfg.TLS = server.TLSConfig{}
		b.controllerListener = server.New(controllerCfg, ch, server.HandlerFunc(b.handle), logger)
	}

	b.health = server.NewHealthServer(cfg.Observability.MetricsAddr, logger)
	b.health.RegisterHandler("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	b.health.RegisterReadinessCheck(server.NewBufferPoolChecker(bufferPool))
	b.health.RegisterReadinessCheck(server.NewListenerChecker(b.listener))
	if b.controllerListener != nil {
		b.health.RegisterReadinessCheck(server.NewListenerChecker(b.controllerListener))
	}

	return b, nil
}

// Channel returns the broker's request channel.
func (b *Broker) Channel() *channel.Channel {
	return b.channel
}

// ListenerAddr returns the bound address of the client listener, nil before
// Start.
func (b *Broker) ListenerAddr() net.Addr {
	return b.listener.Addr()
}

// ControllerAddr returns the bound address of the privileged listener, nil
// when none is configured or before Start.
func (b *Broker) ControllerAddr() net.Addr {
	if b.controllerListener == nil {
		return nil
	}
	return b.controllerListener.Addr()
}

// HealthAddr returns the bound address of the health/metrics server.
func (b *Broker) HealthAddr() string {
	return b.health.Addr()
}

// handle dispatches a request to the configured handler, answering
// ApiVersions locally so clients can negotiate before any backend handler is
// wired.
func (b *Broker) handle(ctx context.Context, req *channel.Request) (kmsg.Response, error) {
	if _, ok := req.Body.(*kmsg.ApiVersionsRequest); ok {
		return apiVersionsResponse(req.Header.APIVersion), nil
	}
	if b.handler == nil {
		return nil, fmt.Errorf("no handler for API %s", req.MetricName())
	}
	return b.handler.Handle(ctx, req)
}

// apiVersionsResponse advertises every API the request decoder understands.
func apiVersionsResponse(version int16) *kmsg.ApiVersionsResponse {
	resp := kmsg.NewPtrApiVersionsResponse()
	resp.SetVersion(version)
	for key := int16(0); key <= kmsg.MaxKey; key++ {
		req := kmsg.Key(key).Request()
		if req == nil {
			continue
		}
		k := kmsg.NewApiVersionsResponseApiKey()
		k.ApiKey = key
		k.MinVersion = 0
		k.MaxVersion = req.MaxVersion()
		resp.ApiKeys = append(resp.ApiKeys, k)
	}
	return resp
}

// Start brings up the health server and listeners and blocks until a
// listener fails or the context is cancelled.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.health.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- b.listener.ListenAndServe()
	}()
	if b.controllerListener != nil {
		go func() {
			errCh <- b.controllerListener.ListenAndServe()
		}()
	}

	b.logger.Infof("broker started", map[string]any{
		"listenAddr":           b.cfg.Broker.ListenAddr,
		"controllerListenAddr": b.cfg.Broker.ControllerListenAddr,
		"metricsAddr":          b.health.Addr(),
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the broker: readiness flips first so load
// balancers drain, then the listeners stop accepting and in-flight requests
// complete.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.health.SetShuttingDown()

	var firstErr error
	shutdown := func(s *server.Server) {
		if s == nil {
			return
		}
		if err := s.Shutdown(ctx); err != nil && !errors.Is(err, server.ErrServerClosed) && firstErr == nil {
			firstErr = err
		}
	}
	shutdown(b.listener)
	shutdown(b.controllerListener)

	if err := b.health.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
