// Package observability wires prometheus metrics and the optional OTLP
// tracer for a raijin node.
package observability

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled      bool           `yaml:"enabled"`
	OTLPEndpoint string         `yaml:"otlp_endpoint"`
	Insecure     bool           `yaml:"insecure"`
	SampleRatio  float64        `yaml:"sample_ratio"`
	Resource     ResourceConfig `yaml:"resource"`
}

type ResourceConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
}

type Config struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

var (
	metricsEnabled int32
	tracingEnabled int32

	defaultTracer trace.Tracer

	opsTotal           *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
	batchesSentTotal   prometheus.Counter
	documentsSentTotal prometheus.Counter
	acksTotal          prometheus.Counter
	subConnsActive     prometheus.Gauge
	streamsActive      prometheus.Gauge

	httpSrv *http.Server
)

func MetricsEnabled() bool {
	return atomic.LoadInt32(&metricsEnabled) == 1
}

func TracingEnabled() bool {
	return atomic.LoadInt32(&tracingEnabled) == 1
}

func Tracer() trace.Tracer {
	if defaultTracer != nil {
		return defaultTracer
	}
	return otel.Tracer("raijin")
}

func Init(ctx context.Context, cfg Config, l *slog.Logger) (func(context.Context) error, error) {
	shutdownFns := []func(context.Context) error{}

	if cfg.Metrics.Enabled {
		atomic.StoreInt32(&metricsEnabled, 1)
		opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raijin_ops_total",
			Help: "Number of protocol operations",
		}, []string{"op"})
		errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raijin_errors_total",
			Help: "Errors by stage",
		}, []string{"stage"})
		batchesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raijin_batches_sent_total",
			Help: "Subscription batches sent, heartbeats included",
		})
		documentsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raijin_documents_sent_total",
			Help: "Documents delivered in subscription batches",
		})
		acksTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raijin_acks_total",
			Help: "Batch acknowledgments recorded",
		})
		subConnsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raijin_subscription_connections_active",
			Help: "Active subscription worker connections",
		})
		streamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raijin_streams_active",
			Help: "Active QUIC streams",
		})
		prometheus.MustRegister(opsTotal, errorsTotal, batchesSentTotal,
			documentsSentTotal, acksTotal, subConnsActive, streamsActive)

		mux := http.NewServeMux()
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.Handler())
		httpSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				l.Error("metrics http server", "err", err)
			}
		}()
		l.Info("metrics server started", "addr", cfg.Metrics.Addr)
		shutdownFns = append(shutdownFns, func(ctx context.Context) error { return httpSrv.Shutdown(ctx) })
	}

	if cfg.Tracing.Enabled {
		atomic.StoreInt32(&tracingEnabled, 1)
		var opts []otlptracegrpc.Option
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Tracing.OTLPEndpoint))
		if cfg.Tracing.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			l.Error("init otlp exporter", "err", err)
		} else {
			sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.SampleRatio))
			res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
				"",
				attribute.String("service.name", cfg.Tracing.Resource.ServiceName),
				attribute.String("service.version", cfg.Tracing.Resource.ServiceVersion),
				attribute.String("deployment.environment", cfg.Tracing.Resource.Environment),
			))
			tp := sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(exp),
				sdktrace.WithSampler(sampler),
				sdktrace.WithResource(res),
			)
			otel.SetTracerProvider(tp)
			defaultTracer = tp.Tracer("raijin")
			shutdownFns = append(shutdownFns, func(ctx context.Context) error { return tp.Shutdown(ctx) })
		}
	}

	return func(ctx context.Context) error {
		for i := len(shutdownFns) - 1; i >= 0; i-- {
			_ = shutdownFns[i](ctx)
		}
		return nil
	}, nil
}

func IncOp(op string) {
	if !MetricsEnabled() {
		return
	}
	opsTotal.WithLabelValues(op).Inc()
}

func IncError(stage string) {
	if !MetricsEnabled() {
		return
	}
	errorsTotal.WithLabelValues(stage).Inc()
}

func IncBatchesSent() {
	if !MetricsEnabled() {
		return
	}
	batchesSentTotal.Inc()
}

func AddDocumentsSent(n int) {
	if !MetricsEnabled() {
		return
	}
	documentsSentTotal.Add(float64(n))
}

func IncAcks() {
	if !MetricsEnabled() {
		return
	}
	acksTotal.Inc()
}

func IncSubscriptionConnections(delta float64) {
	if !MetricsEnabled() {
		return
	}
	subConnsActive.Add(delta)
}

func IncStreams(delta float64) {
	if !MetricsEnabled() {
		return
	}
	streamsActive.Add(delta)
}
