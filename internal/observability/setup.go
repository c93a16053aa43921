package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/nferch/spendscope/internal/config"
	"github.com/nferch/spendscope/internal/models"
)

// Provider wires the prometheus registry and optional OTLP tracing for
// pipeline runs. A nil provider is valid and records nothing, so callers
// never have to branch on whether metrics are enabled.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promExporter   *prometheus.Exporter
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	recordsNormalized  *promreg.CounterVec
	identityResolution *promreg.CounterVec
	anomalies          *promreg.CounterVec
	factsUpserted      *promreg.CounterVec
	mergeDuration      *promreg.HistogramVec
	varianceGauge      *promreg.GaugeVec
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("spendscope"),
		),
	)
	if err != nil {
		return nil, err
	}

	if cfg.EnableOTLP {
		endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{}
		switch {
		case strings.HasPrefix(endpoint, "http://"):
			endpoint = strings.TrimPrefix(endpoint, "http://")
			opts = append(opts, otlptracegrpc.WithInsecure())
		case strings.HasPrefix(endpoint, "https://"):
			endpoint = strings.TrimPrefix(endpoint, "https://")
		default:
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))

		client := otlptracegrpc.NewClient(opts...)
		exporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		provider.tracerProvider = tp
		provider.shutdownFuncs = append(provider.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		registry := promreg.NewRegistry()
		promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(promExporter),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
		provider.promExporter = promExporter
		provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
		provider.shutdownFuncs = append(provider.shutdownFuncs, mp.Shutdown)

		recordsNormalized := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "spendscope",
				Name:      "records_normalized_total",
				Help:      "Raw records emitted by source normalizers.",
			},
			[]string{"source"},
		)
		identityResolution := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "spendscope",
				Name:      "identity_resolutions_total",
				Help:      "Identity resolutions by method.",
			},
			[]string{"source", "method"},
		)
		anomalies := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "spendscope",
				Name:      "run_anomalies_total",
				Help:      "Non-fatal anomalies recorded during runs.",
			},
			[]string{"source", "kind"},
		)
		factsUpserted := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "spendscope",
				Name:      "facts_upserted_total",
				Help:      "Fact rows written by the merger.",
			},
			[]string{"source", "shape"},
		)
		mergeDuration := promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "spendscope",
				Name:      "merge_duration_seconds",
				Help:      "Duration of partition merges.",
				Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)
		varianceGauge := promreg.NewGaugeVec(
			promreg.GaugeOpts{
				Namespace: "spendscope",
				Name:      "reconciliation_variance_percent",
				Help:      "Latest reconciliation variance per source.",
			},
			[]string{"source"},
		)

		for _, c := range []promreg.Collector{recordsNormalized, identityResolution, anomalies, factsUpserted, mergeDuration, varianceGauge} {
			if err := registry.Register(c); err != nil {
				return nil, err
			}
		}
		provider.recordsNormalized = recordsNormalized
		provider.identityResolution = identityResolution
		provider.anomalies = anomalies
		provider.factsUpserted = factsUpserted
		provider.mergeDuration = mergeDuration
		provider.varianceGauge = varianceGauge
	}

	return provider, nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

func (p *Provider) RecordNormalized(source string, count int) {
	if p == nil || p.recordsNormalized == nil || count <= 0 {
		return
	}
	p.recordsNormalized.WithLabelValues(source).Add(float64(count))
}

func (p *Provider) RecordResolution(source string, method models.ResolutionMethod) {
	if p == nil || p.identityResolution == nil {
		return
	}
	p.identityResolution.WithLabelValues(source, string(method)).Inc()
}

func (p *Provider) RecordAnomaly(source string, kind models.AnomalyKind) {
	if p == nil || p.anomalies == nil {
		return
	}
	p.anomalies.WithLabelValues(source, string(kind)).Inc()
}

func (p *Provider) RecordFacts(source, shape string, count int) {
	if p == nil || p.factsUpserted == nil || count <= 0 {
		return
	}
	p.factsUpserted.WithLabelValues(source, shape).Add(float64(count))
}

func (p *Provider) RecordMergeDuration(source string, duration time.Duration) {
	if p == nil || p.mergeDuration == nil {
		return
	}
	p.mergeDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func (p *Provider) RecordVariance(source string, percent float64) {
	if p == nil || p.varianceGauge == nil {
		return
	}
	p.varianceGauge.WithLabelValues(source).Set(percent)
}
