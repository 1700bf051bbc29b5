package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// InitMeter configures the global MeterProvider with two readers: a
// periodic OTLP gRPC push (10s interval) for a collector pipeline, and a
// pull-based Prometheus bridge for C12's /metrics endpoint — mirroring the
// teacher's otelinit.InitMetrics, which hands back an analogous
// `promHandler` alongside the push exporter. Returns the provider's
// shutdown func, the process-wide Meter, and the Prometheus scrape handler
// (nil if the bridge could not be built).
func InitMeter(ctx context.Context, service string) (shutdown func(context.Context) error, meter metric.Meter, promHandler http.Handler) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	var readers []sdkmetric.Option

	promExp, err := prometheus.New()
	if err != nil {
		slog.Warn("prometheus metrics bridge init failed", "error", err)
	} else {
		readers = append(readers, sdkmetric.WithReader(promExp))
		promHandler = promhttp.Handler()
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	otlpExp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		slog.Warn("otel metrics exporter init failed", "error", err)
	} else {
		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExp, sdkmetric.WithInterval(10*time.Second))))
	}

	opts := append([]sdkmetric.Option{sdkmetric.WithResource(res)}, readers...)
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "otlp_endpoint", endpoint, "prometheus_bridge", promHandler != nil)
	return mp.Shutdown, otel.Meter("bioflow-orchestrator"), promHandler
}
