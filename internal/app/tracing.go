package app

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vladislavdragonenkov/rescuebag/internal/version"
)

const serviceName = "rescuebag-order-service"

// initTracing создаёт TracerProvider. При выключенной трассировке возвращается noop,
// глобальный провайдер не меняется.
//
// Экспортёр не подключается: спаны нужны для trace_id в логах и для
// W3C traceparent между сервисами.
func initTracing(cfg Config, logger *log.Entry) (trace.TracerProvider, func(context.Context) error) {
	if !cfg.TracingEnabled {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version.GetVersion()),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TracingSampleRatio))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.WithField("sample_ratio", cfg.TracingSampleRatio).Info("tracing enabled")
	return provider, provider.Shutdown
}
