// Package otel exports jobd traces and logs over OTLP/HTTP.
package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"lsh.app/jobd/core/config"
)

type shutdownFunc func(context.Context) error

// Telemetry holds the installed providers. A nil *Telemetry is valid and
// shuts down nothing.
type Telemetry struct {
	shutdowns []shutdownFunc
}

// Shutdown flushes and stops the providers in reverse installation order.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.shutdowns) - 1; i >= 0; i-- {
		if err := t.shutdowns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setup installs the global tracer and logger providers. user identifies
// the daemon instance, since every user runs their own. Setup returns nil
// when no endpoint is configured.
func Setup(ctx context.Context, cfg config.OTelConfig, user string) (*Telemetry, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	res, err := daemonResource(cfg, user)
	if err != nil {
		return nil, err
	}
	exp := exporterTarget{
		base:    strings.TrimSuffix(cfg.Endpoint, "/"),
		headers: parseHeaders(cfg.Headers),
	}

	t := &Telemetry{}
	for _, install := range []func(context.Context, exporterTarget, *resource.Resource) (shutdownFunc, error){
		installTraces,
		installLogs,
	} {
		shutdown, err := install(ctx, exp, res)
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, err
		}
		t.shutdowns = append(t.shutdowns, shutdown)
	}
	return t, nil
}

type exporterTarget struct {
	base    string
	headers map[string]string
}

func (e exporterTarget) url(signal string) string {
	return e.base + "/v1/" + signal
}

func daemonResource(cfg config.OTelConfig, user string) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.ServiceInstanceID(user),
			semconv.ProcessPID(os.Getpid()),
			semconv.ProcessOwner(user),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}
	return res, nil
}

func installTraces(ctx context.Context, exp exporterTarget, res *resource.Resource) (shutdownFunc, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(exp.url("traces")),
		otlptracehttp.WithHeaders(exp.headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	// stream messages carry trace ids across processes
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("tracer shutdown: %w", err)
		}
		return nil
	}, nil
}

func installLogs(ctx context.Context, exp exporterTarget, res *resource.Resource) (shutdownFunc, error) {
	exporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpointURL(exp.url("logs")),
		otlploghttp.WithHeaders(exp.headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating log exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(provider)

	return func(ctx context.Context) error {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("logger shutdown: %w", err)
		}
		return nil
	}, nil
}

// parseHeaders reads "k1=v1,k2=v2" as used by OTEL_EXPORTER_OTLP_HEADERS.
func parseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return headers
}
