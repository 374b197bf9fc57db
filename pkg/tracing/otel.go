// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

// Package tracing 初始化 OTLP 上报并提供编排域的 span 起点：
// broker 评估、任务执行、队列租约。未初始化时均为 no-op。
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	// 创建 OTLP exporter
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	// 创建 resource
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	// 创建 tracer provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartEvaluateSpan 开始 broker evaluate span
func StartEvaluateSpan(ctx context.Context, executionID string, trigger string) (context.Context, trace.Span) {
	tracer := otel.Tracer("coflow")
	ctx, span := tracer.Start(ctx, "broker.evaluate",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("trigger.event_type", trigger),
		),
	)
	return ctx, span
}

// StartTaskSpan 开始 worker task execution span
func StartTaskSpan(ctx context.Context, nodeID string, taskType string) (context.Context, trace.Span) {
	tracer := otel.Tracer("coflow")
	ctx, span := tracer.Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("node.id", nodeID),
			attribute.String("task.type", taskType),
		),
	)
	return ctx, span
}

// StartLeaseSpan 开始队列租约 span
func StartLeaseSpan(ctx context.Context, workerID string) (context.Context, trace.Span) {
	tracer := otel.Tracer("coflow")
	ctx, span := tracer.Start(ctx, "queue.lease",
		trace.WithAttributes(
			attribute.String("worker.id", workerID),
		),
	)
	return ctx, span
}
