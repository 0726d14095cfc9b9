// Copyright 2025 Nguyen Nhat Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger builds the process slog.Logger from configuration.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/ngnhng/sahale/internal/server/types"
)

// Options is satisfied by *config.Config.
type Options interface {
	ModeField() types.Mode
	LogLevel() slog.Level
	WorkflowLogLevel() slog.Level
	LogFormat() string
	Writers() []io.Writer
	SampleRate() float64
	OTELExporter() string
	OTELEndpoint() string
	ExtraFields() map[string]string
	ServiceName() string
	GetVersion() string
}

type Logger struct {
	Slogger *slog.Logger
	// Workflow is handed to workflow code through its context. It shares
	// Slogger's outputs but has its own level.
	Workflow *slog.Logger
	// LoggerProvider is nil unless an OTLP exporter is configured.
	*sdklog.LoggerProvider
}

// Shutdown flushes the OTLP exporter, if any.
func (l *Logger) Shutdown(ctx context.Context) error {
	if l.LoggerProvider == nil {
		return nil
	}
	return l.LoggerProvider.Shutdown(ctx)
}

func NewLogger(ctx context.Context, opts Options) (*Logger, error) {
	writers := opts.Writers()
	if len(writers) == 0 {
		return nil, fmt.Errorf("no log writer")
	}
	out := io.MultiWriter(writers...)
	level := min(opts.LogLevel(), opts.WorkflowLogLevel())

	handlers := make([]slog.Handler, 0, 2)
	var provider *sdklog.LoggerProvider

	if opts.ModeField() == types.ModeDebug && opts.LogFormat() != "json" {
		handlers = append(handlers, NewDebugHandler(out, level))
	} else {
		hopts := &slog.HandlerOptions{Level: level}
		if strings.EqualFold(opts.LogFormat(), "text") {
			handlers = append(handlers, slog.NewTextHandler(out, hopts))
		} else {
			handlers = append(handlers, slog.NewJSONHandler(out, hopts))
		}

		p, err := newProvider(ctx, opts)
		if err != nil {
			return nil, err
		}
		if p != nil {
			provider = p
			handlers = append(handlers, otelslog.NewHandler(opts.ServiceName(), otelslog.WithLoggerProvider(p)))
		}
	}

	var h slog.Handler = NewMultiHandler(handlers...)
	if rate := opts.SampleRate(); rate < 1 {
		h = NewSamplingHandler(h, rate)
	}

	fields := opts.ExtraFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, fields[k]))
	}
	h = h.WithAttrs(attrs)

	return &Logger{
		Slogger:        slog.New(NewLevelHandler(opts.LogLevel(), h)),
		Workflow:       slog.New(NewLevelHandler(opts.WorkflowLogLevel(), h)),
		LoggerProvider: provider,
	}, nil
}

func newProvider(ctx context.Context, opts Options) (*sdklog.LoggerProvider, error) {
	var (
		exporter sdklog.Exporter
		err      error
	)
	endpoint := opts.OTELEndpoint()
	switch opts.OTELExporter() {
	case "", "none":
		return nil, nil
	case "otlp-http":
		var eopts []otlploghttp.Option
		if endpoint != "" {
			eopts = append(eopts, otlploghttp.WithEndpointURL(endpoint))
		}
		exporter, err = otlploghttp.New(ctx, eopts...)
	case "otlp-grpc":
		var eopts []otlploggrpc.Option
		if endpoint != "" {
			eopts = append(eopts, otlploggrpc.WithEndpointURL(endpoint))
		}
		exporter, err = otlploggrpc.New(ctx, eopts...)
	default:
		return nil, fmt.Errorf("unknown OTEL exporter %q (want none|otlp-http|otlp-grpc)", opts.OTELExporter())
	}
	if err != nil {
		return nil, fmt.Errorf("create %s log exporter: %w", opts.OTELExporter(), err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName()),
			semconv.ServiceVersion(opts.GetVersion()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build log resource: %w", err)
	}

	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	), nil
}
