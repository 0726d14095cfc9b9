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

package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ngnhng/sahale/internal/server/types"
)

// LevelTrace sits below debug and carries per-attempt invoker detail.
const LevelTrace = slog.Level(-8)

type LoggerConfig struct {
	Level  string `env:"LOG_LEVEL"  envDefault:"info"` // trace|debug|info|warn|error
	Format string `env:"LOG_FORMAT" envDefault:"auto"` // auto|json|text
	// WorkflowLevel filters what workflow code logs through its context.
	// Empty follows Level.
	WorkflowLevel  string  `env:"LOG_WORKFLOW_LEVEL"`
	Output         string  `env:"LOG_OUTPUT"        envDefault:"stdout"` // stdout,stderr,file,file:/path
	FilePath       string  `env:"LOG_FILE_PATH"`
	FileMode       string  `env:"LOG_FILE_MODE"     envDefault:"0644"`
	SampleRate     float64 `env:"LOG_SAMPLE_RATE"   envDefault:"1"`
	ExtraFieldsRaw string  `env:"LOG_EXTRA_FIELDS"` // key=val,key=val
	OTELExporter   string  `env:"LOG_OTEL_EXPORTER" envDefault:"none"`
	OTELEndpoint   string  `env:"LOG_OTEL_ENDPOINT"`

	mu    sync.Mutex
	files map[string]*os.File
}

func parseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

func (lc *LoggerConfig) validate() error {
	var errs []string
	for name, raw := range map[string]string{"LOG_LEVEL": lc.Level, "LOG_WORKFLOW_LEVEL": lc.WorkflowLevel} {
		if _, ok := parseLevel(raw); raw != "" && !ok {
			errs = append(errs, fmt.Sprintf("unknown %s %q", name, raw))
		}
	}
	switch lc.Format {
	case "", "auto", "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("unknown LOG_FORMAT %q", lc.Format))
	}
	switch lc.OTELExporter {
	case "", "none", "otlp-http", "otlp-grpc":
	default:
		errs = append(errs, fmt.Sprintf("unknown LOG_OTEL_EXPORTER %q", lc.OTELExporter))
	}
	for _, o := range lc.outputs() {
		if o.kind == "file" && o.path == "" {
			errs = append(errs, "LOG_OUTPUT names a file but LOG_FILE_PATH is empty")
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("logger: %s", strings.Join(errs, "; "))
}

type logOutput struct {
	kind string // stdout|stderr|file
	path string
}

// outputs parses LOG_OUTPUT. Duplicates collapse and unknown entries are
// skipped with a warning.
func (lc *LoggerConfig) outputs() []logOutput {
	var out []logOutput
	seen := make(map[logOutput]bool)
	for _, raw := range strings.Split(lc.Output, ",") {
		raw = strings.TrimSpace(raw)
		var o logOutput
		switch lower := strings.ToLower(raw); {
		case raw == "":
			continue
		case strings.HasPrefix(lower, "file:"):
			o = logOutput{kind: "file", path: raw[len("file:"):]}
		case lower == "file":
			o = logOutput{kind: "file", path: lc.FilePath}
		case lower == "stdout", lower == "stderr":
			o = logOutput{kind: lower}
		default:
			slog.Warn("unknown log output entry", "entry", raw)
			continue
		}
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	return out
}

// Writers opens every configured output. Files are opened once per path
// and kept for the life of the process. It never returns an empty slice.
func (c *Config) Writers() []io.Writer {
	var writers []io.Writer
	for _, o := range c.Logger.outputs() {
		switch o.kind {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		case "file":
			if f := c.Logger.open(o.path); f != nil {
				writers = append(writers, f)
			}
		}
	}
	if len(writers) == 0 {
		return []io.Writer{os.Stdout}
	}
	return writers
}

func (lc *LoggerConfig) open(path string) *os.File {
	if path == "" {
		return nil
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if f, ok := lc.files[path]; ok {
		return f
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, lc.fileMode())
	if err != nil {
		slog.Warn("cannot open log file", "path", path, "error", err)
		return nil
	}
	if lc.files == nil {
		lc.files = make(map[string]*os.File)
	}
	lc.files[path] = f
	return f
}

func (lc *LoggerConfig) fileMode() os.FileMode {
	mode, err := strconv.ParseUint(lc.FileMode, 8, 32)
	if err != nil || mode == 0 {
		return 0o644
	}
	return os.FileMode(mode)
}

// ParseExtraFields turns LOG_EXTRA_FIELDS into the static attributes every
// record carries, such as the deployment region.
func (lc *LoggerConfig) ParseExtraFields() map[string]string {
	res := make(map[string]string)
	for _, p := range strings.Split(lc.ExtraFieldsRaw, ",") {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if ok && k != "" {
			res[k] = strings.TrimSpace(v)
		}
	}
	return res
}

func (c *Config) LogLevel() slog.Level {
	l, _ := parseLevel(c.Logger.Level)
	return l
}

func (c *Config) WorkflowLogLevel() slog.Level {
	if l, ok := parseLevel(c.Logger.WorkflowLevel); ok {
		return l
	}
	return c.LogLevel()
}

func (c *Config) SampleRate() float64 {
	return min(max(c.Logger.SampleRate, 0), 1)
}

func (c *Config) LogFormat() string              { return c.Logger.Format }
func (c *Config) OTELExporter() string           { return c.Logger.OTELExporter }
func (c *Config) OTELEndpoint() string           { return c.Logger.OTELEndpoint }
func (c *Config) ExtraFields() map[string]string { return c.Logger.ParseExtraFields() }
func (c *Config) ModeField() types.Mode          { return c.Mode }
