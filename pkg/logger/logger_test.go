package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestDetectEnv(t *testing.T) {
	t.Setenv("APP_ENV", "")
	if got := DetectEnv(); got != EnvDev {
		t.Fatalf("default should be dev, got %q", got)
	}

	t.Setenv("APP_ENV", "staging")
	if got := DetectEnv(); got != EnvStage {
		t.Fatalf("expected stage, got %q", got)
	}

	t.Setenv("APP_ENV", "Production")
	if got := DetectEnv(); got != EnvProd {
		t.Fatalf("expected prod, got %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNew_DevStd_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{
		Service: "collabd",
		Env:     EnvDev,
		Backend: BackendStd,
		Level:   slog.LevelDebug,
		Output:  &buf,
	})
	l.Debug("hello world")

	out := buf.String()
	if strings.Contains(out, "{") {
		t.Fatalf("expected text output in dev, got: %s", out)
	}
	for _, want := range []string{"hello world", "service=collabd", "env=dev", "instance_id="} {
		if !strings.Contains(out, want) {
			t.Fatalf("%q missing: %s", want, out)
		}
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Env: EnvDev, Backend: BackendStd, Level: slog.LevelWarn, Output: &buf})
	l.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}
}

func TestNew_ProdZap_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{
		Service:          "collabd",
		Version:          "1.2.3",
		Env:              EnvProd,
		Level:            slog.LevelInfo,
		SampleInitial:    100000,
		SampleThereafter: 100000,
		Output:           &buf,
	})
	l.Info("booted", slog.String("k", "v"))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("expected JSON line, got %s, err=%v", buf.String(), err)
	}
	if m["msg"] != "booted" {
		t.Fatalf("msg mismatch: %v", m["msg"])
	}
	if m["service"] != "collabd" || m["env"] != "prod" || m["version"] != "1.2.3" {
		t.Fatalf("attrs missing: %v", m)
	}
	if m["level"] != "INFO" {
		t.Fatalf("level mismatch: %v", m["level"])
	}
	if m["k"] != "v" {
		t.Fatalf("custom field missing: %v", m["k"])
	}
}

func TestTraceIDsFromContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	l := New(Config{Env: EnvStage, Backend: BackendStd, Output: &buf})
	l.InfoContext(ctx, "with trace")

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("expected JSON, got %s, err=%v", buf.String(), err)
	}
	if m["trace_id"] != span.SpanContext().TraceID().String() || m["span_id"] == nil {
		t.Fatalf("trace ids missing: %v", m)
	}

	if attrs := AttrsFromCtx(context.Background()); attrs != nil {
		t.Fatalf("expected no attrs without a span, got %v", attrs)
	}
}

func TestInitSetsDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	l := Init(Config{Env: EnvDev, Backend: BackendStd, Output: &buf})
	if L() != l {
		t.Fatalf("L() did not return the installed logger")
	}
	slog.Info("via default")
	if !strings.Contains(buf.String(), "via default") {
		t.Fatalf("default logger not installed: %s", buf.String())
	}
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
}
