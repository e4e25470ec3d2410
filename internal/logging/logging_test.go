package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	Shutdown()

	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func captureBase(buf *bytes.Buffer) {
	mu.Lock()
	defer mu.Unlock()
	baseLogger = zerolog.New(buf)
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "licensed",
	})

	mu.RLock()
	defer mu.RUnlock()

	if baseWriter != os.Stderr {
		t.Fatalf("expected base writer to be os.Stderr, got %#v", baseWriter)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}
	if baseComponent != "licensed" {
		t.Fatalf("expected base component licensed, got %s", baseComponent)
	}
	if !reflect.DeepEqual(log.Logger, baseLogger) {
		t.Fatal("expected global log.Logger to match baseLogger")
	}
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "console", Level: "info"})

	mu.RLock()
	defer mu.RUnlock()

	if _, ok := baseWriter.(zerolog.ConsoleWriter); !ok {
		t.Fatalf("expected console writer, got %#v", baseWriter)
	}
}

func TestInitAutoFormatWithPipe(t *testing.T) {
	t.Cleanup(resetLoggingState)

	origStderr := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stderr = w
	defer func() {
		os.Stderr = origStderr
		_ = r.Close()
		_ = w.Close()
	}()

	Init(Config{Format: "auto", Level: "info"})

	mu.RLock()
	defer mu.RUnlock()

	if baseWriter != w {
		t.Fatalf("expected base writer to use provided pipe, got %#v", baseWriter)
	}
}

func TestInitWritesRotatingFile(t *testing.T) {
	t.Cleanup(resetLoggingState)

	path := filepath.Join(t.TempDir(), "logs", "licensed.log")
	Init(Config{Format: "json", Level: "info", FilePath: path, MaxSizeMB: 1})

	log.Info().Str("fingerprint", "abc123").Msg("file-log")
	Shutdown()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "file-log") {
		t.Fatalf("expected log line in file, got %q", data)
	}
}

func TestWithRequestIDGeneratesAndTrims(t *testing.T) {
	ctx, generated := WithRequestID(context.Background(), "")
	if generated == "" {
		t.Fatal("expected generated request id")
	}
	if got := RequestID(ctx); got != generated {
		t.Fatalf("expected stored request id %s, got %s", generated, got)
	}

	_, id := WithRequestID(context.Background(), "  req-1  ")
	if id != "req-1" {
		t.Fatalf("expected trimmed request id, got %q", id)
	}
}

func TestFromContextAddsRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	captureBase(&buf)

	ctx, id := WithRequestID(context.Background(), "req-42")
	logger := FromContext(ctx)
	logger.Info().Msg("ctx-log")

	event := readJSONLine(t, &buf)
	if event["request_id"] != id {
		t.Fatalf("expected request_id %s, got %v", id, event["request_id"])
	}
}

func TestFromContextWithoutRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	captureBase(&buf)

	logger := FromContext(context.Background())
	logger.Info().Msg("plain")

	event := readJSONLine(t, &buf)
	if _, ok := event["request_id"]; ok {
		t.Fatalf("unexpected request_id field: %v", event)
	}
}

func TestInitThreadSafety(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var wg sync.WaitGroup
	configs := []Config{
		{Format: "json", Level: "debug", Component: "scanner"},
		{Format: "json", Level: "warn", Component: "api"},
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			Init(configs[idx%len(configs)])
		}(i)
	}
	wg.Wait()

	mu.RLock()
	defer mu.RUnlock()

	if reflect.DeepEqual(baseLogger, zerolog.Logger{}) {
		t.Fatal("expected initialized base logger")
	}
	if !reflect.DeepEqual(log.Logger, baseLogger) {
		t.Fatal("expected global log.Logger to match baseLogger after concurrent init")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"DEBUG":    zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q)=%s, want %s", in, got, want)
		}
	}
}

func TestIsLevelEnabled(t *testing.T) {
	t.Cleanup(resetLoggingState)

	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if IsLevelEnabled(zerolog.InfoLevel) {
		t.Fatal("info must be disabled at warn")
	}
	if !IsLevelEnabled(zerolog.ErrorLevel) {
		t.Fatal("error must be enabled at warn")
	}
}
