package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestLevelFromVerbosity(t *testing.T) {
	cases := map[int]string{0: "info", 1: "debug", 2: "trace", 5: "trace"}
	for v, want := range cases {
		if got := LevelFromVerbosity(v); got != want {
			t.Fatalf("LevelFromVerbosity(%d) = %q, want %q", v, got, want)
		}
	}
}

func TestApplyLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	applyLevel("debug")
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", zerolog.GlobalLevel())
	}
	applyLevel("bogus")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level fallback, got %s", zerolog.GlobalLevel())
	}
}

func TestApplyOutputs_WritesFile(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	path := filepath.Join(t.TempDir(), "logs", "pqlmem.log")
	var console bytes.Buffer
	applyOutputs(&console, nil, path)

	log.Info().Msg("hello from test")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Fatalf("expected message in log file, got %q", string(data))
	}
	if !strings.Contains(console.String(), "hello from test") {
		t.Fatalf("expected message on console, got %q", console.String())
	}
}

func TestFilePathForCatalog(t *testing.T) {
	if got := FilePathForCatalog(""); got != DefaultLogFileName {
		t.Fatalf("expected default file name, got %s", got)
	}
	got := FilePathForCatalog("/var/lib/pqlmem/catalog.db")
	if got != "/var/lib/pqlmem/pqlmem.log" {
		t.Fatalf("unexpected path %s", got)
	}
}
