package debug

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseCategories(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]bool
	}{
		{"empty", "", map[string]bool{}},
		{"single", "sandbox", map[string]bool{"sandbox": true}},
		{"multiple", "sandbox,executor", map[string]bool{"sandbox": true, "executor": true}},
		{"all", "all", map[string]bool{"all": true}},
		{"with spaces", " sandbox , executor ", map[string]bool{"sandbox": true, "executor": true}},
		{"uppercase normalized", "SANDBOX,Executor", map[string]bool{"sandbox": true, "executor": true}},
		{"empty segments", "sandbox,,executor", map[string]bool{"sandbox": true, "executor": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCategories(tt.input)
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("got[%q] = %v, want %v", k, got[k], v)
				}
			}
			if len(got) != len(tt.want) {
				t.Errorf("len(got) = %d, want %d", len(got), len(tt.want))
			}
		})
	}
}

func TestEnabled(t *testing.T) {
	// Save and restore.
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("sandbox,executor")

	if !Enabled("sandbox") {
		t.Error("sandbox should be enabled")
	}
	if !Enabled("executor") {
		t.Error("executor should be enabled")
	}
	if Enabled("server") {
		t.Error("server should not be enabled")
	}
	if Enabled("all") {
		t.Error("all should not be enabled (not in categories)")
	}
}

func TestEnabled_All(t *testing.T) {
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("all")

	if !Enabled("sandbox") {
		t.Error("sandbox should be enabled via 'all'")
	}
	if !Enabled("executor") {
		t.Error("executor should be enabled via 'all'")
	}
	if !Enabled("anything") {
		t.Error("anything should be enabled via 'all'")
	}
}

func TestEnabled_Empty(t *testing.T) {
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("")

	if Enabled("sandbox") {
		t.Error("nothing should be enabled when no categories set")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"TRACE", LevelTrace},
		{"trace", LevelTrace},
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate short = %q, want %q", got, "short")
	}
	if got := Truncate("this is a long string", 10); got != "this is a ..." {
		t.Errorf("Truncate long = %q, want %q", got, "this is a ...")
	}
}

func TestLog_DisabledCategory(t *testing.T) {
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("")

	// Should not panic or produce output.
	Log("sandbox", "test message", "key", "value")
	Trace("sandbox", "trace message", "key", "value")
}

func TestInit_WritesToConfiguredOutputAsJSON(t *testing.T) {
	origOut, origCats, origLogger := output, categories, slog.Default()
	defer func() {
		output, categories = origOut, origCats
		slog.SetDefault(origLogger)
	}()
	t.Setenv("PYSANDBOX_DEBUG", "")
	t.Setenv("PYSANDBOX_LOG_LEVEL", "")

	var buf bytes.Buffer
	output = &buf
	Init("sandbox", "debug", "json")

	Log("sandbox", "run started", "backend", "subprocess")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "run started" || rec["debug"] != "sandbox" || rec["backend"] != "subprocess" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestInit_EnvOverridesConfig(t *testing.T) {
	origOut, origCats, origLogger := output, categories, slog.Default()
	defer func() {
		output, categories = origOut, origCats
		slog.SetDefault(origLogger)
	}()
	t.Setenv("PYSANDBOX_DEBUG", "executor")
	t.Setenv("PYSANDBOX_LOG_LEVEL", "ERROR")

	var buf bytes.Buffer
	output = &buf
	Init("sandbox", "debug", "text")

	if Enabled("sandbox") || !Enabled("executor") {
		t.Errorf("categories should come from PYSANDBOX_DEBUG, got %v", Categories())
	}
	slog.Warn("suppressed")
	if strings.Contains(buf.String(), "suppressed") {
		t.Error("WARN should be filtered at ERROR level")
	}
}

func TestRaw_OnlyAtTrace(t *testing.T) {
	origOut, origCats, origLogger := output, categories, slog.Default()
	defer func() {
		output, categories = origOut, origCats
		slog.SetDefault(origLogger)
	}()
	t.Setenv("PYSANDBOX_DEBUG", "")
	t.Setenv("PYSANDBOX_LOG_LEVEL", "")

	var buf bytes.Buffer
	output = &buf

	Init("executor", "debug", "text")
	Raw("executor", "print('hidden')")
	if buf.Len() != 0 {
		t.Errorf("Raw wrote %q below TRACE", buf.String())
	}

	Init("executor", "trace", "text")
	Raw("sandbox", "print('other category')")
	Raw("executor", "print('shown')")
	if buf.String() != "print('shown')\n" {
		t.Errorf("Raw output = %q, want the plain text", buf.String())
	}
}

func TestCategories_Sorted(t *testing.T) {
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("server, auth,executor")
	got := strings.Join(Categories(), ",")
	if got != "auth,executor,server" {
		t.Errorf("Categories() = %s, want auth,executor,server", got)
	}
}
