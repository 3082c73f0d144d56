package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestVerboseOnlyOutput(t *testing.T) {
	calls := map[string]func(l *Logger){
		"InfoVerbose":    func(l *Logger) { l.InfoVerbose("detail: %s", "x") },
		"WarningVerbose": func(l *Logger) { l.WarningVerbose("detail: %s", "x") },
		"Debug":          func(l *Logger) { l.Debug("detail: %s", "x") },
		"Infof":          func(l *Logger) { l.Infof("detail: %s", "x") },
		"Errorf":         func(l *Logger) { l.Errorf("detail: %s", "x") },
	}

	for name, call := range calls {
		for _, verbose := range []bool{true, false} {
			buf := &bytes.Buffer{}
			call(NewLoggerWithWriter(verbose, false, false, buf))

			got := strings.Contains(buf.String(), "detail: x")
			if got != verbose {
				t.Errorf("%s with verbose=%t: got output %q", name, verbose, buf.String())
			}
		}
	}
}

func TestLevels(t *testing.T) {
	tests := []struct {
		name   string
		log    func(l *Logger)
		symbol string
		color  string
	}{
		{"info", func(l *Logger) { l.Info("server %s", "up") }, "ℹ", colorBlue},
		{"success", func(l *Logger) { l.Success("server %s", "up") }, "✓", colorGreen},
		{"warning", func(l *Logger) { l.Warning("server %s", "up") }, "⚠", colorYellow},
		{"error", func(l *Logger) { l.Error("server %s", "up") }, "✗", colorRed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plain := &bytes.Buffer{}
			tt.log(NewLoggerWithWriter(false, false, false, plain))
			if !strings.Contains(plain.String(), tt.symbol+" server up") {
				t.Errorf("got %q, want symbol and message", plain.String())
			}
			if strings.Contains(plain.String(), "\033[") {
				t.Errorf("got colour codes with colour disabled: %q", plain.String())
			}

			colored := &bytes.Buffer{}
			tt.log(NewLoggerWithWriter(false, true, false, colored))
			if !strings.Contains(colored.String(), tt.color) {
				t.Errorf("got %q, want colour %q", colored.String(), tt.color)
			}
		})
	}
}

func TestSetVerboseAndWriter(t *testing.T) {
	first := &bytes.Buffer{}
	logger := NewLoggerWithWriter(false, false, false, first)

	logger.Debug("hidden")
	logger.SetVerbose(true)
	if !logger.Verbose() {
		t.Fatal("SetVerbose(true) not applied")
	}
	logger.Debug("shown")

	second := &bytes.Buffer{}
	logger.SetWriter(second)
	if logger.Writer() != second {
		t.Error("Writer does not return the new writer")
	}
	logger.Info("moved")

	if strings.Contains(first.String(), "hidden") || !strings.Contains(first.String(), "shown") {
		t.Errorf("first writer got %q", first.String())
	}
	if strings.Contains(first.String(), "moved") || !strings.Contains(second.String(), "moved") {
		t.Errorf("message went to the wrong writer: %q / %q", first.String(), second.String())
	}
}

func TestNewLoggerWritesToStderr(t *testing.T) {
	logger := NewLogger(true, false, false)
	if logger.Writer() == nil {
		t.Fatal("NewLogger has no writer")
	}
	if !logger.Verbose() {
		t.Error("verbose flag not kept")
	}
}

func TestNilAndDiscardLoggers(t *testing.T) {
	for name, logger := range map[string]*Logger{"nil": nil, "discard": Discard()} {
		t.Run(name, func(t *testing.T) {
			logger.Info("x")
			logger.Error("x")
			logger.InfoVerbose("x")
			logger.WarningVerbose("x")
			logger.Request("tools/list", nil)
			logger.Response("tools/list", nil)
			logger.Notification("notifications/message", nil)
			logger.SetVerbose(true)
			if logger.Writer() == nil {
				t.Error("Writer returned nil")
			}
		})
	}
}

func TestTraceModes(t *testing.T) {
	params := map[string]any{"name": "echo"}

	tests := []struct {
		name        string
		jsonRPC     bool
		trace       func(l *Logger)
		wantKind    string
		wantPayload bool
	}{
		{"request summary", false, func(l *Logger) { l.Request("tools/call", params) }, "REQUEST tools/call", false},
		{"request dump", true, func(l *Logger) { l.Request("tools/call", params) }, "REQUEST tools/call", true},
		{"response dump", true, func(l *Logger) { l.Response("tools/call", params) }, "RESPONSE tools/call", true},
		{"notification summary", false, func(l *Logger) { l.Notification("notifications/tools/list_changed", params) }, "NOTIFICATION notifications/tools/list_changed", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.trace(NewLoggerWithWriter(false, false, tt.jsonRPC, buf))

			out := buf.String()
			if !strings.Contains(out, tt.wantKind) {
				t.Errorf("got %q, want %q", out, tt.wantKind)
			}
			if got := strings.Contains(out, `"name": "echo"`); got != tt.wantPayload {
				t.Errorf("payload shown = %t, want %t in %q", got, tt.wantPayload, out)
			}
		})
	}
}

func TestPrettyJSON(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"map", map[string]int{"a": 1}, "{\n  \"a\": 1\n}"},
		{"raw message is re-indented", json.RawMessage(`{"a":1}`), "{\n  \"a\": 1\n}"},
		{"unmarshalable falls back", func() {}, "0x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PrettyJSON(tt.in); !strings.Contains(got, tt.want) {
				t.Errorf("got %q, want it to contain %q", got, tt.want)
			}
		})
	}
}
