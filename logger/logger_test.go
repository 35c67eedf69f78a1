package logger

import (
	"bytes"
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	prev := GetLevel()
	defer SetLevel(prev)

	SetLevel(WARN)
	Info("wifi_lan", "hidden %d", 1)
	Warn("wifi_lan", "shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected INFO line to be filtered, got %q", out)
	}
	if !strings.Contains(out, "[wifi_lan WARN ] shown 2") {
		t.Errorf("Expected formatted WARN line, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"trace":   TRACE,
		"DEBUG":   DEBUG,
		" warn ":  WARN,
		"warning": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("Expected ParseLevel(%q) = %v, got %v", in, want, got)
		}
	}
}

func TestToJSONProto(t *testing.T) {
	out := ToJSON(wrapperspb.String("salt"))
	if !strings.Contains(out, "salt") {
		t.Errorf("Expected proto JSON to contain value, got %q", out)
	}

	out = ToJSON(map[string]int{"port": 8080})
	if !strings.Contains(out, "\"port\": 8080") {
		t.Errorf("Expected struct JSON, got %q", out)
	}
}
