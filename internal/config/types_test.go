package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestDurationUnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"5s", 5 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"250ms", 250 * time.Millisecond, false},
		{"-5s", 0, true},
		{"nonsense", 0, true},
	}
	for _, tt := range tests {
		var d Duration
		err := d.UnmarshalText([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("UnmarshalText(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && d.Duration() != tt.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tt.in, d.Duration(), tt.want)
		}
	}
}

func TestDurationMarshalJSON(t *testing.T) {
	b, err := json.Marshal(Duration(90 * time.Second))
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	if string(b) != `"1m30s"` {
		t.Errorf("Marshal = %s, want \"1m30s\"", b)
	}
}

func TestSecretNeverLeaks(t *testing.T) {
	s := Secret("sk-very-secret")

	if got := s.String(); got != "[REDACTED]" {
		t.Errorf("String() = %q, want [REDACTED]", got)
	}
	if got := fmt.Sprintf("%v", s); got != "[REDACTED]" {
		t.Errorf("%%v = %q, want [REDACTED]", got)
	}
	if got := fmt.Sprintf("%#v", s); got != "Secret([REDACTED])" {
		t.Errorf("%%#v = %q, want Secret([REDACTED])", got)
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	if string(b) != `"[REDACTED]"` {
		t.Errorf("Marshal = %s, want \"[REDACTED]\"", b)
	}
	if s.Value() != "sk-very-secret" {
		t.Errorf("Value() = %q, want the raw secret", s.Value())
	}
	if !s.IsSet() {
		t.Error("IsSet() = false, want true")
	}
}

func TestSecretEmpty(t *testing.T) {
	var s Secret
	if s.String() != "" {
		t.Errorf("empty String() = %q, want empty", s.String())
	}
	if s.IsSet() {
		t.Error("IsSet() = true for empty secret")
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	if string(b) != `""` {
		t.Errorf("Marshal = %s, want \"\"", b)
	}
}

func TestSecretUnmarshalJSON(t *testing.T) {
	var s Secret
	if err := json.Unmarshal([]byte(`"raw-key"`), &s); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if s.Value() != "raw-key" {
		t.Errorf("Value() = %q, want raw-key", s.Value())
	}
}
