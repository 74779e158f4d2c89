package util

import (
	"errors"
	"strings"
	"testing"
)

func TestParseError(t *testing.T) {
	err := NewParseError("limit bandwidth to -5kb/s", "rate must be positive")

	msg := err.Error()
	if !strings.Contains(msg, "limit bandwidth to -5kb/s") {
		t.Errorf("Error message should contain clause: %s", msg)
	}
	if !strings.Contains(msg, "rate must be positive") {
		t.Errorf("Error message should contain reason: %s", msg)
	}

	if !errors.Is(err, ErrParseFailure) {
		t.Errorf("ParseError should unwrap to ErrParseFailure")
	}
}

func TestParseErrorNoClause(t *testing.T) {
	err := NewParseError("", "empty submission")
	msg := err.Error()
	if !strings.Contains(msg, "empty submission") {
		t.Errorf("Error message should contain reason: %s", msg)
	}
}

func TestTargetError(t *testing.T) {
	err := NewTargetError("kind:printer")
	if !strings.Contains(err.Error(), "kind:printer") {
		t.Errorf("Error message should contain selector: %s", err.Error())
	}
	if !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("TargetError should unwrap to ErrUnknownTarget")
	}
}

func TestConflictError(t *testing.T) {
	err := NewConflictError("esp32-audio-1/device_control/gain", "clause 1", "clause 2")
	msg := err.Error()
	if !strings.Contains(msg, "esp32-audio-1/device_control/gain") {
		t.Errorf("Error message should contain key: %s", msg)
	}
	if !errors.Is(err, ErrCompileConflict) {
		t.Errorf("ConflictError should unwrap to ErrCompileConflict")
	}
}

func TestApplyError(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		err := NewApplyError("01J9ZX5EAB22R0", "apply", "tc exited 2")
		if !errors.Is(err, ErrApplyRejected) {
			t.Errorf("ApplyError should unwrap to ErrApplyRejected")
		}
		if errors.Is(err, ErrApplyTimeout) {
			t.Errorf("non-timeout ApplyError should not match ErrApplyTimeout")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		err := NewApplyTimeout("01J9ZX5EAB22R0", "apply", "deadline exceeded")
		if !errors.Is(err, ErrApplyTimeout) {
			t.Errorf("timeout ApplyError should unwrap to ErrApplyTimeout")
		}
		if !strings.Contains(err.Error(), "timed out") {
			t.Errorf("timeout message should say timed out: %s", err.Error())
		}
	})
}

func TestConfigError(t *testing.T) {
	err := NewConfigError("grammar.json", "rule 3 references unknown parameter {speed}")
	if !strings.Contains(err.Error(), "grammar.json") {
		t.Errorf("Error message should contain file: %s", err.Error())
	}
	if !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("ConfigError should unwrap to ErrConfigInvalid")
	}
}

func TestValidationError(t *testing.T) {
	t.Run("single error", func(t *testing.T) {
		err := NewValidationError("field is required")
		msg := err.Error()
		if !strings.Contains(msg, "field is required") {
			t.Errorf("Error message should contain the error: %s", msg)
		}
		if !errors.Is(err, ErrValidationFailed) {
			t.Errorf("ValidationError should unwrap to ErrValidationFailed")
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		err := NewValidationError("qos must be 0, 1 or 2", "sampling interval too low")
		msg := err.Error()
		if !strings.Contains(msg, "qos must be 0, 1 or 2") || !strings.Contains(msg, "sampling interval too low") {
			t.Errorf("Error message should contain all errors: %s", msg)
		}
	})
}

func TestValidationBuilder(t *testing.T) {
	t.Run("no errors", func(t *testing.T) {
		var b ValidationBuilder
		b.Add(true, "should not appear")
		if b.HasErrors() {
			t.Error("builder with passing checks should have no errors")
		}
		if err := b.Build(); err != nil {
			t.Errorf("Build() = %v, want nil", err)
		}
	})

	t.Run("accumulates", func(t *testing.T) {
		var b ValidationBuilder
		b.Add(false, "first failure").
			AddError("second failure").
			AddErrorf("third %s", "failure")
		if !b.HasErrors() {
			t.Error("builder should have errors")
		}
		err := b.Build()
		if err == nil {
			t.Fatal("Build() = nil, want error")
		}
		msg := err.Error()
		for _, want := range []string{"first failure", "second failure", "third failure"} {
			if !strings.Contains(msg, want) {
				t.Errorf("Build() error missing %q: %s", want, msg)
			}
		}
	})
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"parse", NewParseError("x", "y"), "parse_failure"},
		{"target", NewTargetError("cameras"), "unknown_target"},
		{"conflict", NewConflictError("k", "a", "b"), "compile_conflict"},
		{"timeout", NewApplyTimeout("p", "apply", "deadline"), "apply_timeout"},
		{"rejected", NewApplyError("p", "apply", "no"), "apply_rejected"},
		{"transport", ErrTransportUnavailable, "transport_unavailable"},
		{"metric", ErrMetricUnavailable, "metric_unavailable"},
		{"store", ErrStoreUnavailable, "store_unavailable"},
		{"degraded", ErrDegraded, "store_unavailable"},
		{"validation", NewValidationError("bad"), "parse_failure"},
		{"notfound", ErrNotFound, "not_found"},
		{"wrapped", errors.Join(errors.New("ctx"), ErrConflict), "conflict"},
		{"unknown", errors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorKind(tt.err); got != tt.want {
				t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
