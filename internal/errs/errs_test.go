package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestValidationErrorMessage(t *testing.T) {
	err := Invalid("control family", "ZZ", "unknown family", "AC", "AU")
	got := err.Error()
	for _, want := range []string{`invalid control family "ZZ"`, "unknown family", "valid values: AC, AU"} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, missing %q", got, want)
		}
	}
}

func TestClassificationHelpers(t *testing.T) {
	cause := errors.New("timeout")
	tests := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{"validation", fmt.Errorf("wrap: %w", Invalid("mode", "x", "bad")), IsValidation},
		{"not found", fmt.Errorf("wrap: %w", NotFound("plan", "p1")), IsNotFound},
		{"upstream", fmt.Errorf("wrap: %w", Upstream("scanner", cause)), IsUpstream},
		{"serialization", &SerializationError{Format: "csv", Err: cause}, IsSerialization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.is(tt.err) {
				t.Errorf("helper did not match %v", tt.err)
			}
			if IsNotFound(tt.err) && tt.name != "not found" {
				t.Errorf("IsNotFound matched %v", tt.err)
			}
		})
	}
	if !errors.Is(Upstream("scanner", cause), cause) {
		t.Error("UpstreamUnavailableError should unwrap to its cause")
	}
}
