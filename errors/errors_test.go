package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClass_String(t *testing.T) {
	tests := []struct {
		class    Class
		expected string
	}{
		{ClassTransient, "transient"},
		{ClassInvalid, "invalid"},
		{ClassFatal, "fatal"},
		{ClassNotFound, "not_found"},
		{Class(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := test.class.String(); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"store unavailable", ErrStoreUnavailable, true},
		{"queue full", ErrQueueFull, true},
		{"rate limited", ErrRateLimited, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"query parse", ErrQueryParse, false},
		{"node not found", ErrNodeNotFound, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"connection in message", fmt.Errorf("nats connection refused"), true},
		{"classified transient", &ClassifiedError{Class: ClassTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ClassFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTransient(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"query parse", ErrQueryParse, true},
		{"query validation", ErrQueryValidation, true},
		{"depth exceeded", ErrDepthExceeded, true},
		{"unknown topic", ErrUnknownTopic, true},
		{"unknown action", ErrUnknownAction, true},
		{"invalid config", ErrInvalidConfig, true},
		{"connection lost", ErrConnectionLost, false},
		{"classified invalid", &ClassifiedError{Class: ClassInvalid, Err: fmt.Errorf("test")}, true},
		{"classified transient", &ClassifiedError{Class: ClassTransient, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsInvalid(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"node not found", ErrNodeNotFound, true},
		{"edge not found", ErrEdgeNotFound, true},
		{"project not found", ErrProjectNotFound, true},
		{"link not found", ErrLinkNotFound, true},
		{"unknown project", ErrUnknownProject, true},
		{"query parse", ErrQueryParse, false},
		{"classified not found", &ClassifiedError{Class: ClassNotFound, Err: fmt.Errorf("test")}, true},
		{"wrapped not found", WrapNotFound(ErrNodeNotFound, "Store", "GetNode", "lookup"), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsNotFound(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestWrap_Format(t *testing.T) {
	base := errors.New("bucket missing")
	wrapped := Wrap(base, "KVStore", "Open", "bind bucket")

	want := "KVStore.Open: bind bucket failed: bucket missing"
	if wrapped.Error() != want {
		t.Errorf("expected %q, got %q", want, wrapped.Error())
	}

	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should match base via errors.Is")
	}
}

func TestWrap_NilPassthrough(t *testing.T) {
	for name, fn := range map[string]func(error, string, string, string) error{
		"Wrap":          Wrap,
		"WrapTransient": WrapTransient,
		"WrapInvalid":   WrapInvalid,
		"WrapFatal":     WrapFatal,
		"WrapNotFound":  WrapNotFound,
	} {
		if got := fn(nil, "C", "M", "a"); got != nil {
			t.Errorf("%s(nil) = %v, want nil", name, got)
		}
	}
}

func TestWrap_PreservesClassification(t *testing.T) {
	base := ErrConnectionLost
	wrapped := WrapTransient(base, "WSClient", "Dial", "open socket")

	if !IsTransient(wrapped) {
		t.Error("classification should survive wrapping")
	}
	if !errors.Is(wrapped, base) {
		t.Error("sentinel should survive wrapping")
	}

	var ce *ClassifiedError
	if !errors.As(wrapped, &ce) {
		t.Fatal("expected ClassifiedError in chain")
	}
	if ce.Component != "WSClient" || ce.Operation != "Dial" {
		t.Errorf("unexpected origin: %s.%s", ce.Component, ce.Operation)
	}
	if !strings.Contains(ce.Message, "open socket failed") {
		t.Errorf("message missing action: %s", ce.Message)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Class
	}{
		{"nil defaults transient", nil, ClassTransient},
		{"not found", ErrNodeNotFound, ClassNotFound},
		{"invalid", ErrQueryValidation, ClassInvalid},
		{"fatal", ErrMissingConfig, ClassFatal},
		{"unknown defaults transient", errors.New("mystery"), ClassTransient},
		{"classified invalid", WrapInvalid(errors.New("x"), "P", "Parse", "tokenize"), ClassInvalid},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}
