package coreerr

import (
	"errors"
	"testing"
)

func TestClassifyTypedWrappers(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", NewValidationError("execute_python", "missing arg"), KindValidation},
		{"transient", NewTransientExternalError(errors.New("503")), KindTransientExternal},
		{"context_window", &ContextWindowExceeded{Limit: 100, Requested: 200}, KindContextWindowExceeded},
		{"rate_limit", &RateLimit{RetryAfterSeconds: 30}, KindRateLimit},
		{"cancellation", &CancellationRequested{Reason: "stop"}, KindCancellationRequested},
		{"persistence", &PersistenceFailure{Cause: errors.New("db down")}, KindPersistenceFailure},
		{"fatal", &FatalConfiguration{Detail: "missing token"}, KindFatalConfiguration},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Classify(c.err, nil); got != c.want {
				t.Fatalf("Classify(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestClassifyFallback(t *testing.T) {
	bare := errors.New("connection refused")
	if got := Classify(bare, func(error) bool { return true }); got != KindTransientExternal {
		t.Fatalf("expected fallback classifier to win, got %v", got)
	}
	if got := Classify(bare, func(error) bool { return false }); got != KindUnknown {
		t.Fatalf("expected unknown, got %v", got)
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil, nil); got != KindUnknown {
		t.Fatalf("expected KindUnknown for nil error, got %v", got)
	}
}
