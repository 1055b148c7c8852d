package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfWrappedChain(t *testing.T) {
	base := New(CodeQuotaExhausted, "quota hit")
	wrapped := fmt.Errorf("resolver: %w", base)

	if got := CodeOf(wrapped); got != CodeQuotaExhausted {
		t.Errorf("CodeOf() = %v, want %v", got, CodeQuotaExhausted)
	}
	if !IsCode(wrapped, CodeQuotaExhausted) {
		t.Error("IsCode() = false, want true")
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, CodeNetworkError, "fetch failed")

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{CodeCredentialMissing, true},
		{CodeCredentialInvalid, true},
		{CodeCredentialBlocked, true},
		{CodeQuotaExhausted, true},
		{CodeNetworkTimeout, false},
		{CodeNetworkError, false},
		{CodeParse, false},
		{CodeEmptyResult, false},
	}

	for _, tt := range tests {
		if got := IsTerminal(New(tt.code, "x")); got != tt.want {
			t.Errorf("IsTerminal(%v) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestIsRetryablePartition(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("IsRetryable(nil) = true, want false")
	}
	if !IsRetryable(errors.New("plain error")) {
		t.Error("IsRetryable(plain) = false, want true")
	}
	if IsRetryable(New(CodeCredentialInvalid, "bad key")) {
		t.Error("IsRetryable(terminal) = true, want false")
	}
	if IsRetryable(New(CodeParse, "garbage")) {
		t.Error("IsRetryable(parse) = true, want false")
	}
	if !IsRetryable(New(CodeNetworkTimeout, "deadline")) {
		t.Error("IsRetryable(timeout) = false, want true")
	}
}

func TestRemediationOnlyForTerminal(t *testing.T) {
	for _, code := range []Code{CodeCredentialMissing, CodeCredentialInvalid, CodeCredentialBlocked, CodeQuotaExhausted} {
		if Remediation(New(code, "x")) == "" {
			t.Errorf("Remediation(%v) empty, want hint", code)
		}
	}
	if Remediation(New(CodeNetworkError, "x")) != "" {
		t.Error("Remediation(network) non-empty, want empty")
	}
}
