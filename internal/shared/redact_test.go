package shared

import (
	"strings"
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	if got := Redact(input); got != "Bearer [REDACTED]" {
		t.Fatalf("Redact = %q, want %q", got, "Bearer [REDACTED]")
	}
}

func TestRedact_ExchangeCredentials(t *testing.T) {
	cases := []string{
		`api_key=abcdef1234567890abcdef`,
		`api_secret: "Zq9x8c7v6b5n4m3l2k1j"`,
		`passphrase=correct-horse-battery`,
		`signature=` + strings.Repeat("ab", 32),
	}
	for _, input := range cases {
		got := Redact(input)
		if got == input || !strings.Contains(got, redactedPlaceholder) {
			t.Fatalf("Redact(%q) = %q, expected redaction", input, got)
		}
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "vetoed proposal p-1: MAX_TOTAL_EXPOSURE"
	if got := Redact(input); got != input {
		t.Fatalf("Redact = %q, want unchanged", got)
	}
	if got := Redact(""); got != "" {
		t.Fatalf("Redact(\"\") = %q", got)
	}
}

func TestRedactEnvValue(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"MISSIONCTL_EXCHANGE_API_KEY", "abc", redactedPlaceholder},
		{"EXCHANGE_PASSPHRASE", "abc", redactedPlaceholder},
		{"MISSIONCTL_TOKEN", "abc", redactedPlaceholder},
		{"MISSIONCTL_LOG_LEVEL", "debug", "debug"},
	}
	for _, tc := range cases {
		if got := RedactEnvValue(tc.key, tc.value); got != tc.want {
			t.Fatalf("RedactEnvValue(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}
