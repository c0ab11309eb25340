package shared

import "testing"

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	if got := Redact(input); got == input || got != "Bearer [REDACTED]" {
		t.Fatalf("expected redaction, got %q", got)
	}
}

func TestRedact_TelegramToken(t *testing.T) {
	input := "token is 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"
	if got := Redact(input); got == input {
		t.Fatalf("expected redaction, got %q", got)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "this is a normal log message"
	if got := Redact(input); got != input {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedact_Empty(t *testing.T) {
	if got := Redact(""); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestRedactEnvValue(t *testing.T) {
	cases := []struct{ key, value, expect string }{
		{"CHORUS_TELEGRAM_TOKEN", "some-secret", "[REDACTED]"},
		{"auth_token", "abc123", "[REDACTED]"},
		{"LOG_LEVEL", "info", "info"},
	}
	for _, tc := range cases {
		if got := RedactEnvValue(tc.key, tc.value); got != tc.expect {
			t.Errorf("RedactEnvValue(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.expect)
		}
	}
}
