package webhook

import (
	"strings"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	body := []byte(`{"id":"evt-1"}`)
	signature := Sign("s3cret", 1700000000, body)
	if !strings.HasPrefix(signature, "sha256=") || len(signature) != len("sha256=")+64 {
		t.Fatalf("unexpected signature format %q", signature)
	}
	if !Verify("s3cret", 1700000000, body, signature) {
		t.Fatalf("expected signature to verify")
	}

	cases := []struct {
		name      string
		secret    string
		timestamp int64
		body      string
		signature string
	}{
		{name: "wrong secret", secret: "other", timestamp: 1700000000, body: string(body), signature: signature},
		{name: "wrong timestamp", secret: "s3cret", timestamp: 1700000001, body: string(body), signature: signature},
		{name: "tampered body", secret: "s3cret", timestamp: 1700000000, body: `{"id":"evt-2"}`, signature: signature},
		{name: "missing prefix", secret: "s3cret", timestamp: 1700000000, body: string(body), signature: strings.TrimPrefix(signature, "sha256=")},
	}
	for _, tc := range cases {
		if Verify(tc.secret, tc.timestamp, []byte(tc.body), tc.signature) {
			t.Fatalf("%s: expected verification failure", tc.name)
		}
	}
}

func TestGenerateSecretIsRandomHex(t *testing.T) {
	t.Parallel()

	a, err := GenerateSecret()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, _ := GenerateSecret()
	if len(a) != 64 || a == b {
		t.Fatalf("expected distinct 64-char secrets, got %q and %q", a, b)
	}
	if strings.Trim(a, "0123456789abcdef") != "" {
		t.Fatalf("expected lowercase hex secret, got %q", a)
	}
}
