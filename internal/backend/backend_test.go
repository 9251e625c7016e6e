package backend

import (
	"context"
	"net/http"
	"testing"
	"time"

	"taskbridge/internal/config"
)

func TestSignatureSchemes(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"hello":"world"}`)
	cases := []struct {
		scheme string
	}{
		{config.SchemeHMACSHA256Hex},
		{config.SchemeHMACSHA1Hex},
		{config.SchemeHMACSHA256Base64},
	}
	for _, tc := range cases {
		sig := config.SignatureConfig{Scheme: tc.scheme, Header: "X-Signature"}
		h := http.Header{}
		h.Set("X-Signature", Sign(sig, secret, body, ""))
		if !VerifySignature(sig, secret, h, body) {
			t.Errorf("%s: valid signature rejected", tc.scheme)
		}
		if VerifySignature(sig, "wrong", h, body) {
			t.Errorf("%s: wrong secret accepted", tc.scheme)
		}
		if VerifySignature(sig, secret, h, []byte(`tampered`)) {
			t.Errorf("%s: tampered body accepted", tc.scheme)
		}
	}
}

func TestSignatureWithTimestamp(t *testing.T) {
	sig := config.SignatureConfig{
		Scheme: config.SchemeHMACSHA256Hex, Header: "X-Signature",
		WithTimestamp: true, TimestampHeader: "X-Timestamp",
	}
	secret := "s"
	body := []byte(`{}`)
	ts := "1717243200"
	h := http.Header{}
	h.Set("X-Signature", Sign(sig, secret, body, ts))
	h.Set("X-Timestamp", ts)
	if !VerifySignature(sig, secret, h, body) {
		t.Error("valid timestamped signature rejected")
	}
	h.Set("X-Timestamp", "1717243201")
	if VerifySignature(sig, secret, h, body) {
		t.Error("shifted timestamp accepted")
	}
	h.Del("X-Timestamp")
	if VerifySignature(sig, secret, h, body) {
		t.Error("missing timestamp accepted")
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{400, false}, {401, false}, {403, false}, {404, false}, {409, false},
		{408, true}, {425, true}, {429, true},
		{500, true}, {502, true}, {503, true},
	}
	for _, tc := range cases {
		err := &StatusError{Code: tc.code}
		if Retryable(err) != tc.want {
			t.Errorf("Retryable(%d) = %v, want %v", tc.code, !tc.want, tc.want)
		}
	}
	// Transport errors are retryable.
	if !Retryable(context.DeadlineExceeded) {
		t.Error("timeout should be retryable")
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := &StatusError{Code: 429, RetryAfter: 30 * time.Second}
	if RetryAfterHint(err) != 30*time.Second {
		t.Errorf("hint = %v", RetryAfterHint(err))
	}
	if RetryAfterHint(context.Canceled) != 0 {
		t.Errorf("hint for plain error should be 0")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("45"); got != 45*time.Second {
		t.Errorf("seconds form = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Errorf("garbage = %v", got)
	}
}

func TestMemoryIdempotency(t *testing.T) {
	mem := NewMemory(config.BackendConfig{Name: "board"})
	ctx := context.Background()
	op := Operation{
		Type:           OpCreateTask,
		Endpoint:       "/tasks",
		Payload:        []byte(`{"title":"x"}`),
		IdempotencyKey: "k1",
	}
	first, err := mem.Execute(ctx, op)
	if err != nil {
		t.Fatal(err)
	}
	second, err := mem.Execute(ctx, op)
	if err != nil {
		t.Fatal(err)
	}
	if first.ExternalID != second.ExternalID {
		t.Errorf("idempotent repeat changed external id: %s vs %s", first.ExternalID, second.ExternalID)
	}
	if mem.Effects() != 1 {
		t.Errorf("effects = %d, want 1", mem.Effects())
	}
}

func TestRegistryFromConfig(t *testing.T) {
	reg, err := NewRegistry([]config.BackendConfig{
		{Name: "board", Kind: "memory"},
		{Name: "alpha", Kind: "http", BaseURL: "https://alpha.example", TimeoutMS: 1000, ListTimeoutMS: 1000, Rate: config.RateConfig{RPS: 1, Burst: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("board"); !ok {
		t.Error("memory backend missing")
	}
	if _, ok := reg.Get("alpha"); !ok {
		t.Error("http backend missing")
	}
	if _, ok := reg.Get("nope"); ok {
		t.Error("unknown backend resolved")
	}
}
