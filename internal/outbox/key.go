package outbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonical returns the deterministic serialization of a payload: JSON with
// object keys sorted. Two payloads with the same content always canonicalize
// to the same bytes, which makes the idempotency key stable across producer
// runs.
func Canonical(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	// Round-trip through a generic value: encoding/json writes map keys in
	// sorted order, which normalizes field order from arbitrary inputs.
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return json.Marshal(v)
}

// Key computes the idempotency key: a content hash over the backend, the
// operation, the endpoint and the canonical payload. Equal intended effects
// collide by construction; the outbox unique index turns the collision into
// a no-op insert.
func Key(backend, operation, endpoint string, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(backend))
	h.Write([]byte{'|'})
	h.Write([]byte(operation))
	h.Write([]byte{'|'})
	h.Write([]byte(endpoint))
	h.Write([]byte{'|'})
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}
