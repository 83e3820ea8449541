// Package signature computes and verifies the HMAC that binds a score
// payload to the secret of its play session.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/score-integrity/internal/domain"
)

// Payload is the signed subset of a submission
type Payload struct {
	LevelID   string
	Value     int64
	Duration  float64
	Meta      map[string]any
	Timestamp int64
}

// PayloadOf extracts the signed fields from a submission
func PayloadOf(sub domain.ScoreSubmission) Payload {
	return Payload{
		LevelID:   sub.LevelID,
		Value:     sub.Value,
		Duration:  sub.Duration,
		Meta:      sub.Meta,
		Timestamp: sub.Timestamp,
	}
}

// Canonical renders p as compact JSON with keys in the fixed order
// levelId, value, duration, meta, timestamp. Nested maps are written with
// sorted keys so the client and server agree byte for byte.
func Canonical(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"levelId":`)
	if err := writeValue(&buf, p.LevelID); err != nil {
		return nil, fmt.Errorf("encoding levelId: %w", err)
	}
	buf.WriteString(`,"value":`)
	if err := writeValue(&buf, p.Value); err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	buf.WriteString(`,"duration":`)
	if err := writeValue(&buf, p.Duration); err != nil {
		return nil, fmt.Errorf("encoding duration: %w", err)
	}
	buf.WriteString(`,"meta":`)
	if p.Meta == nil {
		buf.WriteString("{}")
	} else if err := writeValue(&buf, p.Meta); err != nil {
		return nil, fmt.Errorf("encoding meta: %w", err)
	}
	buf.WriteString(`,"timestamp":`)
	if err := writeValue(&buf, p.Timestamp); err != nil {
		return nil, fmt.Errorf("encoding timestamp: %w", err)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// writeValue marshals v without HTML escaping. encoding/json already sorts
// map keys, which keeps nested objects deterministic.
func writeValue(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

// Sign returns the lowercase hex HMAC-SHA256 of the canonical payload,
// keyed with the bytes of the session secret.
func Sign(p Payload, secret string) (string, error) {
	msg, err := Canonical(p)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac(msg, secret)), nil
}

// Verify reports whether claimed is the signature of p under secret.
// Any malformed input yields false.
func Verify(p Payload, claimed, secret string) bool {
	if secret == "" || claimed == "" {
		return false
	}
	want, err := hex.DecodeString(claimed)
	if err != nil {
		return false
	}
	msg, err := Canonical(p)
	if err != nil {
		return false
	}
	return hmac.Equal(want, mac(msg, secret))
}

func mac(msg []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(msg)
	return h.Sum(nil)
}
