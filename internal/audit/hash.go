package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

type hashable struct {
	Sequence    int64  `json:"sequence"`
	ID          string `json:"id"`
	Type        string `json:"type"`
	CallID      string `json:"call_id"`
	ActorID     string `json:"actor_id"`
	Timestamp   string `json:"timestamp"`
	DetailsHash string `json:"details_hash"`
}

// canonical applies RFC 8785. The transform only accepts an object or array
// at the top level, so empty details canonicalize as "{}".
func canonical(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(h[:])
}

// DetailsHash hashes the canonical form of already-redacted details.
func DetailsHash(details json.RawMessage) (string, error) {
	c, err := canonical(details)
	if err != nil {
		return "", err
	}
	return sum(c), nil
}

// ComputeEventHash returns SHA-256(canonical fields ‖ previous hash).
func ComputeEventHash(ev Event) (string, error) {
	fields, err := json.Marshal(hashable{
		Sequence:    ev.Sequence,
		ID:          ev.ID,
		Type:        string(ev.Type),
		CallID:      ev.CallID,
		ActorID:     ev.ActorID,
		Timestamp:   ev.Timestamp.UTC().Format(time.RFC3339Nano),
		DetailsHash: ev.DetailsHash,
	})
	if err != nil {
		return "", err
	}
	c, err := canonical(fields)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(c)
	h.Write([]byte(ev.PreviousEventHash))
	return hashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
