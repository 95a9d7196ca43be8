package sync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/xelth-com/seedtrackgo/internal/models"
)

// Hasher computes the stable digest of a queued change
type Hasher interface {
	Hash(entityType, entityID, operation string, baseVersion int64, payload []byte) (string, error)
}

// ChecksumCalculator is the SHA-256 Hasher over canonical JSON
type ChecksumCalculator struct{}

// NewChecksumCalculator creates a new checksum calculator
func NewChecksumCalculator() *ChecksumCalculator {
	return &ChecksumCalculator{}
}

func (ChecksumCalculator) Hash(entityType, entityID, operation string, baseVersion int64, payload []byte) (string, error) {
	return ContentHash(entityType, entityID, operation, baseVersion, payload)
}

// ContentHash digests the semantic content of a change. Object key order
// and whitespace in payload do not affect the result; timestamps outside
// the payload are not part of it.
func ContentHash(entityType, entityID, operation string, baseVersion int64, payload []byte) (string, error) {
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}

	envelope := map[string]interface{}{
		"entity_type":  entityType,
		"entity_id":    entityID,
		"operation":    operation,
		"base_version": baseVersion,
		"payload":      json.RawMessage(canon),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON re-encodes raw with sorted object keys. Numbers keep their
// literal form. Empty input canonicalizes to null.
func CanonicalJSON(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return json.Marshal(v)
}

// VerifyChange recomputes the hash of a stored change
func VerifyChange(h Hasher, c *models.PendingChange) error {
	if c.Payload == nil {
		return fmt.Errorf("%w: payload unreadable", ErrIntegrity)
	}
	got, err := h.Hash(c.EntityType, c.EntityID, c.Operation, c.BaseVersion, c.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if got != c.ContentHash {
		return ErrIntegrity
	}
	return nil
}
