package ir

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Signer computes and verifies keyed BLAKE2b-256 signatures over change
// record identity. A nil *Signer signs nothing and accepts everything,
// which is the behaviour when no shared secret is configured.
type Signer struct {
	key []byte
}

// NewSigner creates a signer for the shared secret. An empty secret yields nil.
// Secrets longer than the BLAKE2b key limit are hashed down first.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	return &Signer{key: key}
}

// Sign returns the hex signature for a record. Returns "" for a nil signer.
func (s *Signer) Sign(rec ChangeRecord) string {
	if s == nil {
		return ""
	}
	h, err := blake2b.New256(s.key)
	if err != nil {
		// Key length is bounded in NewSigner.
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	h.Write([]byte(DomainSignature))
	h.Write([]byte{0x00})
	h.Write([]byte(signingInput(rec)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks the signature a record carries.
func (s *Signer) Verify(rec ChangeRecord) error {
	if s == nil {
		return nil
	}
	if rec.Signature == "" {
		return NewSyncError(ErrCodeSignatureInvalid, fmt.Sprintf("record %s is unsigned", rec.ID), nil)
	}
	want := s.Sign(rec)
	if subtle.ConstantTimeCompare([]byte(want), []byte(rec.Signature)) != 1 {
		return NewSyncError(ErrCodeSignatureInvalid, fmt.Sprintf("record %s has a bad signature", rec.ID), nil)
	}
	return nil
}

func signingInput(rec ChangeRecord) string {
	return rec.ID + "|" + rec.EntityType + "|" + rec.EntityID + "|" + rec.Checksum + "|" + rec.OriginNode
}
