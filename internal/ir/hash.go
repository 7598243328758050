package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Domain prefixes for checksums.
// Version suffix enables future algorithm migration.
const (
	DomainPayload   = "vaultsync/payload/v1"
	DomainBatch     = "vaultsync/batch/v1"
	DomainSignature = "vaultsync/signature/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadChecksum computes the checksum of a change record payload over
// its canonical JSON. Returns a SerializationError if the payload cannot be
// canonically encoded.
func PayloadChecksum(payload Object) (string, error) {
	canonical, err := MarshalCanonical(payload)
	if err != nil {
		return "", NewSerializationError("payload checksum", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// BatchChecksum computes the cumulative checksum of a batch from the
// per-record checksums, in batch order. An empty batch has a well-defined
// checksum too.
func BatchChecksum(records []ChangeRecord) string {
	parts := make([]string, len(records))
	for i := range records {
		parts[i] = records[i].Checksum
	}
	return hashWithDomain(DomainBatch, []byte(strings.Join(parts, "\n")))
}

// VerifyRecord recomputes the payload checksum of a record and compares it to
// the one it carries.
func VerifyRecord(rec ChangeRecord) error {
	sum, err := PayloadChecksum(rec.Payload)
	if err != nil {
		return err
	}
	if sum != rec.Checksum {
		return NewChecksumMismatch(fmt.Sprintf("record %s: expected %s, computed %s", rec.ID, rec.Checksum, sum))
	}
	return nil
}

// VerifyBatch checks every record checksum and the cumulative batch checksum.
// Any mismatch rejects the whole batch.
func VerifyBatch(records []ChangeRecord, batchChecksum string) error {
	for i := range records {
		if err := VerifyRecord(records[i]); err != nil {
			return err
		}
	}
	if got := BatchChecksum(records); got != batchChecksum {
		return NewChecksumMismatch(fmt.Sprintf("batch: expected %s, computed %s", batchChecksum, got))
	}
	return nil
}
