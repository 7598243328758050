// Package ir defines the wire and storage types shared by every vaultsync
// package: payload values, change records, batches, conflicts, and the
// typed SyncError taxonomy.
//
// It also owns the byte-exact encodings that replication depends on:
// RFC 8785 canonical JSON, domain-separated SHA-256 checksums, and the
// optional keyed BLAKE2b record signature.
//
// Key design constraints:
//   - NO float types in payloads. Money and quantities are int64 minor units.
//   - All JSON tags use snake_case.
//   - Checksums are computed over canonical JSON only, never json.Marshal output.
//
// ir imports only vclock. Every other internal package imports ir.
package ir
