package ir

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vaultsync/internal/vclock"
)

func testRecord(t *testing.T, id string, payload Object) ChangeRecord {
	t.Helper()
	sum, err := PayloadChecksum(payload)
	require.NoError(t, err)
	return ChangeRecord{
		ID:              id,
		EntityType:      "product",
		EntityID:        "p-1",
		Operation:       OpUpdate,
		Payload:         payload,
		VectorTimestamp: vclock.Clock{"node-a": 1},
		OriginNode:      "node-a",
		Checksum:        sum,
		SequenceNumber:  1,
	}
}

func TestPayloadChecksum_IgnoresKeyOrder(t *testing.T) {
	a, err := PayloadChecksum(Object{"sku": String("A"), "price_cents": Int(100)})
	require.NoError(t, err)
	b, err := PayloadChecksum(Object{"price_cents": Int(100), "sku": String("A")})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64, "SHA-256 hex is 64 characters")
}

func TestPayloadChecksum_ChangesWithContent(t *testing.T) {
	a, err := PayloadChecksum(Object{"price_cents": Int(100)})
	require.NoError(t, err)
	b, err := PayloadChecksum(Object{"price_cents": Int(101)})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t, hashWithDomain(DomainPayload, data), hashWithDomain(DomainBatch, data))
	// The null separator keeps "ab"+"c" distinct from "a"+"bc".
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))
}

func TestVerifyRecord_DetectsCorruption(t *testing.T) {
	rec := testRecord(t, "r1", Object{"price_cents": Int(450)})
	require.NoError(t, VerifyRecord(rec))

	rec.Payload = Object{"price_cents": Int(451)}
	err := VerifyRecord(rec)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeChecksumMismatch))
}

func TestBatchChecksum_OrderSensitive(t *testing.T) {
	r1 := testRecord(t, "r1", Object{"n": Int(1)})
	r2 := testRecord(t, "r2", Object{"n": Int(2)})

	assert.NotEqual(t,
		BatchChecksum([]ChangeRecord{r1, r2}),
		BatchChecksum([]ChangeRecord{r2, r1}))
}

func TestVerifyBatch(t *testing.T) {
	records := []ChangeRecord{
		testRecord(t, "r1", Object{"n": Int(1)}),
		testRecord(t, "r2", Object{"n": Int(2)}),
	}
	sum := BatchChecksum(records)
	require.NoError(t, VerifyBatch(records, sum))

	err := VerifyBatch(records, strings.Repeat("0", 64))
	assert.True(t, IsCode(err, ErrCodeChecksumMismatch))

	records[1].Checksum = records[0].Checksum
	err = VerifyBatch(records, BatchChecksum(records))
	assert.True(t, IsCode(err, ErrCodeChecksumMismatch), "per-record checksum must also hold")
}

func TestBatch_Verify(t *testing.T) {
	rec := testRecord(t, "r1", Object{"n": Int(1)})
	b := NewBatch("node-a", vclock.Clock{"node-a": 1}, []ChangeRecord{rec}, false)
	require.NoError(t, b.Verify())

	empty := NewBatch("node-a", nil, nil, false)
	require.NoError(t, empty.Verify())
	assert.NotNil(t, empty.Records)

	b.Records[0].Payload = Object{"n": Int(2)}
	assert.True(t, IsCode(b.Verify(), ErrCodeChecksumMismatch))
}

func TestBatch_VerifyRejectsOversized(t *testing.T) {
	records := make([]ChangeRecord, MaxBatchSize+1)
	for i := range records {
		records[i] = testRecord(t, "r", Object{"i": Int(int64(i))})
	}
	b := NewBatch("node-a", nil, records, true)
	assert.Error(t, b.Verify())
}

func TestBatch_Clock(t *testing.T) {
	r1 := testRecord(t, "r1", Object{})
	r2 := testRecord(t, "r2", Object{})
	r2.VectorTimestamp = vclock.Clock{"node-a": 1, "node-b": 3}

	b := NewBatch("node-b", nil, []ChangeRecord{r1, r2}, false)
	assert.Equal(t, vclock.Clock{"node-a": 1, "node-b": 3}, b.Clock())
}
