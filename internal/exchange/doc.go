// Package exchange implements the pull side and the serving side of the
// batch protocol two terminals run when they meet.
//
// The requester POSTs its vector clock to the peer's /api/sync/push. The
// peer answers with at most ir.MaxBatchSize records the requester has not
// seen, in change log order, plus a cumulative checksum and a has_more flag.
// The requester verifies every record checksum, the batch checksum and (when
// a shared secret is configured) every signature before anything is applied.
// A batch that fails verification is rejected whole.
//
// Responses are snappy-compressed when the requester sends
// "Accept-Encoding: snappy".
package exchange
