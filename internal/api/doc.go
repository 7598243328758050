// Package api is the node's HTTP surface.
//
// Routes:
//
//	GET  /api/health                 liveness, answers with the node ID
//	GET  /api/sync/status            engine status snapshot
//	POST /api/sync/push              batch protocol (see package exchange)
//	GET  /api/sync/conflicts         conflicts with both snapshots; ?status=Pending|Resolved|all
//	POST /api/sync/conflicts/resolve manual resolution
//	GET  /api/sync/peers             the actor's peer roster
//	POST /api/sync/trigger           start SyncAll
//	GET  /api/sync/events            websocket stream of engine events
//	GET  /metrics                    Prometheus exposition
//
// With WithCatalog the product and inventory services are exposed under
// /api/catalog; their writes go through the outbox and replicate.
//
// Errors are JSON bodies {code, message} with the status the code maps to.
package api
