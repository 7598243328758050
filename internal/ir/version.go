package ir

// Version constants for the wire protocol and the service.
const (
	// ProtocolVersion is advertised over discovery and checked by the peer client.
	ProtocolVersion = "1"

	// ServiceVersion is the vaultsync release.
	ServiceVersion = "0.1.0"
)
