package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Capture boundary. Never escalated past the recorder.
	ReasonPermissionDenied  ReasonCode = "permission_denied"
	ReasonDeviceUnavailable ReasonCode = "device_unavailable"

	// Transport and peer.
	ReasonConnectionFailed ReasonCode = "connection_failed"
	ReasonTransportLost    ReasonCode = "transport_lost"
	ReasonProtocolNoise    ReasonCode = "protocol_noise"
	ReasonRemoteCallFailed ReasonCode = "remote_call_failed"
	ReasonCircuitOpen      ReasonCode = "circuit_open"

	ReasonInvalidState  ReasonCode = "invalid_state"
	ReasonConfigInvalid ReasonCode = "config_invalid"
)

// Fatal reports whether a reason ends the usable life of a session.
func (r ReasonCode) Fatal() bool {
	switch r {
	case ReasonTransportLost, ReasonConnectionFailed:
		return true
	default:
		return false
	}
}
