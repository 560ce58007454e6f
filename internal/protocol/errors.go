package protocol

// Error codes carried inside type:"error" envelopes.
const (
	CodeInvalidData        = "INVALID_DATA"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeInvalidState       = "INVALID_STATE"
	CodeAuthFailed         = "AUTH_FAILED"
	CodeNotAuthenticated   = "NOT_AUTHENTICATED"
	CodeAgentNotFound      = "AGENT_NOT_FOUND"
	CodeAgentDisconnected  = "AGENT_DISCONNECTED"
	CodeAgentOffline       = "AGENT_OFFLINE"
	CodeAgentOnline        = "AGENT_ONLINE"
	CodeAlreadyConnected   = "ALREADY_CONNECTED"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeRateLimited        = "RATE_LIMITED"
	CodeUnattendedDisabled = "UNATTENDED_DISABLED"
	CodeNoPassword         = "NO_PASSWORD"
	CodeInvalidPassword    = "INVALID_PASSWORD"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeConnectionFailed   = "CONNECTION_FAILED"
)

// WireError is an operation failure that maps onto a wire error code.
type WireError struct {
	Code    string
	Message string
}

func (e *WireError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// NewWireError builds a WireError with a human-readable message.
func NewWireError(code, message string) *WireError {
	return &WireError{Code: code, Message: message}
}
