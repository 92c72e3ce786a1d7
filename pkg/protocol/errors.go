package protocol

// Locally synthesized error codes. The platform reserves the 900000 range for
// client-side conditions; offsets identify the failure site so callers can
// distinguish causes programmatically. The numbering is a client convention,
// not a wire requirement, and must stay stable within one client build.
const (
	ErrorBase = 900000

	ErrNotLoggedIn      = ErrorBase + 0  // Command needs an authenticated session
	ErrNotConnected     = ErrorBase + 1  // No live connection handle
	ErrInvalidCommand   = ErrorBase + 2  // Reserved command name used directly
	ErrReloginFailed    = ErrorBase + 3  // Transparent re-login was rejected
	ErrConnectionClosed = ErrorBase + 5  // Connection dropped mid-exchange
	ErrInvalidResponse  = ErrorBase + 6  // Response could not be decoded
	ErrTransport        = ErrorBase + 99 // Transport-level exception
)

// NotConnected is the message used when no connection handle is available.
const NotConnected = "Not connected"

// NewError synthesizes an ERROR envelope for a locally detected failure, so
// callers see one uniform result shape for local and server-side errors.
func NewError(code int, message string) Response {
	return Response{
		"status":    StatusError,
		"message":   message,
		"errorCode": code,
	}
}
