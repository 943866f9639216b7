package eventsocket

// Close status codes from RFC6455 §7.4.1 used by the server.
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	ClosePolicyViolation = 1008
	CloseMessageTooBig   = 1009
)

// Standard error messages
const (
	// Protocol errors
	ErrInvalidMessageFormat = "Invalid message format"
	ErrUnmaskedFrame        = "Client frames must be masked"
	ErrFrameTooLarge        = "Frame too large"
	ErrRateLimitExceeded    = "Rate limit exceeded"

	// Connection errors
	ErrConnectionClosed     = "connection is closed"
	ErrSendQueueFull        = "send queue full"
	ErrContextCancelled     = "connection context cancelled"
	ErrFailedToEncode       = "failed to encode message"
	ErrServerAlreadyRunning = "server already running"
	ErrServerNotRunning     = "server not running"
	ErrListen               = "listen failed"
	ErrServerShutdown       = "server is shutting down"
)
