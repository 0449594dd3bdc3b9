// Shared constants for the dev gateway.
package gateway

// Header names used on the client-facing surface.
const (
	HeaderRequestID      = "X-Request-ID"
	HeaderConversationID = "Conversation-Id"
	HeaderTraceID        = "X-Observability-Trace-Id"
)

// DefaultConversationID is the sentinel used when a request carries no
// conversation identifier.
const DefaultConversationID = "default"

const (
	// DefaultBufferSize is the read-chunk size for backend streams.
	DefaultBufferSize = 4096
	// MaxRequestBodySize caps inbound request bodies (10 MB).
	MaxRequestBodySize = 10 * 1024 * 1024
	// maxTokenAccountingBytes caps the text retained for token counting so a
	// very long stream cannot grow memory without bound.
	maxTokenAccountingBytes = 1 << 20
)
