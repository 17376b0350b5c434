package metadata

// Header keys attached to responses published by the dispatcher.
const (
	KeyRequestID   = "request_id"
	KeyCreatorID   = "x_creator_id"
	KeySourceQueue = "source_queue"
	KeyHandler     = "handler"
	KeyOutcome     = "outcome"
	KeyContentType = "content_type"
)

const ContentTypeJSON = "application/json"

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
// Empty values are skipped.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	if value != "" {
		cloned[key] = value
	}
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// RequestID returns the request_id header, if present.
func (m Metadata) RequestID() string {
	return m[KeyRequestID]
}

// CreatorID returns the x_creator_id header, if present.
func (m Metadata) CreatorID() string {
	return m[KeyCreatorID]
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// ForResponse builds the headers of a response produced for a request.
func ForResponse(requestID, creatorID, sourceQueue, handler, outcome string) Metadata {
	return Metadata{KeyContentType: ContentTypeJSON}.
		With(KeyRequestID, requestID).
		With(KeyCreatorID, creatorID).
		With(KeySourceQueue, sourceQueue).
		With(KeyHandler, handler).
		With(KeyOutcome, outcome)
}
