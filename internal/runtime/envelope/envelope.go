// Package envelope defines the JSON shapes exchanged with callers: the
// correlation keys carried by every request and the response published to
// each result queue.
package envelope

import (
	"encoding/json"
	"strconv"

	jsoncodec "github.com/drblury/qdispatch/internal/runtime/jsoncodec"
)

// Correlation keys every request is expected to carry.
const (
	FieldRequestID = "request_id"
	FieldCreatorID = "x_creator_id"
)

// Correlation identifies the caller and the request a response belongs to.
type Correlation struct {
	RequestID string
	CreatorID string
}

// ExtractCorrelation reads the correlation keys from a decoded request.
// Numbers and booleans are accepted and rendered as strings; any other value
// counts as missing.
func ExtractCorrelation(fields map[string]any) Correlation {
	return Correlation{
		RequestID: stringify(fields[FieldRequestID]),
		CreatorID: stringify(fields[FieldCreatorID]),
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// HasAny reports whether at least one correlation key is present.
func (c Correlation) HasAny() bool {
	return c.RequestID != "" || c.CreatorID != ""
}

// Complete reports whether both correlation keys are present.
func (c Correlation) Complete() bool {
	return c.RequestID != "" && c.CreatorID != ""
}

// Missing lists the names of the absent correlation keys.
func (c Correlation) Missing() []string {
	var missing []string
	if c.RequestID == "" {
		missing = append(missing, FieldRequestID)
	}
	if c.CreatorID == "" {
		missing = append(missing, FieldCreatorID)
	}
	return missing
}

// Response is the message published to result queues. Exactly one of
// ErrorMessage and Body is non-nil.
type Response struct {
	IsSuccess    bool    `json:"is_success"`
	RequestID    string  `json:"request_id"`
	CreatorID    string  `json:"x_creator_id"`
	ErrorMessage *string `json:"error_message"`
	Body         any     `json:"body"`
}

// Success builds the response for a handler result.
func Success(corr Correlation, body any) Response {
	return Response{
		IsSuccess: true,
		RequestID: corr.RequestID,
		CreatorID: corr.CreatorID,
		Body:      body,
	}
}

// Failure builds an error response carrying msg.
func Failure(corr Correlation, msg string) Response {
	return Response{
		RequestID:    corr.RequestID,
		CreatorID:    corr.CreatorID,
		ErrorMessage: &msg,
	}
}

// Correlation returns the keys the response was built for.
func (r Response) Correlation() Correlation {
	return Correlation{RequestID: r.RequestID, CreatorID: r.CreatorID}
}

// Marshal encodes the response as JSON.
func (r Response) Marshal() ([]byte, error) {
	return jsoncodec.Marshal(r)
}

// DecodeObject parses a request body. The body must be UTF-8 encoded and hold
// a JSON object; numbers are kept as json.Number.
func DecodeObject(raw []byte) (map[string]any, error) {
	return jsoncodec.UnmarshalObject(raw)
}
