package contracts

import (
	"encoding/json"
	"fmt"
)

// Response is the RPC reply envelope. Done=false marks a progress
// notification, Done=true the terminal reply.
type Response struct {
	Err     *ErrorDescriptor `json:"err"`
	Payload json.RawMessage  `json:"payload"`
	Done    bool             `json:"done"`
}

// wireResponse keeps done optional on decode
type wireResponse struct {
	Err     *ErrorDescriptor `json:"err"`
	Payload json.RawMessage  `json:"payload"`
	Done    *bool            `json:"done"`
}

// NewResponse builds a response from a handler result
func NewResponse(err error, payload any, done bool) (Response, error) {
	raw, mErr := marshalPayload(payload)
	if mErr != nil {
		return Response{}, fmt.Errorf("contracts: cannot encode response payload: %w", mErr)
	}
	if isNull(raw) {
		raw = nil
	}
	return Response{Err: Describe(err), Payload: raw, Done: done}, nil
}

// EncodeResponse returns the JSON body of a reply
func EncodeResponse(err error, payload any, done bool) ([]byte, error) {
	resp, rErr := NewResponse(err, payload, done)
	if rErr != nil {
		return nil, rErr
	}
	return json.Marshal(resp)
}

// DecodeResponse parses a reply body. A missing done field means a terminal reply.
func DecodeResponse(body []byte) (Response, error) {
	if !isObject(body) {
		return Response{}, &DecodeError{Op: "response", Err: ErrNotAnObject}
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return Response{}, &DecodeError{Op: "response", Err: err}
	}

	resp := Response{Err: wire.Err, Payload: wire.Payload, Done: true}
	if wire.Done != nil {
		resp.Done = *wire.Done
	}
	if isNull(resp.Payload) {
		resp.Payload = nil
	}
	return resp, nil
}

// AsError returns the reconstructed remote error, or nil
func (r Response) AsError() error {
	if r.Err == nil {
		return nil
	}
	return r.Err.Err()
}
