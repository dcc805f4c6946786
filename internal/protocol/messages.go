package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Request is a runner RPC call. Params holds the CBOR-encoded arguments.
type Request struct {
	ID     uint64          `cbor:"id"`
	Method string          `cbor:"method"`
	Params cbor.RawMessage `cbor:"params,omitempty"`
}

// Response answers the Request with the same ID. Exactly one of Result and
// Error is meaningful.
type Response struct {
	ID     uint64          `cbor:"id"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
	Error  *RPCError       `cbor:"error,omitempty"`
}

// RPCError is the error half of a Response.
type RPCError struct {
	Code    int    `cbor:"code"`
	Message string `cbor:"message"`
}

// Error codes carried in RPCError.Code.
const (
	CodeInternal       = 1
	CodeMethodNotFound = 2
	CodeInvalidParams  = 3
)

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Envelope is the unit carried by a runner frame. Exactly one of Request and
// Response is set.
type Envelope struct {
	Request  *Request  `cbor:"req,omitempty"`
	Response *Response `cbor:"resp,omitempty"`
}

var errEnvelopeVariant = errors.New("envelope must carry exactly one of request or response")

// MarshalEnvelope encodes env for a runner frame.
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	if (env.Request == nil) == (env.Response == nil) {
		return nil, errEnvelopeVariant
	}
	b, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return b, nil
}

// UnmarshalEnvelope decodes the payload of a runner frame.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if (env.Request == nil) == (env.Response == nil) {
		return nil, fmt.Errorf("decoding envelope: %w", errEnvelopeVariant)
	}
	return &env, nil
}
