package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotAnObject is returned when a body is not a JSON object
	ErrNotAnObject = errors.New("contracts: body is not a JSON object")
	// ErrInvalidJSON is returned when a raw payload is not valid JSON
	ErrInvalidJSON = errors.New("contracts: invalid JSON payload")
)

// Kind is the closed set of error kinds that survive serialization
type Kind int

const (
	// KindUnknown is a remote error whose name is not one of the known kinds
	KindUnknown Kind = iota
	// KindGeneric is a plain error
	KindGeneric
	// KindInternal is a failure inside the handling service
	KindInternal
	// KindClient is a failure caused by the caller's request
	KindClient
)

// Wire names of the known kinds
const (
	NameGeneric  = "Error"
	NameInternal = "InternalError"
	NameClient   = "ClientError"
)

// String returns the wire name of the kind
func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return NameGeneric
	case KindInternal:
		return NameInternal
	case KindClient:
		return NameClient
	default:
		return "UnknownError"
	}
}

// kindFromName maps a wire name back to its kind
func kindFromName(name string) Kind {
	switch name {
	case NameGeneric, "":
		return KindGeneric
	case NameInternal:
		return KindInternal
	case NameClient:
		return KindClient
	default:
		return KindUnknown
	}
}

// Error is an application error that can travel inside a Response
type Error struct {
	Kind    Kind
	Name    string // wire name; the original name for KindUnknown
	Message string
	Payload json.RawMessage
}

// NewError creates a generic error
func NewError(message string) *Error {
	return &Error{Kind: KindGeneric, Name: NameGeneric, Message: message}
}

// NewInternalError creates an error blaming the handling service
func NewInternalError(message string) *Error {
	return &Error{Kind: KindInternal, Name: NameInternal, Message: message}
}

// NewClientError creates an error blaming the caller
func NewClientError(message string) *Error {
	return &Error{Kind: KindClient, Name: NameClient, Message: message}
}

// WithPayload attaches structured details. Marshal failures leave the payload empty.
func (e *Error) WithPayload(payload any) *Error {
	raw, err := marshalPayload(payload)
	if err == nil && !isNull(raw) {
		e.Payload = raw
	}
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.name(), e.Message)
}

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: KindClient}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

func (e *Error) name() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Kind.String()
}

// KindOf reports the kind of the first *Error in err's chain, KindGeneric otherwise
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneric
}

// ErrorDescriptor is the serialized form of an error
type ErrorDescriptor struct {
	Name    string          `json:"name"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Describe converts any error into its wire form. Errors that are not *Error
// are sent as generic errors carrying their message.
func Describe(err error) *ErrorDescriptor {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &ErrorDescriptor{Name: e.name(), Message: e.Message, Payload: e.Payload}
	}
	return &ErrorDescriptor{Name: NameGeneric, Message: err.Error()}
}

// Err rebuilds the typed error described by d
func (d *ErrorDescriptor) Err() *Error {
	name := d.Name
	if name == "" {
		name = NameGeneric
	}
	return &Error{
		Kind:    kindFromName(d.Name),
		Name:    name,
		Message: d.Message,
		Payload: d.Payload,
	}
}

// DecodeError reports a body that could not be parsed
type DecodeError struct {
	Op  string // what was being decoded: message, response or payload
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("contracts: cannot decode %s: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
