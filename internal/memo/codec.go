// Package memo encodes the purchase protocol's messages into ledger memo
// payloads and reads them back out of transactions.
//
// Wire form is colon-delimited text with the tag first:
//
//	REQUEST:<serviceType>:<inputData>
//	RESPONSE:<serviceType>:<resultData>
//	PROOF:<verified|failed>:<referenceSignature>
//
// The final field may itself contain colons.
package memo

import (
	"errors"
	"fmt"
	"strings"
)

// MaxPayload is the largest memo accepted for a single-signer transaction
// that also carries a transfer.
const MaxPayload = 566

const delimiter = ":"

var (
	ErrPayloadTooLarge     = errors.New("memo payload too large")
	ErrInvalidField        = errors.New("field cannot be encoded")
	ErrDecode              = errors.New("malformed protocol message")
	ErrUnrecognizedMessage = errors.New("unrecognized protocol message")
)

// DecodeError reports a payload that is not a valid protocol message.
// It wraps ErrDecode or ErrUnrecognizedMessage.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	p := e.Payload
	if len(p) > 64 {
		p = p[:64] + "..."
	}
	return fmt.Sprintf("decode memo %q: %v", p, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Tag identifies the message variant.
type Tag string

const (
	TagRequest  Tag = "REQUEST"
	TagResponse Tag = "RESPONSE"
	TagProof    Tag = "PROOF"
)

// Message is one of Request, Response or Proof.
type Message interface {
	Tag() Tag
	fields() []string
}

// Request asks the provider to run serviceType over Input.
type Request struct {
	ServiceType string
	Input       string
}

func (Request) Tag() Tag { return TagRequest }
func (m Request) fields() []string { return []string{m.ServiceType, m.Input} }

// Response carries the provider's result for ServiceType.
type Response struct {
	ServiceType string
	Result      string
}

func (Response) Tag() Tag { return TagResponse }
func (m Response) fields() []string { return []string{m.ServiceType, m.Result} }

// Status is the requester's verdict on a response.
type Status string

const (
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// Proof publishes the verdict on the response transaction Reference.
type Proof struct {
	Status    Status
	Reference string
}

func (Proof) Tag() Tag { return TagProof }
func (m Proof) fields() []string { return []string{string(m.Status), m.Reference} }

// Encode serializes m. Every field but the last must be free of the
// delimiter so that Decode can recover it.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidField)
	}
	fields := m.fields()
	for _, f := range fields[:len(fields)-1] {
		if f == "" || strings.Contains(f, delimiter) {
			return nil, fmt.Errorf("%w: %s field %q", ErrInvalidField, m.Tag(), f)
		}
	}
	if p, ok := m.(Proof); ok && p.Status != StatusVerified && p.Status != StatusFailed {
		return nil, fmt.Errorf("%w: proof status %q", ErrInvalidField, p.Status)
	}

	payload := string(m.Tag()) + delimiter + strings.Join(fields, delimiter)
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	return []byte(payload), nil
}

// Decode parses a memo payload. The remainder after the tag is split into
// exactly the variant's field count, so the last field keeps any delimiters.
func Decode(payload []byte) (Message, error) {
	s := string(payload)
	tag, rest, found := strings.Cut(s, delimiter)
	if !found {
		return nil, &DecodeError{Payload: s, Err: ErrUnrecognizedMessage}
	}

	parts := strings.SplitN(rest, delimiter, 2)
	if len(parts) != 2 || parts[0] == "" {
		if !isTag(Tag(tag)) {
			return nil, &DecodeError{Payload: s, Err: ErrUnrecognizedMessage}
		}
		return nil, &DecodeError{Payload: s, Err: fmt.Errorf("%w: %s needs 2 fields", ErrDecode, tag)}
	}

	switch Tag(tag) {
	case TagRequest:
		return Request{ServiceType: parts[0], Input: parts[1]}, nil
	case TagResponse:
		return Response{ServiceType: parts[0], Result: parts[1]}, nil
	case TagProof:
		status := Status(parts[0])
		if status != StatusVerified && status != StatusFailed {
			return nil, &DecodeError{Payload: s, Err: fmt.Errorf("%w: proof status %q", ErrDecode, parts[0])}
		}
		return Proof{Status: status, Reference: parts[1]}, nil
	default:
		return nil, &DecodeError{Payload: s, Err: ErrUnrecognizedMessage}
	}
}

func isTag(t Tag) bool {
	return t == TagRequest || t == TagResponse || t == TagProof
}
