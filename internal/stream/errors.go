package stream

import "errors"

// Kind classifies a streaming failure. The kind decides what is reported to
// observability; the message is what the user sees.
type Kind int

const (
	KindUpstream Kind = iota + 1
	KindUnauthorized
	KindMalformed
	KindTimeout
	KindTruncated
)

func (k Kind) String() string {
	switch k {
	case KindUpstream:
		return "upstream"
	case KindUnauthorized:
		return "unauthorized"
	case KindMalformed:
		return "malformed_stream"
	case KindTimeout:
		return "timeout"
	case KindTruncated:
		return "truncated_stream"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is, or wraps, a stream Error of kind k.
func IsKind(err error, k Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == k
}
