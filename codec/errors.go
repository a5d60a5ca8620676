package codec

import "fmt"

// Cause classifies why a token could not be decoded.
type Cause int

const (
	// CauseAlphabet means the token is not unpadded URL-safe base64.
	CauseAlphabet Cause = iota + 1
	// CauseCorrupt means the decoded bytes are not a complete DEFLATE stream.
	CauseCorrupt
	// CauseUTF8 means the inflated bytes are not valid UTF-8.
	CauseUTF8
	// CauseTooLarge means the inflated text exceeds MaxTextSize.
	CauseTooLarge
)

func (c Cause) String() string {
	switch c {
	case CauseAlphabet:
		return "bad alphabet"
	case CauseCorrupt:
		return "corrupt stream"
	case CauseUTF8:
		return "invalid utf-8"
	case CauseTooLarge:
		return "too large"
	default:
		return fmt.Sprintf("Cause(%d)", int(c))
	}
}

// DecodeError is returned by Decode for any token it cannot turn back
// into text.
type DecodeError struct {
	Cause Cause
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode token: %s: %v", e.Cause, e.Err)
	}
	return fmt.Sprintf("decode token: %s", e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DecodeError with the same cause, so
// callers can match with errors.Is(err, &DecodeError{Cause: CauseUTF8}).
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Cause == e.Cause
}
