// Package codec packs source text into short URL-fragment-safe tokens and
// back.
//
// A token is the raw DEFLATE stream of the UTF-8 text, compressed at the
// best level, in unpadded URL-safe base64. Encoding is deterministic, and
// Decode(Encode(t)) == t for every string t of at most MaxTextSize bytes.
package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
)

// MaxTextSize bounds the inflated size Decode accepts.
const MaxTextSize = 4 << 20

// ErrTooLarge is returned by CheckSize for text longer than MaxTextSize.
var ErrTooLarge = fmt.Errorf("text exceeds %d bytes", MaxTextSize)

var encoding = base64.RawURLEncoding.Strict()

// CheckSize reports whether a token for text would decode again.
func CheckSize(text string) error {
	if len(text) > MaxTextSize {
		return ErrTooLarge
	}
	return nil
}

// Encode compresses text and returns its token. Callers that hand the
// token out should CheckSize first: Decode rejects text over MaxTextSize.
func Encode(text string) string {
	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		// Only an invalid level fails.
		panic(err)
	}
	// Writes to a bytes.Buffer do not fail.
	zw.Write([]byte(text))
	zw.Close()
	return encoding.EncodeToString(buf.Bytes())
}

// Decode returns the text a token was produced from. Any failure is a
// *DecodeError and no partial text is returned.
func Decode(token string) (string, error) {
	if token == "" {
		return "", &DecodeError{Cause: CauseCorrupt, Err: errors.New("empty token")}
	}

	if i := invalidIndex(token); i >= 0 {
		return "", &DecodeError{Cause: CauseAlphabet, Err: fmt.Errorf("illegal character %q at offset %d", token[i], i)}
	}
	raw, err := encoding.DecodeString(token)
	if err != nil {
		return "", &DecodeError{Cause: CauseAlphabet, Err: err}
	}

	zr := flate.NewReader(bytes.NewReader(raw))
	defer zr.Close()

	data, err := io.ReadAll(io.LimitReader(zr, MaxTextSize+1))
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return "", &DecodeError{Cause: CauseCorrupt, Err: err}
	}
	if len(data) > MaxTextSize {
		return "", &DecodeError{Cause: CauseTooLarge}
	}
	if !utf8.Valid(data) {
		return "", &DecodeError{Cause: CauseUTF8}
	}
	return string(data), nil
}

// invalidIndex returns the offset of the first byte outside the URL-safe
// base64 alphabet, or -1. The decoder alone would skip line breaks.
func invalidIndex(token string) int {
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9', c == '-', c == '_':
		default:
			return i
		}
	}
	return -1
}
