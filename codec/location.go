package codec

import (
	"net/url"
	"strings"
)

// FromFragment recovers text from a page address fragment, with or without
// its leading '#'. An empty or bare "#" fragment, or one that does not
// decode, reports false.
func FromFragment(fragment string) (string, bool) {
	token := strings.TrimPrefix(fragment, "#")
	if token == "" {
		return "", false
	}
	text, err := Decode(token)
	if err != nil {
		return "", false
	}
	return text, true
}

// Fragment returns the address fragment, including '#', that carries text.
func Fragment(text string) string {
	return "#" + Encode(text)
}

// FromURL recovers text from the fragment of u.
func FromURL(u *url.URL) (string, bool) {
	if u == nil {
		return "", false
	}
	return FromFragment(u.Fragment)
}

// SetURL replaces the fragment of u with the token for text.
func SetURL(u *url.URL, text string) {
	u.Fragment = Encode(text)
	u.RawFragment = ""
}

// ShareURL returns base with its fragment set to the token for text.
func ShareURL(base string, text string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	SetURL(u, text)
	return u.String(), nil
}
