package codec

import (
	"net/url"
	"strings"
	"testing"
)

func TestFromFragment(t *testing.T) {
	code := "print('shared')\n"
	tests := []struct {
		name     string
		fragment string
		want     string
		ok       bool
	}{
		{"empty", "", "", false},
		{"bare hash", "#", "", false},
		{"with hash", Fragment(code), code, true},
		{"without hash", Encode(code), code, true},
		{"garbage", "#%%%", "", false},
		{"truncated", Fragment(code)[:5], "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FromFragment(tt.fragment)
			if got != tt.want || ok != tt.ok {
				t.Errorf("FromFragment(%q) = %q, %v; want %q, %v", tt.fragment, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestURLAdapters(t *testing.T) {
	code := "x = 'ünïcode'\nprint(x)\n"

	link, err := ShareURL("http://localhost:8080/", code)
	if err != nil {
		t.Fatalf("ShareURL failed: %v", err)
	}
	if !strings.HasPrefix(link, "http://localhost:8080/#") {
		t.Errorf("unexpected link %q", link)
	}

	u, err := url.Parse(link)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := FromURL(u)
	if !ok || got != code {
		t.Errorf("FromURL = %q, %v", got, ok)
	}

	SetURL(u, "")
	if got, ok := FromURL(u); !ok || got != "" {
		t.Errorf("after SetURL(\"\"): %q, %v", got, ok)
	}

	if _, ok := FromURL(nil); ok {
		t.Error("nil URL should report no code")
	}
	if _, err := ShareURL("://bad", code); err == nil {
		t.Error("expected parse error")
	}
}
