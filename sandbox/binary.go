package sandbox

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	base64MinLen     = 200
	base64SampleSize = 1024
)

// LooksLikeBase64 reports whether s is probably an encoded binary payload:
// long, and a sample of it uses nothing but the base64 alphabet.
func LooksLikeBase64(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < base64MinLen {
		return false
	}
	sample := s
	if len(sample) > base64SampleSize {
		sample = sample[:base64SampleSize]
	}
	letters := 0
	for _, r := range sample {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
			letters++
		case r >= '0' && r <= '9', r == '+', r == '/', r == '=', r == '-', r == '_':
		case r == '\n', r == '\r':
		default:
			return false
		}
	}
	// Long runs of digits or padding are not encoded payloads.
	return letters*2 > len(sample)
}

// IsBinary reports whether data should be treated as opaque bytes rather
// than text.
func IsBinary(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return false
		}
	}
	return true
}
