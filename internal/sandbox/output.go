package sandbox

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// TruncationMarker is appended to output cut at its size limit.
const TruncationMarker = "\n... [output truncated]"

// limitedBuffer keeps the first limit bytes written to it and drops the rest.
// Writes never fail so the producing process is not blocked or signalled.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// snapshot returns up to limit bytes and whether anything beyond them was seen.
func (b *limitedBuffer) snapshot(limit int) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.buf
	truncated := b.truncated
	if limit > 0 && len(out) > limit {
		out = out[:limit]
		truncated = true
	}
	cp := make([]byte, len(out))
	copy(cp, out)
	return cp, truncated
}

// TruncateOutput turns captured bytes into text of at most maxBytes and
// appends TruncationMarker when it was cut or when truncated is already set
// by the capture layer. The result is valid UTF-8 without NUL bytes, and a
// cut never splits a character.
func TruncateOutput(s string, maxBytes int, truncated bool) (string, bool) {
	if truncated {
		s = dropPartialRune(s)
	}
	s = CleanText(s)
	if len(s) > maxBytes {
		s = dropPartialRune(s[:maxBytes])
		truncated = true
	}
	if truncated {
		return s + TruncationMarker, true
	}
	return s, false
}

// CleanText replaces invalid UTF-8 with U+FFFD and drops NUL bytes.
func CleanText(s string) string {
	if utf8.ValidString(s) && strings.IndexByte(s, 0) < 0 {
		return s
	}
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
}

// dropPartialRune removes a multibyte sequence left incomplete at the end of s.
func dropPartialRune(s string) string {
	for i := len(s) - 1; i >= 0 && i >= len(s)-utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			if !utf8.FullRuneInString(s[i:]) {
				return s[:i]
			}
			return s
		}
	}
	return s
}
