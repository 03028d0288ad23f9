package provider

import (
	"regexp"
	"strings"
)

// MaxOutputBytes caps each of stdout and stderr.
const MaxOutputBytes = 1024 * 1024

var ansiRegex = regexp.MustCompile("[\u001b\u009b][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))")

// CleanOutput strips ANSI escapes and carriage returns and truncates s to
// MaxOutputBytes. It reports whether s was truncated.
func CleanOutput(s string) (string, bool) {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "")
	s = ansiRegex.ReplaceAllString(s, "")
	if len(s) > MaxOutputBytes {
		return s[:MaxOutputBytes], true
	}
	return s, false
}

// LimitedBuffer keeps the first Max bytes written to it and silently
// discards the rest, so a chatty command cannot exhaust daemon memory.
type LimitedBuffer struct {
	Max int

	buf       []byte
	truncated bool
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	room := b.Max - len(b.buf)
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

func (b *LimitedBuffer) String() string { return string(b.buf) }

func (b *LimitedBuffer) Truncated() bool { return b.truncated }
