// Package truncate bounds captured command output by a byte budget.
//
// Truncation is a pure transformation applied after capture: Tail and
// HeadAndTail need the true end of the stream, so the capture path never
// caps what it reads.
package truncate

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Strategy selects which part of an over-budget buffer survives.
type Strategy string

const (
	// Head keeps the first maxBytes bytes and appends the marker message.
	Head Strategy = "head"
	// Tail keeps the last maxBytes bytes behind the marker message.
	Tail Strategy = "tail"
	// HeadAndTail keeps maxBytes/2 from each end around the marker message.
	HeadAndTail Strategy = "head_and_tail"
)

// Valid reports whether s is one of the recognized strategies.
func (s Strategy) Valid() bool {
	switch s {
	case Head, Tail, HeadAndTail:
		return true
	}
	return false
}

// Truncate applies strategy to b under a maxBytes budget and returns the
// resulting string plus a flag reporting whether anything was cut. The
// template's "{0}" placeholder receives the omitted byte count. A
// non-positive budget disables truncation.
//
// Cuts never split a UTF-8 sequence: each cut point snaps down to the
// nearest rune boundary, so the result is always well-formed and never
// exceeds maxBytes plus the rendered message.
func Truncate(b []byte, maxBytes int, strategy Strategy, template string) (string, bool) {
	if maxBytes <= 0 || len(b) <= maxBytes {
		return string(b), false
	}

	switch strategy {
	case Tail:
		start := snapForward(b, len(b)-maxBytes)
		return renderMessage(template, start) + string(b[start:]), true
	case HeadAndTail:
		half := maxBytes / 2
		head := b[:snapBack(b, half)]
		tailStart := snapForward(b, len(b)-half)
		return string(head) + renderMessage(template, tailStart-len(head)) + string(b[tailStart:]), true
	default:
		head := b[:snapBack(b, maxBytes)]
		return string(head) + renderMessage(template, len(b)-len(head)), true
	}
}

// snapBack moves a prospective cut index down until b[:i] ends on a rune
// boundary.
func snapBack(b []byte, i int) int {
	for i > 0 && i < len(b) && !utf8.RuneStart(b[i]) {
		i--
	}
	return i
}

// snapForward moves a prospective start index up until b[i:] begins on a
// rune boundary, shrinking the kept slice rather than growing it.
func snapForward(b []byte, i int) int {
	for i < len(b) && !utf8.RuneStart(b[i]) {
		i++
	}
	return i
}

func renderMessage(template string, omitted int) string {
	return strings.Replace(template, "{0}", strconv.Itoa(omitted), 1)
}
