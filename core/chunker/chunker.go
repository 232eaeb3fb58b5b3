// Package chunker splits streamed response text into speakable chunks at
// safe sentence boundaries, so synthesis can start before the full reply
// has been generated.
package chunker

import (
	"strings"
	"unicode"
)

const DefaultMaxChars = 220

// abbreviations that must not terminate a chunk even though they end with
// a sentence-boundary period. Compared lowercase, including the dot.
var abbreviations = map[string]struct{}{
	"mr.":   {},
	"mrs.":  {},
	"ms.":   {},
	"dr.":   {},
	"prof.": {},
	"sr.":   {},
	"jr.":   {},
	"st.":   {},
	"vs.":   {},
	"etc.":  {},
	"e.g.":  {},
	"i.e.":  {},
	"u.s.":  {},
	"u.k.":  {},
	"a.m.":  {},
	"p.m.":  {},
	"no.":   {},
	"inc.":  {},
	"ltd.":  {},
	"co.":   {},
}

// StreamingChunker buffers streamed text fragments and emits bounded
// chunks. It never splits inside a known abbreviation, a decimal number,
// or a URL, and hard-wraps at word boundaries only when no safe sentence
// boundary exists within MaxChars.
type StreamingChunker struct {
	maxChars int
	pending  string
	carry    string // merged sub-max pieces awaiting more text
}

func NewStreamingChunker(maxChars int) *StreamingChunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &StreamingChunker{maxChars: maxChars}
}

// Feed appends a fragment of streamed text and returns any chunks that
// became complete. Text after the last safe boundary stays buffered until
// the next Feed or Flush.
func (c *StreamingChunker) Feed(fragment string) []string {
	if fragment == "" {
		return nil
	}
	c.pending += fragment
	return c.drain(false)
}

// Flush drains everything still buffered at end of stream.
func (c *StreamingChunker) Flush() []string {
	chunks := c.drain(true)
	if remainder := strings.TrimSpace(c.carry + " " + c.pending); remainder != "" {
		chunks = append(chunks, c.wrap(remainder)...)
	}
	c.pending = ""
	c.carry = ""
	return chunks
}

// drain cuts pending text at safe boundaries, merging the resulting
// pieces up to maxChars. When final is false the piece after the last
// boundary is retained for the next call.
func (c *StreamingChunker) drain(final bool) []string {
	var chunks []string
	for {
		cut := c.nextBoundary(final)
		if cut < 0 {
			break
		}

		piece := strings.TrimSpace(c.pending[:cut])
		c.pending = c.pending[cut:]
		if piece == "" {
			continue
		}

		candidate := piece
		if c.carry != "" {
			candidate = c.carry + " " + piece
		}
		if len(candidate) <= c.maxChars {
			c.carry = candidate
			continue
		}

		if c.carry != "" {
			chunks = append(chunks, c.carry)
		}
		c.carry = ""
		if len(piece) > c.maxChars {
			wrapped := c.wrap(piece)
			chunks = append(chunks, wrapped[:len(wrapped)-1]...)
			piece = wrapped[len(wrapped)-1]
		}
		c.carry = piece
	}

	// No safe boundary in sight: once the buffer alone exceeds the limit,
	// hard-wrap instead of growing without bound.
	for len(strings.TrimSpace(c.pending)) > c.maxChars {
		if c.carry != "" {
			chunks = append(chunks, c.carry)
			c.carry = ""
		}
		wrapped := c.wrap(strings.TrimSpace(c.pending))
		chunks = append(chunks, wrapped[0])
		c.pending = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(c.pending), wrapped[0]))
	}

	if c.carry != "" && len(c.carry) >= c.maxChars/2 {
		chunks = append(chunks, c.carry)
		c.carry = ""
	}
	return chunks
}

// nextBoundary returns the cut position just after the first safe sentence
// boundary in pending, or -1 when none exists yet. Unless final, a
// boundary at the very end of the buffer is not safe: the next fragment
// could still extend the token (e.g. "3." followed by "5").
func (c *StreamingChunker) nextBoundary(final bool) int {
	for i, r := range c.pending {
		if r != '.' && r != '!' && r != '?' && r != '\n' {
			continue
		}
		if i == len(c.pending)-1 && !final {
			return -1
		}
		if c.safeBoundary(i, r) {
			return i + 1
		}
	}
	return -1
}

func (c *StreamingChunker) safeBoundary(i int, r rune) bool {
	if r == '\n' {
		return true
	}

	// A boundary glued to more non-space text is mid-token: a decimal, a
	// URL path, an ellipsis, a file name.
	if i+1 < len(c.pending) && !unicode.IsSpace(rune(c.pending[i+1])) {
		return false
	}

	token := lastToken(c.pending[:i+1])
	if strings.Contains(token, "://") || strings.HasPrefix(strings.ToLower(token), "www.") {
		return false
	}
	if r == '.' {
		if _, ok := abbreviations[strings.ToLower(strings.TrimLeft(token, "([\"'"))]; ok {
			return false
		}
	}
	return true
}

// lastToken returns the whitespace-delimited token ending at the end of s.
func lastToken(s string) string {
	if idx := strings.LastIndexFunc(s, unicode.IsSpace); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// wrap splits text that exceeds maxChars at word boundaries, cutting a
// single oversized token at maxChars only when it has no spaces at all.
func (c *StreamingChunker) wrap(text string) []string {
	var out []string
	for len(text) > c.maxChars {
		cut := strings.LastIndexFunc(text[:c.maxChars+1], unicode.IsSpace)
		if cut <= 0 {
			cut = c.maxChars
			out = append(out, text[:cut])
			text = text[cut:]
			continue
		}
		out = append(out, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
