package voice

import "strings"

// DefaultMinChunkLength is the shortest text handed to synthesis.
const DefaultMinChunkLength = 20

// SentenceBuffer accumulates streamed tokens and releases text only at a
// sentence terminator once at least minLen bytes are buffered, so synthesis
// never receives a sentence fragment.
type SentenceBuffer struct {
	minLen int
	buf    strings.Builder
}

// NewSentenceBuffer creates a buffer. minLen <= 0 uses DefaultMinChunkLength.
func NewSentenceBuffer(minLen int) *SentenceBuffer {
	if minLen <= 0 {
		minLen = DefaultMinChunkLength
	}
	return &SentenceBuffer{minLen: minLen}
}

func isTerminator(b byte) bool { return b == '.' || b == '!' || b == '?' }

// Write appends delta and returns the chunks that became ready, in order.
func (b *SentenceBuffer) Write(delta string) []string {
	if delta == "" {
		return nil
	}
	b.buf.WriteString(delta)
	text := b.buf.String()

	var ready []string
	start := 0
	for i := 0; i < len(text); i++ {
		if !isTerminator(text[i]) || i+1-start < b.minLen {
			continue
		}
		if chunk := strings.TrimSpace(text[start : i+1]); chunk != "" {
			ready = append(ready, chunk)
		}
		start = i + 1
	}
	if start > 0 {
		rest := text[start:]
		b.buf.Reset()
		b.buf.WriteString(rest)
	}
	return ready
}

// Flush returns whatever is buffered, regardless of length, and empties the buffer.
func (b *SentenceBuffer) Flush() string {
	out := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	return out
}

// Len reports the buffered byte count.
func (b *SentenceBuffer) Len() int { return b.buf.Len() }
