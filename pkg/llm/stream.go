package llm

import "strings"

// thinkingTokenizer turns interleaved reasoning and text deltas into a
// single content stream where reasoning is wrapped in thinking markers.
// Each marker is emitted whole, as the prefix of the chunk that triggered
// the state change, so consumers never see a split marker.
type thinkingTokenizer struct {
	open bool
}

// reasoning converts a reasoning delta into stream content.
func (t *thinkingTokenizer) reasoning(delta string) string {
	if delta == "" {
		return ""
	}
	if !t.open {
		t.open = true
		return ThinkingMarkerStart + delta
	}
	return delta
}

// text converts a text delta into stream content, closing any open
// thinking span first. Empty deltas are ignored so a reasoning-only
// stream keeps one contiguous span instead of reopening it every frame.
func (t *thinkingTokenizer) text(delta string) string {
	if delta == "" {
		return ""
	}
	if t.open {
		t.open = false
		return ThinkingMarkerEnd + delta
	}
	return delta
}

// finish closes a thinking span left open at end of stream.
func (t *thinkingTokenizer) finish() string {
	if t.open {
		t.open = false
		return ThinkingMarkerEnd
	}
	return ""
}

// StripThinking removes [THINKING]...[/THINKING] spans from collected
// content in a single pass. An unterminated span is dropped to its end.
func StripThinking(content string) string {
	if !strings.Contains(content, ThinkingMarkerStart) {
		return content
	}
	var b strings.Builder
	b.Grow(len(content))
	for {
		start := strings.Index(content, ThinkingMarkerStart)
		if start < 0 {
			b.WriteString(content)
			break
		}
		b.WriteString(content[:start])
		rest := content[start+len(ThinkingMarkerStart):]
		end := strings.Index(rest, ThinkingMarkerEnd)
		if end < 0 {
			break
		}
		content = rest[end+len(ThinkingMarkerEnd):]
	}
	return b.String()
}
