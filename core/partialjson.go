package core

import (
	"encoding/json"
	"strings"
)

// ParsePartialJSON parses a possibly truncated JSON document, as produced
// by accumulating streaming deltas. The buffer is first parsed as-is; on
// failure the unmatched '{' and '[' openers outside string literals are
// counted (tracking '"' and '\' escaping) and the needed closers appended
// before retrying. Returns (nil, false) if the buffer still does not
// parse.
func ParsePartialJSON(buf string) (any, bool) {
	trimmed := strings.TrimSpace(buf)
	if trimmed == "" {
		return nil, false
	}

	if v, ok := tryParse(trimmed); ok {
		return v, true
	}

	state := scanJSON(trimmed)

	// Close an unterminated string literal first, then the containers.
	for _, candidate := range repairCandidates(trimmed, state) {
		if v, ok := tryParse(candidate); ok {
			return v, true
		}
	}
	return nil, false
}

// jsonScanState is the result of a structural scan of a JSON prefix.
type jsonScanState struct {
	// stack holds the unmatched openers in order.
	stack []byte
	// inString is true when the prefix ends inside a string literal.
	inString bool
	// lastComma is the index of the last comma outside strings, or -1.
	lastComma int
}

// scanJSON walks the prefix tracking string and escape state.
func scanJSON(s string) jsonScanState {
	state := jsonScanState{lastComma: -1}
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if state.inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				state.inString = false
			}
			continue
		}
		switch c {
		case '"':
			state.inString = true
		case '{', '[':
			state.stack = append(state.stack, c)
		case '}', ']':
			if n := len(state.stack); n > 0 {
				state.stack = state.stack[:n-1]
			}
		case ',':
			state.lastComma = i
		}
	}
	return state
}

// closers returns the closing characters for the unmatched openers.
func (st jsonScanState) closers() string {
	var b strings.Builder
	for i := len(st.stack) - 1; i >= 0; i-- {
		if st.stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// repairCandidates yields progressively more aggressive repairs of a
// truncated document: terminate an open string, drop a trailing comma,
// and finally cut back to the last complete element.
func repairCandidates(s string, st jsonScanState) []string {
	closers := st.closers()

	var candidates []string
	base := s
	if st.inString {
		base = s + `"`
	}
	candidates = append(candidates, base+closers)

	trimmed := strings.TrimRight(base, " \t\r\n")
	if strings.HasSuffix(trimmed, ",") {
		candidates = append(candidates, strings.TrimSuffix(trimmed, ",")+closers)
	}

	if st.lastComma >= 0 {
		cut := s[:st.lastComma]
		cutState := scanJSON(cut)
		candidates = append(candidates, cut+cutState.closers())
	}
	return candidates
}

// tryParse decodes JSON preserving number precision.
func tryParse(s string) (any, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	// Reject trailing garbage after the first value.
	if dec.More() {
		return nil, false
	}
	return v, true
}

// DeepMerge merges src into dst: objects are merged key-wise, arrays are
// replaced (not concatenated), and primitives are overwritten by src.
// Neither input is mutated.
func DeepMerge(dst, src any) any {
	dstMap, dstOK := dst.(map[string]any)
	srcMap, srcOK := src.(map[string]any)
	if !dstOK || !srcOK {
		return src
	}
	out := make(map[string]any, len(dstMap)+len(srcMap))
	for k, v := range dstMap {
		out[k] = v
	}
	for k, v := range srcMap {
		if existing, ok := out[k]; ok {
			out[k] = DeepMerge(existing, v)
			continue
		}
		out[k] = v
	}
	return out
}
