package core

import "strings"

// SystemJoiner separates merged system message texts.
const SystemJoiner = "\n\n"

// WarningTruncatedStops is recorded when stop sequences are truncated to
// the backend's limit.
const WarningTruncatedStops = "truncated-stop-sequences"

// NormalizeRequest applies a backend's capabilities to a request before
// dispatch: system message policy, parameter support and stop sequence
// limits. The input is never mutated; when changes are needed a clone
// with the same RequestID is returned. The returned warnings are recorded
// in the response metadata by the Bridge.
//
// For the separate-parameter strategy the system messages stay in the
// message list (merged to one when the backend does not support multiple)
// and the backend's own wire mapping extracts them via ExtractSystem.
func NormalizeRequest(req *ChatRequest, caps Capabilities) (*ChatRequest, []string) {
	var warnings []string
	out := req

	// copyOnWrite clones the request once, on first modification.
	copyOnWrite := func() {
		if out == req {
			out = req.Clone()
		}
	}

	msgs, msgWarnings, changed := normalizeSystemMessages(req.Messages, caps)
	if changed {
		copyOnWrite()
		out.Messages = msgs
	}
	warnings = append(warnings, msgWarnings...)

	if req.Parameters != nil {
		params, paramWarnings, changed := normalizeParameters(req.Parameters, caps)
		if changed {
			copyOnWrite()
			out.Parameters = params
		}
		warnings = append(warnings, paramWarnings...)
	}

	return out, warnings
}

// normalizeSystemMessages applies the backend's system message strategy.
func normalizeSystemMessages(msgs []Message, caps Capabilities) ([]Message, []string, bool) {
	systemCount := 0
	for _, m := range msgs {
		if m.Role == RoleSystem {
			systemCount++
		}
	}
	if systemCount == 0 {
		return msgs, nil, false
	}

	switch caps.SystemMessageStrategy {
	case SystemUnsupported:
		var out []Message
		for _, m := range msgs {
			if m.Role != RoleSystem {
				out = append(out, m)
			}
		}
		return out, []string{"dropped-system-messages"}, true

	case SystemPrependedToFirstUser:
		system, rest := ExtractSystem(msgs)
		joined := JoinSystem(system)
		out := make([]Message, len(rest))
		copy(out, rest)
		for i, m := range out {
			if m.Role == RoleUser {
				out[i] = prependText(m, joined)
				return out, nil, true
			}
		}
		// No user message to host the text: synthesize one in front.
		out = append([]Message{TextMessage(RoleUser, joined)}, out...)
		return out, nil, true

	case SystemSeparateParameter, SystemInMessages, "":
		if systemCount <= 1 || caps.SupportsMultipleSystemMessages {
			return msgs, nil, false
		}
		// Merge consecutive system messages into the first one.
		return mergeSystemMessages(msgs), nil, true

	default:
		return msgs, nil, false
	}
}

// mergeSystemMessages joins all system message text into a single system
// message at the position of the first one.
func mergeSystemMessages(msgs []Message) []Message {
	var parts []string
	firstIdx := -1
	for i, m := range msgs {
		if m.Role == RoleSystem {
			if firstIdx < 0 {
				firstIdx = i
			}
			parts = append(parts, m.Text())
		}
	}

	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		if m.Role != RoleSystem {
			out = append(out, m)
			continue
		}
		if i == firstIdx {
			out = append(out, TextMessage(RoleSystem, JoinSystem(parts)))
		}
	}
	return out
}

// prependText prepends text to the message's text content.
func prependText(m Message, text string) Message {
	if text == "" {
		return m
	}
	out := m.Clone()
	if len(out.Parts) == 0 {
		out.Content = text + SystemJoiner + out.Content
		return out
	}
	for i, p := range out.Parts {
		if t, ok := p.(TextBlock); ok {
			out.Parts[i] = TextBlock{Text: text + SystemJoiner + t.Text}
			return out
		}
	}
	out.Parts = append([]ContentBlock{TextBlock{Text: text}}, out.Parts...)
	return out
}

// normalizeParameters drops parameters the backend does not support,
// recording a warning for each caller-set one, and truncates stop
// sequences to the backend limit. Temperature is passed through with no
// rescaling; backends declare and apply any scaling in their own wire
// mapping.
func normalizeParameters(p *Parameters, caps Capabilities) (*Parameters, []string, bool) {
	var warnings []string
	out := p
	copyOnWrite := func() {
		if out == p {
			out = p.Clone()
		}
	}

	drop := func(set bool, clear func(), name string) {
		if !set {
			return
		}
		copyOnWrite()
		clear()
		warnings = append(warnings, "dropped-unsupported-parameter: "+name)
	}

	if !caps.SupportsTemperature {
		drop(p.Temperature != nil, func() { out.Temperature = nil }, "temperature")
	}
	if !caps.SupportsTopP {
		drop(p.TopP != nil, func() { out.TopP = nil }, "topP")
	}
	if !caps.SupportsTopK {
		drop(p.TopK != nil, func() { out.TopK = nil }, "topK")
	}
	if !caps.SupportsSeed {
		drop(p.Seed != nil, func() { out.Seed = nil }, "seed")
	}
	if !caps.SupportsFrequencyPenalty {
		drop(p.FrequencyPenalty != nil, func() { out.FrequencyPenalty = nil }, "frequencyPenalty")
	}
	if !caps.SupportsPresencePenalty {
		drop(p.PresencePenalty != nil, func() { out.PresencePenalty = nil }, "presencePenalty")
	}

	if caps.MaxStopSequences > 0 && len(p.StopSequences) > caps.MaxStopSequences {
		copyOnWrite()
		out.StopSequences = out.StopSequences[:caps.MaxStopSequences]
		warnings = append(warnings, WarningTruncatedStops)
	}

	return out, warnings, out != p
}

// ExtractSystem splits system messages from the rest of the conversation.
// Used by backends whose provider takes system text as a separate
// parameter.
func ExtractSystem(msgs []Message) (system []string, rest []Message) {
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m.Text())
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// JoinSystem joins system message texts with the standard separator.
func JoinSystem(parts []string) string {
	return strings.Join(parts, SystemJoiner)
}
