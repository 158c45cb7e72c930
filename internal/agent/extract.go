package agent

import (
	"encoding/json"
	"strings"
)

// ActionRequest is a parsed action object from model output.
type ActionRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// ExtractAction finds the first well-formed JSON object carrying an
// "action" key in free-form model output. A streaming decoder is used so
// nested objects round-trip; pattern matching cannot do this soundly.
func ExtractAction(content string) (ActionRequest, bool) {
	text := strings.TrimSpace(content)
	if text == "" {
		return ActionRequest{}, false
	}

	idx := strings.IndexByte(text, '{')
	for idx != -1 {
		if req, _, ok := decodeAt(text, idx); ok {
			return req, true
		}
		next := strings.IndexByte(text[idx+1:], '{')
		if next == -1 {
			break
		}
		idx += 1 + next
	}
	return ActionRequest{}, false
}

// decodeAt decodes one JSON value starting at offset. Returns the parsed
// action, the end offset of the value, and whether it was a usable action.
func decodeAt(text string, offset int) (ActionRequest, int, bool) {
	dec := json.NewDecoder(strings.NewReader(text[offset:]))
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return ActionRequest{}, 0, false
	}
	end := offset + int(dec.InputOffset())

	action, _ := raw["action"].(string)
	if action == "" {
		return ActionRequest{}, end, false
	}
	params, _ := raw["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	return ActionRequest{Action: action, Params: params}, end, true
}

// StripActionJSON removes every action object from mixed output, leaving
// the narrative text for the public thought record.
func StripActionJSON(content string) string {
	text := content

	type span struct{ start, end int }
	var spans []span

	idx := strings.IndexByte(text, '{')
	for idx != -1 {
		req, end, ok := decodeAtAny(text, idx)
		if ok && req.Action != "" {
			spans = append(spans, span{idx, end})
			next := strings.IndexByte(text[end:], '{')
			if next == -1 {
				break
			}
			idx = end + next
			continue
		}
		next := strings.IndexByte(text[idx+1:], '{')
		if next == -1 {
			break
		}
		idx += 1 + next
	}

	if len(spans) == 0 {
		return strings.TrimSpace(text)
	}
	var b strings.Builder
	last := 0
	for _, sp := range spans {
		b.WriteString(text[last:sp.start])
		last = sp.end
	}
	b.WriteString(text[last:])

	out := b.String()
	out = strings.ReplaceAll(out, "```json", "")
	out = strings.ReplaceAll(out, "```", "")
	return strings.TrimSpace(out)
}

// decodeAtAny decodes one value; ok is true for any complete object.
func decodeAtAny(text string, offset int) (ActionRequest, int, bool) {
	dec := json.NewDecoder(strings.NewReader(text[offset:]))
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return ActionRequest{}, 0, false
	}
	end := offset + int(dec.InputOffset())
	action, _ := raw["action"].(string)
	return ActionRequest{Action: action}, end, true
}
