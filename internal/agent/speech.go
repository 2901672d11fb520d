package agent

import (
	"bytes"
	"encoding/json"
	"strings"
)

const noDetailText = "操作成功，但没有提供详细信息"

// resultKeys are spoken in this order when a result has no summary text.
var resultKeys = []string{"message", "result", "summary", "status", "city", "date", "weather"}

// SpokenResult chooses the text to speak for a successful tool result.
func SpokenResult(data json.RawMessage) string {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return s
		}
		return noDetailText
	}

	switch t := v.(type) {
	case string:
		if t != "" {
			return t
		}
	case map[string]any:
		for _, k := range []string{"summary", "tts_message"} {
			if s := truthyText(t[k]); s != "" {
				return s
			}
		}
		if s := truthyText(t["result"]); s != "" {
			return s
		}
		if s := truthyText(t["message"]); s != "" {
			return s
		}
		var parts []string
		for _, k := range resultKeys {
			if val, ok := t[k]; ok {
				parts = append(parts, k+": "+jsonText(val))
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, ", ")
		}
	}
	return noDetailText
}

// truthyText renders v unless it is an empty or zero value.
func truthyText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if !t {
			return ""
		}
		return "true"
	case json.Number:
		if f, err := t.Float64(); err == nil && f == 0 {
			return ""
		}
		return t.String()
	default:
		return jsonText(t)
	}
}

func jsonText(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return strings.TrimRight(buf.String(), "\n")
}
