package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpokenResult(t *testing.T) {
	cases := []struct {
		name string
		data string
		want string
	}{
		{"summary_first", `{"summary":"已打开客厅的灯","tts_message":"x","message":"y"}`, "已打开客厅的灯"},
		{"tts_message", `{"tts_message":"灯已打开","result":"ok"}`, "灯已打开"},
		{"plain_string", `"完成"`, "完成"},
		{"result", `{"result":"done","message":"m"}`, "done"},
		{"message", `{"message":"m"}`, "m"},
		{"key_listing", `{"city":"北京","weather":{"temp":21},"other":1}`, `city: "北京", weather: {"temp":21}`},
		{"empty_summary_falls_through", `{"summary":"","status":"ok"}`, `summary: "", status: "ok"`},
		{"nothing_useful", `{"other":1}`, noDetailText},
		{"array", `[1,2]`, noDetailText},
		{"empty_string", `""`, noDetailText},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SpokenResult(json.RawMessage(tc.data)))
		})
	}
}
