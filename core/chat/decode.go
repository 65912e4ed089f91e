package chat

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	coreerrors "github.com/suizoe-cosine/huaer/core/errors"
	"github.com/suizoe-cosine/huaer/core/tools"
)

// NoReasoning stands in for models that do not return reasoning text.
const NoReasoning = "model has no reasoning capability"

var (
	ErrMalformedCompletion = errors.New("completion is not valid JSON")
	ErrMissingMessage      = errors.New("completion has no choices[0].message")
)

// Decoded is the visible part of one completion.
type Decoded struct {
	Reasoning    string
	HasReasoning bool
	Content      string
	ToolCalls    []tools.Call

	// Err is set when the body could not be read; Fallback is then the text
	// to show instead of a reply.
	Err      error
	Fallback string
}

// Decode reads a chat-completions body. It never panics; structural problems
// are reported through Decoded.Err.
func Decode(raw []byte) Decoded {
	if !gjson.ValidBytes(raw) {
		return failed(ErrMalformedCompletion)
	}
	msg := gjson.GetBytes(raw, "choices.0.message")
	if !msg.IsObject() {
		return failed(ErrMissingMessage)
	}

	d := Decoded{
		Reasoning: NoReasoning,
		Content:   strings.TrimSpace(msg.Get("content").String()),
	}
	if r := msg.Get("reasoning_content"); r.Exists() && r.Type != gjson.Null {
		d.Reasoning = r.String()
		d.HasReasoning = true
	}

	msg.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		name := call.Get("function.name").String()
		if name == "" {
			return true
		}
		d.ToolCalls = append(d.ToolCalls, tools.Call{
			ID:        call.Get("id").String(),
			Name:      name,
			Arguments: arguments(call.Get("function.arguments")),
		})
		return true
	})
	return d
}

// arguments accepts both the standard JSON-encoded string and a bare object.
func arguments(r gjson.Result) json.RawMessage {
	switch {
	case !r.Exists() || r.Type == gjson.Null:
		return nil
	case r.Type == gjson.String:
		return json.RawMessage(r.Str)
	}
	return json.RawMessage(r.Raw)
}

func failed(err error) Decoded {
	return Decoded{
		Err:      coreerrors.Wrap(coreerrors.KindDecode, "decode completion", err),
		Fallback: coreerrors.MsgDecodeFallback,
	}
}

// Reply renders the text shown to the conversation.
func (d Decoded) Reply(showReasoning bool) string {
	if d.Err != nil {
		return d.Fallback
	}
	if !showReasoning {
		return d.Content
	}
	return "### Reasoning:\n" + d.Reasoning + "\n### Reply:\n" + d.Content
}
