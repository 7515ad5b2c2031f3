// Package models defines the wire-level types shared across the runtime:
// message content, events, and event actions.
//
// Content is the unit of conversation. A Content carries a role and an
// ordered list of parts; parts are text, inline binary data, function
// calls, or function responses. Events wrap a Content with identity,
// ordering, and side-effect metadata and are the unit of observation for
// everything downstream (session log, SSE stream, websocket frames).
package models

import "encoding/json"

// Role identifies the author type of a Content.
type Role string

const (
	RoleUser     Role = "user"
	RoleModel    Role = "model"
	RoleFunction Role = "function"
	RoleSystem   Role = "system"
)

// Content is a role plus an ordered sequence of parts.
type Content struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is one element of a Content. Exactly one of the pointer fields is
// set for non-text parts; a text part uses the Text field alone.
type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// Blob is a binary payload. Data is base64-encoded on the wire by
// encoding/json.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// FunctionCall is a model request to execute a named tool. ID correlates
// the call with its FunctionResponse; when the model omits it the engine
// synthesises one before dispatch.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back into the conversation. ID
// matches the originating FunctionCall.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

// NewTextContent builds a single-part text Content.
func NewTextContent(role Role, text string) *Content {
	return &Content{Role: role, Parts: []Part{{Text: text}}}
}

// FunctionCalls returns all function-call parts in order.
func (c *Content) FunctionCalls() []*FunctionCall {
	if c == nil {
		return nil
	}
	var calls []*FunctionCall
	for i := range c.Parts {
		if c.Parts[i].FunctionCall != nil {
			calls = append(calls, c.Parts[i].FunctionCall)
		}
	}
	return calls
}

// FunctionResponses returns all function-response parts in order.
func (c *Content) FunctionResponses() []*FunctionResponse {
	if c == nil {
		return nil
	}
	var responses []*FunctionResponse
	for i := range c.Parts {
		if c.Parts[i].FunctionResponse != nil {
			responses = append(responses, c.Parts[i].FunctionResponse)
		}
	}
	return responses
}

// Text concatenates the text parts of the content.
func (c *Content) Text() string {
	if c == nil {
		return ""
	}
	var out string
	for i := range c.Parts {
		out += c.Parts[i].Text
	}
	return out
}

// Clone returns a deep copy of the content.
func (c *Content) Clone() *Content {
	if c == nil {
		return nil
	}
	clone := &Content{Role: c.Role, Parts: make([]Part, len(c.Parts))}
	for i, p := range c.Parts {
		cp := Part{Text: p.Text}
		if p.InlineData != nil {
			data := make([]byte, len(p.InlineData.Data))
			copy(data, p.InlineData.Data)
			cp.InlineData = &Blob{MIMEType: p.InlineData.MIMEType, Data: data}
		}
		if p.FunctionCall != nil {
			cp.FunctionCall = &FunctionCall{
				ID:   p.FunctionCall.ID,
				Name: p.FunctionCall.Name,
				Args: cloneJSONMap(p.FunctionCall.Args),
			}
		}
		if p.FunctionResponse != nil {
			cp.FunctionResponse = &FunctionResponse{
				ID:       p.FunctionResponse.ID,
				Name:     p.FunctionResponse.Name,
				Response: cloneJSONMap(p.FunctionResponse.Response),
			}
		}
		clone.Parts[i] = cp
	}
	return clone
}

// cloneJSONMap deep-copies a JSON-shaped map (maps, slices, primitives).
func cloneJSONMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = cloneJSONValue(v)
	}
	return clone
}

func cloneJSONValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneJSONMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = cloneJSONValue(item)
		}
		return cloned
	case json.RawMessage:
		cloned := make(json.RawMessage, len(val))
		copy(cloned, val)
		return cloned
	default:
		return v
	}
}
