package agent

import (
	"encoding/json"
	"strings"

	"github.com/immoassist/chat-gateway/internal/sources"
)

// RunRequest is the body of a streamed agent run
type RunRequest struct {
	AppName        string  `json:"appName"`
	UserID         string  `json:"userId"`
	SessionID      string  `json:"sessionId"`
	NewMessage     Content `json:"newMessage"`
	PreferredAgent string  `json:"preferredAgent,omitempty"`
	Streaming      bool    `json:"streaming"`
}

// NewUserMessage builds the single-part user content the agent expects
func NewUserMessage(text string) Content {
	return Content{Role: "user", Parts: []Part{{Text: text}}}
}

// Event is one decoded stream payload. Only the fields the assembler reads
// are modelled; everything else the agent sends is ignored.
type Event struct {
	Author  string   `json:"author,omitempty"`
	Content *Content `json:"content,omitempty"`

	// The grounding block shows up under three spellings depending on the
	// serializer in front of the agent.
	GroundingMetadata      *GroundingMetadata `json:"grounding_metadata,omitempty"`
	GroundingMetadataCamel *GroundingMetadata `json:"groundingMetadata,omitempty"`
	Grounding              *GroundingMetadata `json:"grounding,omitempty"`
}

// Content is a role-tagged list of parts
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part carries either text or a tool response
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// FunctionResponse is a tool's result as relayed by the agent
type FunctionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// GroundingMetadata lists the retrieval chunks an answer relied on
type GroundingMetadata struct {
	GroundingChunks      []GroundingChunk `json:"grounding_chunks,omitempty"`
	GroundingChunksCamel []GroundingChunk `json:"groundingChunks,omitempty"`
	Chunks               []GroundingChunk `json:"chunks,omitempty"`
}

// GroundingChunk is one retrieved reference
type GroundingChunk struct {
	RetrievedContext      *RetrievedContext `json:"retrieved_context,omitempty"`
	RetrievedContextCamel *RetrievedContext `json:"retrievedContext,omitempty"`
}

// RetrievedContext points at a knowledge-base document
type RetrievedContext struct {
	URI           string    `json:"uri,omitempty"`
	Title         string    `json:"title,omitempty"`
	RagChunk      *RagChunk `json:"rag_chunk,omitempty"`
	RagChunkCamel *RagChunk `json:"ragChunk,omitempty"`
}

// RagChunk is the RAG engine's own chunk reference
type RagChunk struct {
	URI   string `json:"uri,omitempty"`
	Title string `json:"title,omitempty"`
}

// Chart is a chart tool payload. Everything except the fields used for
// logging is kept verbatim so the UI receives exactly what the tool built.
type Chart struct {
	ChartType string
	Title     string
	Raw       json.RawMessage
}

// MarshalJSON emits the original payload
func (c *Chart) MarshalJSON() ([]byte, error) {
	if c == nil || len(c.Raw) == 0 {
		return []byte("null"), nil
	}
	return c.Raw, nil
}

// ToolResult is the part of a function response the assembler cares about
type ToolResult struct {
	Name    string
	Chart   *Chart
	Sources []sources.Source
}

// ParseEvent decodes one frame payload
func ParseEvent(payload string) (*Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// TextDeltas returns the non-empty text parts in order
func (e *Event) TextDeltas() []string {
	if e.Content == nil {
		return nil
	}
	var out []string
	for _, p := range e.Content.Parts {
		if p.Text != "" {
			out = append(out, p.Text)
		}
	}
	return out
}

// ToolResults returns the decoded function responses in order
func (e *Event) ToolResults() []ToolResult {
	if e.Content == nil {
		return nil
	}
	var out []ToolResult
	for _, p := range e.Content.Parts {
		if p.FunctionResponse == nil || len(p.FunctionResponse.Response) == 0 {
			continue
		}
		out = append(out, decodeToolResponse(p.FunctionResponse))
	}
	return out
}

func decodeToolResponse(fr *FunctionResponse) ToolResult {
	tr := ToolResult{Name: fr.Name}

	var head struct {
		Type      string          `json:"type"`
		ChartType string          `json:"chartType"`
		Title     string          `json:"title"`
		Result    json.RawMessage `json:"result"`
		Sources   json.RawMessage `json:"sources"`
	}
	if err := json.Unmarshal(fr.Response, &head); err != nil {
		return tr
	}

	if head.Type == "chart" {
		tr.Chart = &Chart{ChartType: head.ChartType, Title: head.Title, Raw: fr.Response}
		return tr
	}

	if len(head.Sources) > 0 {
		tr.Sources = sources.FromToolResult(string(fr.Response))
	}
	if len(head.Result) > 0 {
		var text string
		if err := json.Unmarshal(head.Result, &text); err != nil {
			// result given as an object rather than a string
			text = string(head.Result)
		}
		tr.Sources = sources.Merge(tr.Sources, sources.FromToolResult(text))
	}
	return tr
}

// GroundingSources returns the sources referenced by the grounding block
func (e *Event) GroundingSources() []sources.Source {
	var out []sources.Source
	for _, gm := range []*GroundingMetadata{e.GroundingMetadata, e.GroundingMetadataCamel, e.Grounding} {
		if gm == nil {
			continue
		}
		for _, chunks := range [][]GroundingChunk{gm.GroundingChunks, gm.GroundingChunksCamel, gm.Chunks} {
			for _, c := range chunks {
				if s, ok := c.source(); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func (c GroundingChunk) source() (sources.Source, bool) {
	rc := c.RetrievedContext
	if rc == nil {
		rc = c.RetrievedContextCamel
	}
	if rc == nil {
		return sources.Source{}, false
	}

	uri, title := rc.URI, rc.Title
	rag := rc.RagChunk
	if rag == nil {
		rag = rc.RagChunkCamel
	}
	if rag != nil {
		if rag.URI != "" {
			uri = rag.URI
		}
		if title == "" {
			title = rag.Title
		}
	}
	if strings.TrimSpace(uri) == "" && strings.TrimSpace(title) == "" {
		return sources.Source{}, false
	}
	return sources.FromRetrieved(uri, title), true
}
