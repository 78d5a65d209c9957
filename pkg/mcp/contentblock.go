package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
)

// ContentBlockKind tags which variant a ContentBlock carries. Modeled as an
// explicit discriminated union rather than a single struct with optional
// fields sniffed by presence, so marshaling/unmarshaling never guesses.
type ContentBlockKind string

const (
	ContentText     ContentBlockKind = "text"
	ContentImage    ContentBlockKind = "image"
	ContentResource ContentBlockKind = "resource"
	ContentUnknown  ContentBlockKind = "unknown"
)

// ContentBlock is one element of a CallResult's content list. Exactly one of
// the variant-specific fields is populated, selected by Kind.
type ContentBlock struct {
	Kind ContentBlockKind

	// ContentText
	Text string

	// ContentImage
	ImageData []byte
	MimeType  string

	// ContentResource
	ResourceURI  string
	ResourceText string

	// ContentUnknown: preserved verbatim so an unrecognized upstream
	// variant still round-trips instead of being dropped.
	Raw json.RawMessage
}

// contentBlockWire is the wire shape of one content block, matching the MCP
// content-block JSON encoding.
type contentBlockWire struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"` // base64, handled by json.Marshal on []byte
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// MarshalJSON encodes the block according to its Kind, never attribute
// sniffing from whichever fields happen to be non-zero.
func (c ContentBlock) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case ContentText:
		return json.Marshal(contentBlockWire{Type: "text", Text: c.Text})
	case ContentImage:
		mt := c.MimeType
		if mt == "" && len(c.ImageData) > 0 {
			mt = mimetype.Detect(c.ImageData).String()
		}
		return json.Marshal(struct {
			Type     string `json:"type"`
			Data     []byte `json:"data"`
			MimeType string `json:"mimeType"`
		}{Type: "image", Data: c.ImageData, MimeType: mt})
	case ContentResource:
		return json.Marshal(contentBlockWire{Type: "resource", URI: c.ResourceURI, Text: c.ResourceText})
	case ContentUnknown, "":
		if len(c.Raw) > 0 {
			return c.Raw, nil
		}
		return json.Marshal(contentBlockWire{Type: "unknown"})
	default:
		return nil, fmt.Errorf("mcp: unknown content block kind %q", c.Kind)
	}
}

// UnmarshalJSON dispatches on the wire "type" field; a type it doesn't
// recognize is kept as ContentUnknown with Raw populated, so an upstream
// running a newer protocol revision doesn't lose data.
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("mcp: decoding content block: %w", err)
	}

	switch probe.Type {
	case "text":
		var w contentBlockWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		c.Kind = ContentText
		c.Text = w.Text
	case "image":
		var w struct {
			Data     []byte `json:"data"`
			MimeType string `json:"mimeType"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		c.Kind = ContentImage
		c.ImageData = w.Data
		c.MimeType = w.MimeType
		if c.MimeType == "" && len(c.ImageData) > 0 {
			c.MimeType = mimetype.Detect(c.ImageData).String()
		}
	case "resource":
		var w contentBlockWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		c.Kind = ContentResource
		c.ResourceURI = w.URI
		c.ResourceText = w.Text
	default:
		c.Kind = ContentUnknown
		c.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

// CallResult is the outcome of one tool invocation, forwarded from an
// upstream's tools/call response or synthesized locally for a governance
// denial.
type CallResult struct {
	IsError    bool
	Content    []ContentBlock
	Structured json.RawMessage
}

type callResultWire struct {
	IsError    bool            `json:"isError"`
	Content    []ContentBlock  `json:"content"`
	Structured json.RawMessage `json:"structuredContent,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r CallResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(callResultWire{IsError: r.IsError, Content: r.Content, Structured: r.Structured})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *CallResult) UnmarshalJSON(data []byte) error {
	var w callResultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.IsError = w.IsError
	r.Content = w.Content
	r.Structured = w.Structured
	return nil
}

// TextResult builds a single-text-block CallResult, the shape used for every
// governance denial: {is_error:true, content:[text("Governance denied: <reason>")]}.
func TextResult(isError bool, text string) CallResult {
	return CallResult{IsError: isError, Content: []ContentBlock{{Kind: ContentText, Text: text}}}
}

// DeniedResult builds the wire-exact governance denial result for reason.
func DeniedResult(reason string) CallResult {
	return TextResult(true, "Governance denied: "+reason)
}
