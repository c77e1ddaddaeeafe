package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

type ContentKind int

const (
	ContentNull ContentKind = iota
	ContentText
	ContentParts
)

type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

type ContentPart struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Content is plain text, an ordered list of typed parts, or null.
// The zero value is null.
type Content struct {
	kind  ContentKind
	text  string
	parts []ContentPart
}

func TextContent(s string) Content {
	return Content{kind: ContentText, text: s}
}

func PartsContent(parts ...ContentPart) Content {
	return Content{kind: ContentParts, parts: parts}
}

func (c Content) Kind() ContentKind { return c.kind }

func (c Content) IsNull() bool { return c.kind == ContentNull }

func (c Content) Parts() []ContentPart { return c.parts }

// Text returns the text content, joining text parts with newlines.
func (c Content) Text() string {
	switch c.kind {
	case ContentText:
		return c.text
	case ContentParts:
		var texts []string
		for _, p := range c.parts {
			if p.Type == PartText {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

func (c Content) MarshalJSON() ([]byte, error) {
	switch c.kind {
	case ContentText:
		return json.Marshal(c.text)
	case ContentParts:
		return json.Marshal(c.parts)
	}
	return []byte("null"), nil
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return invalid("content", "malformed string")
		}
		*c = TextContent(s)
		return nil
	case data[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return invalid("content", "malformed content parts")
		}
		for _, p := range parts {
			switch p.Type {
			case PartText:
			case PartImageURL:
				if p.ImageURL == nil || p.ImageURL.URL == "" {
					return invalid("content", "image_url part requires a url")
				}
			default:
				return invalid("content", "unknown content part type %q", p.Type)
			}
		}
		*c = PartsContent(parts...)
		return nil
	}
	return invalid("content", "must be a string, an array of parts or null")
}
