package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// PartType is the type tag of a multimodal content part.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// ImageURL references an image by http(s) URL or data: URI.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is one element of multimodal content.
type ContentPart struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// TextPart returns a text part.
func TextPart(s string) ContentPart { return ContentPart{Type: PartText, Text: s} }

// ImagePart returns an image part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: &ImageURL{URL: url}}
}

// Content is either a plain string or an ordered list of parts. On the
// wire it is a JSON string when Parts is nil and an array otherwise.
type Content struct {
	Text  string
	Parts []ContentPart
}

// Text returns plain string content.
func Text(s string) Content { return Content{Text: s} }

// Parts returns multimodal content.
func Parts(parts ...ContentPart) Content {
	if parts == nil {
		parts = []ContentPart{}
	}
	return Content{Parts: parts}
}

// IsMulti reports whether the content is a part list.
func (c Content) IsMulti() bool { return c.Parts != nil }

// PlainText joins every text part with newlines. For string content it
// returns the string unchanged.
func (c Content) PlainText() string {
	if !c.IsMulti() {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == PartText && strings.TrimSpace(p.Text) != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Images returns the URLs of every image part in order.
func (c Content) Images() []string {
	var urls []string
	for _, p := range c.Parts {
		if p.Type == PartImageURL && p.ImageURL != nil {
			urls = append(urls, p.ImageURL.URL)
		}
	}
	return urls
}

// IsEmpty reports whether there is neither text nor an image.
func (c Content) IsEmpty() bool {
	return strings.TrimSpace(c.PlainText()) == "" && len(c.Images()) == 0
}

// Validate checks part types and image references.
func (c Content) Validate() error {
	for i, p := range c.Parts {
		switch p.Type {
		case PartText:
		case PartImageURL:
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				return fmt.Errorf("%w: content part %d has no image url", ErrMalformedMessage, i)
			}
		default:
			return fmt.Errorf("%w: content part %d has unknown type %q", ErrMalformedMessage, i, p.Type)
		}
	}
	return nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsMulti() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
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
			return err
		}
		*c = Content{Text: s}
		return nil
	case data[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = Parts(parts...)
		return nil
	default:
		return fmt.Errorf("%w: content must be a string or a list of parts", ErrMalformedMessage)
	}
}
