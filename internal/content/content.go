// ABOUTME: Closed set of message content variants with boundary validation
// ABOUTME: Payloads are parsed from their stored JSON form by declared type

package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid wraps all content validation failures.
var ErrInvalid = errors.New("invalid content")

// Type identifies a content variant.
type Type string

const (
	TypeText     Type = "text"
	TypeImage    Type = "image"
	TypeVideo    Type = "video"
	TypeAudio    Type = "audio"
	TypeDocument Type = "document"
	TypeLocation Type = "location"
	TypeContact  Type = "contact"
	TypeReaction Type = "reaction"
	TypeTemplate Type = "template"
)

const (
	maxTextLen    = 65536
	maxCaptionLen = 1024
	maxNameLen    = 255
	maxAddressLen = 512
	maxEmojiLen   = 10
)

// Content is one message payload variant. The implementations in this
// package are the complete set; nothing else enters the pipeline.
type Content interface {
	Type() Type
	Validate() error
}

// Text is a plain text message.
type Text struct {
	Text string `json:"text"`
}

func (Text) Type() Type { return TypeText }

func (c Text) Validate() error {
	if c.Text == "" {
		return fmt.Errorf("%w: text is required", ErrInvalid)
	}
	if len(c.Text) > maxTextLen {
		return fmt.Errorf("%w: text exceeds %d bytes", ErrInvalid, maxTextLen)
	}
	return nil
}

// Image is an image referenced by URL with an optional caption.
// Data holds the resolved binary; it is filled by the send pipeline
// and never stored.
type Image struct {
	URL      string `json:"url"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"-"`
}

func (Image) Type() Type { return TypeImage }

func (c Image) Validate() error {
	if err := validateURL(c.URL); err != nil {
		return err
	}
	return validateCaption(c.Caption)
}

// Video is a video referenced by URL. GIFPlayback renders it looping
// without sound.
type Video struct {
	URL         string `json:"url"`
	Caption     string `json:"caption,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	GIFPlayback bool   `json:"gifPlayback,omitempty"`
	Data        []byte `json:"-"`
}

func (Video) Type() Type { return TypeVideo }

func (c Video) Validate() error {
	if err := validateURL(c.URL); err != nil {
		return err
	}
	return validateCaption(c.Caption)
}

// Audio is an audio clip referenced by URL. PTT marks it as a voice note.
type Audio struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	PTT      bool   `json:"ptt,omitempty"`
	Data     []byte `json:"-"`
}

func (Audio) Type() Type { return TypeAudio }

func (c Audio) Validate() error {
	return validateURL(c.URL)
}

// Document is an arbitrary file referenced by URL.
type Document struct {
	URL      string `json:"url"`
	FileName string `json:"fileName,omitempty"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"-"`
}

func (Document) Type() Type { return TypeDocument }

func (c Document) Validate() error {
	if err := validateURL(c.URL); err != nil {
		return err
	}
	if len(c.FileName) > maxNameLen {
		return fmt.Errorf("%w: fileName exceeds %d characters", ErrInvalid, maxNameLen)
	}
	return validateCaption(c.Caption)
}

// Location is a geographic coordinate with optional name and address.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

func (Location) Type() Type { return TypeLocation }

func (c Location) Validate() error {
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude out of range", ErrInvalid)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude out of range", ErrInvalid)
	}
	if len(c.Name) > maxNameLen {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalid, maxNameLen)
	}
	if len(c.Address) > maxAddressLen {
		return fmt.Errorf("%w: address exceeds %d characters", ErrInvalid, maxAddressLen)
	}
	return nil
}

// Contact is a shared contact card in VCF format.
type Contact struct {
	DisplayName string `json:"displayName"`
	VCard       string `json:"vcard"`
}

func (Contact) Type() Type { return TypeContact }

func (c Contact) Validate() error {
	if c.DisplayName == "" {
		return fmt.Errorf("%w: displayName is required", ErrInvalid)
	}
	if len(c.DisplayName) > maxNameLen {
		return fmt.Errorf("%w: displayName exceeds %d characters", ErrInvalid, maxNameLen)
	}
	if !strings.HasPrefix(strings.TrimSpace(c.VCard), "BEGIN:VCARD") {
		return fmt.Errorf("%w: vcard must be VCF format", ErrInvalid)
	}
	return nil
}

// Reaction attaches an emoji to an existing message. An empty emoji
// removes a previous reaction.
type Reaction struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

func (Reaction) Type() Type { return TypeReaction }

func (c Reaction) Validate() error {
	if c.MessageID == "" {
		return fmt.Errorf("%w: messageId is required", ErrInvalid)
	}
	if len(c.Emoji) > maxEmojiLen {
		return fmt.Errorf("%w: emoji exceeds %d bytes", ErrInvalid, maxEmojiLen)
	}
	return nil
}

// TemplateComponent is one parameterized section of a template message.
type TemplateComponent struct {
	Type       string           `json:"type"`
	Parameters []map[string]any `json:"parameters,omitempty"`
}

// Template is a pre-approved business template message.
type Template struct {
	Name         string              `json:"name"`
	LanguageCode string              `json:"languageCode,omitempty"`
	Components   []TemplateComponent `json:"components,omitempty"`
}

func (Template) Type() Type { return TypeTemplate }

func (c Template) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: template name is required", ErrInvalid)
	}
	for _, comp := range c.Components {
		switch comp.Type {
		case "header", "body", "button":
		default:
			return fmt.Errorf("%w: unknown template component type %q", ErrInvalid, comp.Type)
		}
	}
	return nil
}

// Parse decodes a stored payload into its declared variant and validates
// it. Unknown types are rejected; the variant set is closed.
func Parse(typ Type, raw json.RawMessage) (Content, error) {
	var c Content
	switch typ {
	case TypeText:
		c = &Text{}
	case TypeImage:
		c = &Image{}
	case TypeVideo:
		c = &Video{}
	case TypeAudio:
		c = &Audio{}
	case TypeDocument:
		c = &Document{}
	case TypeLocation:
		c = &Location{}
	case TypeContact:
		c = &Contact{}
	case TypeReaction:
		c = &Reaction{}
	case TypeTemplate:
		c = &Template{}
	default:
		return nil, fmt.Errorf("%w: unknown content type %q", ErrInvalid, typ)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("%w: decoding %s payload: %v", ErrInvalid, typ, err)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func validateURL(url string) error {
	if url == "" {
		return fmt.Errorf("%w: url is required", ErrInvalid)
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("%w: url must be http or https", ErrInvalid)
	}
	return nil
}

func validateCaption(caption string) error {
	if len(caption) > maxCaptionLen {
		return fmt.Errorf("%w: caption exceeds %d bytes", ErrInvalid, maxCaptionLen)
	}
	return nil
}
