// ABOUTME: Tests for content variant parsing and per-variant validation

package content

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseText(t *testing.T) {
	c, err := Parse(TypeText, json.RawMessage(`{"text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeText, c.Type())
	assert.Equal(t, "hello", c.(*Text).Text)
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse("sticker", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := Parse(TypeText, json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestTextValidation(t *testing.T) {
	assert.NoError(t, Text{Text: "hi"}.Validate())
	assert.ErrorIs(t, Text{}.Validate(), ErrInvalid)
	assert.ErrorIs(t, Text{Text: strings.Repeat("a", maxTextLen+1)}.Validate(), ErrInvalid)
}

func TestMediaValidation(t *testing.T) {
	assert.NoError(t, Image{URL: "https://cdn.example.com/a.jpg"}.Validate())
	assert.ErrorIs(t, Image{}.Validate(), ErrInvalid)
	assert.ErrorIs(t, Image{URL: "ftp://host/a.jpg"}.Validate(), ErrInvalid)
	assert.ErrorIs(t, Image{
		URL:     "https://cdn.example.com/a.jpg",
		Caption: strings.Repeat("x", maxCaptionLen+1),
	}.Validate(), ErrInvalid)

	assert.NoError(t, Video{URL: "https://cdn.example.com/a.mp4", GIFPlayback: true}.Validate())
	assert.NoError(t, Audio{URL: "https://cdn.example.com/a.ogg", PTT: true}.Validate())
	assert.ErrorIs(t, Audio{}.Validate(), ErrInvalid)

	assert.NoError(t, Document{URL: "https://cdn.example.com/a.pdf", FileName: "report.pdf"}.Validate())
	assert.ErrorIs(t, Document{
		URL:      "https://cdn.example.com/a.pdf",
		FileName: strings.Repeat("f", maxNameLen+1),
	}.Validate(), ErrInvalid)
}

func TestLocationValidation(t *testing.T) {
	assert.NoError(t, Location{Latitude: -23.55, Longitude: -46.63, Name: "HQ"}.Validate())
	assert.ErrorIs(t, Location{Latitude: 91}.Validate(), ErrInvalid)
	assert.ErrorIs(t, Location{Longitude: -181}.Validate(), ErrInvalid)
}

func TestContactValidation(t *testing.T) {
	valid := Contact{
		DisplayName: "Ada",
		VCard:       "BEGIN:VCARD\nVERSION:3.0\nFN:Ada\nEND:VCARD",
	}
	assert.NoError(t, valid.Validate())
	assert.ErrorIs(t, Contact{VCard: valid.VCard}.Validate(), ErrInvalid)
	assert.ErrorIs(t, Contact{DisplayName: "Ada", VCard: "not a vcard"}.Validate(), ErrInvalid)
}

func TestReactionValidation(t *testing.T) {
	assert.NoError(t, Reaction{MessageID: "3EB0ABC", Emoji: "👍"}.Validate())
	// Empty emoji removes a previous reaction.
	assert.NoError(t, Reaction{MessageID: "3EB0ABC"}.Validate())
	assert.ErrorIs(t, Reaction{Emoji: "👍"}.Validate(), ErrInvalid)
}

func TestTemplateValidation(t *testing.T) {
	assert.NoError(t, Template{
		Name:         "order_update",
		LanguageCode: "pt_BR",
		Components: []TemplateComponent{
			{Type: "body", Parameters: []map[string]any{{"type": "text", "text": "42"}}},
		},
	}.Validate())
	assert.ErrorIs(t, Template{}.Validate(), ErrInvalid)
	assert.ErrorIs(t, Template{
		Name:       "x",
		Components: []TemplateComponent{{Type: "footer"}},
	}.Validate(), ErrInvalid)
}

func TestParseValidatesVariant(t *testing.T) {
	_, err := Parse(TypeImage, json.RawMessage(`{"caption":"no url"}`))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Parse(TypeLocation, json.RawMessage(`{"latitude":120,"longitude":0}`))
	assert.ErrorIs(t, err, ErrInvalid)
}
