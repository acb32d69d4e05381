package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// StoryContent is the body of a story: PlainText or StyledText.
type StoryContent interface {
	storyContent()
	// PlainString returns the text without styling.
	PlainString() string
}

// PlainText is unstyled story text. On the wire it is a bare string.
type PlainText string

// StyledText is story text rendered over a colored background.
type StyledText struct {
	Text       string `json:"text"`
	Color      string `json:"color,omitempty"`
	Background string `json:"backgroundColor,omitempty"`
}

func (PlainText) storyContent()  {}
func (StyledText) storyContent() {}

func (p PlainText) PlainString() string  { return string(p) }
func (s StyledText) PlainString() string { return s.Text }

// MarshalStoryContent encodes c in its wire form. Nil encodes as null.
func MarshalStoryContent(c StoryContent) (json.RawMessage, error) {
	switch v := c.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case PlainText:
		return json.Marshal(string(v))
	case StyledText:
		return json.Marshal(v)
	}
	return nil, fmt.Errorf("unsupported story content %T", c)
}

// UnmarshalStoryContent decodes wire content. A string becomes PlainText;
// an object with styling becomes StyledText and one without becomes
// PlainText.
func UnmarshalStoryContent(raw json.RawMessage) (StoryContent, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return PlainText(s), nil
	case '{':
		var st StyledText
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, err
		}
		if st.Color == "" && st.Background == "" {
			return PlainText(st.Text), nil
		}
		return st, nil
	}
	return nil, fmt.Errorf("story content must be a string or object, got %s", raw)
}
