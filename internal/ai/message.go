package ai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part is one typed item of a multimodal message. The set of
// implementations is closed: TextPart, ImagePart and FilePart.
type Part interface {
	isPart()
}

type TextPart struct {
	Text string
}

type ImagePart struct {
	URL string
}

// FilePart is an inlined file sent as a base64 data URL.
type FilePart struct {
	Filename string
	MIMEType string
	Data     []byte
}

func (TextPart) isPart()  {}
func (ImagePart) isPart() {}
func (FilePart) isPart()  {}

// Message is a role-tagged chat message. When Parts is nil the content is
// serialized as a plain string, otherwise as an ordered array of parts.
type Message struct {
	Role    string
	Content string
	Parts   []Part
}

func TextMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

func PartsMessage(role string, parts ...Part) Message {
	return Message{Role: role, Parts: parts}
}

// Text flattens the message to its textual content.
func (m Message) Text() string {
	if m.Parts == nil {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

func (m Message) HasFile() bool {
	for _, p := range m.Parts {
		if _, ok := p.(FilePart); ok {
			return true
		}
	}
	return false
}

func AnyHasFile(msgs []Message) bool {
	for _, m := range msgs {
		if m.HasFile() {
			return true
		}
	}
	return false
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireFile struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
	File     *wireFile     `json:"file,omitempty"`
}

func encodePart(p Part) (wirePart, error) {
	switch v := p.(type) {
	case TextPart:
		return wirePart{Type: "text", Text: v.Text}, nil
	case ImagePart:
		return wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: v.URL}}, nil
	case FilePart:
		mime := v.MIMEType
		if mime == "" {
			mime = "application/octet-stream"
		}
		return wirePart{Type: "file", File: &wireFile{
			Filename: v.Filename,
			FileData: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(v.Data),
		}}, nil
	default:
		return wirePart{}, fmt.Errorf("ai: unknown message part %T", p)
	}
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.Parts == nil {
		return json.Marshal(struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{m.Role, m.Content})
	}
	parts := make([]wirePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		wp, err := encodePart(p)
		if err != nil {
			return nil, err
		}
		parts = append(parts, wp)
	}
	return json.Marshal(struct {
		Role    string     `json:"role"`
		Content []wirePart `json:"content"`
	}{m.Role, parts})
}

// UnmarshalJSON accepts both string and array content. Job payloads are
// stored as JSON and replayed by the worker.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = ""
	m.Parts = nil

	trimmed := strings.TrimSpace(string(raw.Content))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		return json.Unmarshal(raw.Content, &m.Content)
	}

	var parts []wirePart
	if err := json.Unmarshal(raw.Content, &parts); err != nil {
		return err
	}
	m.Parts = make([]Part, 0, len(parts))
	for _, wp := range parts {
		switch wp.Type {
		case "text":
			m.Parts = append(m.Parts, TextPart{Text: wp.Text})
		case "image_url":
			if wp.ImageURL != nil {
				m.Parts = append(m.Parts, ImagePart{URL: wp.ImageURL.URL})
			}
		case "file":
			if wp.File == nil {
				continue
			}
			fp, err := decodeFile(*wp.File)
			if err != nil {
				return err
			}
			m.Parts = append(m.Parts, fp)
		default:
			return fmt.Errorf("ai: unknown content part type %q", wp.Type)
		}
	}
	return nil
}

func decodeFile(f wireFile) (FilePart, error) {
	// data:<mime>;base64,<payload>
	rest, ok := strings.CutPrefix(f.FileData, "data:")
	if !ok {
		return FilePart{}, fmt.Errorf("ai: file %q is not a data url", f.Filename)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return FilePart{}, fmt.Errorf("ai: file %q has no payload", f.Filename)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return FilePart{}, fmt.Errorf("ai: file %q: %w", f.Filename, err)
	}
	return FilePart{
		Filename: f.Filename,
		MIMEType: strings.TrimSuffix(meta, ";base64"),
		Data:     data,
	}, nil
}
