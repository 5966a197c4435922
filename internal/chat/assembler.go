package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/suPer8Hu/oldsparrow/internal/ai"
	"github.com/suPer8Hu/oldsparrow/internal/attachment"
	"github.com/suPer8Hu/oldsparrow/internal/logger"
	"github.com/suPer8Hu/oldsparrow/internal/search"
)

// HistoryEntry is one client-supplied prior message.
type HistoryEntry struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	FileURL    string `json:"fileUrl,omitempty"`
	FileType   string `json:"fileType,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	Model      string `json:"model,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
}

func (h HistoryEntry) hasAttachment() bool {
	return h.FileURL != "" && h.FileType != "" && h.FileName != ""
}

type Attachment struct {
	URL      string
	MIMEType string
	Name     string
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type TextExtractor interface {
	ExtractText(data []byte) (string, error)
}

type AssembleInput struct {
	History        []HistoryEntry
	IncludeHistory bool
	Message        string
	Attachment     *Attachment
	Search         *search.Result
}

// Assembler builds the provider message list. Attachment problems never
// fail assembly; they become inline notes.
type Assembler struct {
	fetcher Fetcher
	docx    TextExtractor
	log     *logger.Logger
}

func NewAssembler(fetcher Fetcher, docx TextExtractor, log *logger.Logger) *Assembler {
	if log == nil {
		log = logger.Nop()
	}
	return &Assembler{fetcher: fetcher, docx: docx, log: log}
}

func fileContentHeader(name string) string     { return fmt.Sprintf("--- File Content: %s ---", name) }
func documentContentHeader(name string) string { return fmt.Sprintf("--- Document Content: %s ---", name) }

const (
	fileContentFooter     = "--- End of File Content ---"
	documentContentFooter = "--- End of Document Content ---"
	noReadableText        = "[No readable text found in this document]"
)

func pdfFailureNote(name string, err error) string {
	return fmt.Sprintf("[Note: PDF file %q could not be processed - %v]", name, err)
}

func fileFailureNote(name string, err error) string {
	return fmt.Sprintf("[Note: File %q could not be processed - %v]", name, err)
}

func legacyDocNote(name string) string {
	return fmt.Sprintf("[Note: %q is a legacy .doc file and cannot be read. Please convert it to .docx and upload it again.]", name)
}

func unsupportedNote(name, mimeType string) string {
	return fmt.Sprintf("[Note: File %q (%s) was attached but this file type is not supported.]", name, mimeType)
}

// appendOnce adds block to text unless marker is already present.
func appendOnce(text, marker, block string) string {
	if strings.Contains(text, marker) {
		return text
	}
	if text == "" {
		return block
	}
	return text + "\n\n" + block
}

func (a *Assembler) Assemble(ctx context.Context, in AssembleInput) []ai.Message {
	out := []ai.Message{ai.TextMessage(ai.RoleSystem, "")}

	if in.IncludeHistory {
		for _, h := range in.History {
			out = append(out, a.historyMessage(ctx, h))
		}
	}

	text := in.Message
	if block := SearchBlock(in.Search); block != "" {
		text = block + "\n\n" + text
	}
	out = append(out, a.currentMessage(ctx, text, in.Attachment))
	return out
}

func (a *Assembler) historyMessage(ctx context.Context, h HistoryEntry) ai.Message {
	role := ai.RoleUser
	if h.Role == ai.RoleAssistant || h.Role == "bot" {
		role = ai.RoleAssistant
	}
	if role != ai.RoleUser || !h.hasAttachment() {
		return ai.TextMessage(role, h.Content)
	}

	text := h.Content
	switch attachment.Classify(h.FileType, h.FileName) {
	case attachment.KindImage:
		return ai.PartsMessage(role, ai.TextPart{Text: text}, ai.ImagePart{URL: h.FileURL})
	case attachment.KindPDF:
		data, err := a.fetch(ctx, h.FileURL, h.FileName)
		if err != nil {
			return ai.TextMessage(role, appendOnce(text, fmt.Sprintf("[Note: PDF file %q", h.FileName), pdfFailureNote(h.FileName, err)))
		}
		return ai.PartsMessage(role, ai.TextPart{Text: text}, ai.FilePart{Filename: h.FileName, MIMEType: "application/pdf", Data: data})
	case attachment.KindText:
		return ai.TextMessage(role, a.embedText(ctx, text, h.FileURL, h.FileName))
	case attachment.KindDocx:
		return ai.TextMessage(role, a.embedDocx(ctx, text, h.FileURL, h.FileName))
	case attachment.KindDoc:
		return ai.TextMessage(role, appendOnce(text, legacyDocNote(h.FileName), legacyDocNote(h.FileName)))
	default:
		return ai.TextMessage(role, text)
	}
}

func (a *Assembler) currentMessage(ctx context.Context, text string, att *Attachment) ai.Message {
	if att == nil || att.URL == "" {
		return ai.PartsMessage(ai.RoleUser, ai.TextPart{Text: text})
	}

	switch attachment.Classify(att.MIMEType, att.Name) {
	case attachment.KindImage:
		return ai.PartsMessage(ai.RoleUser, ai.TextPart{Text: text}, ai.ImagePart{URL: att.URL})
	case attachment.KindPDF:
		data, err := a.fetch(ctx, att.URL, att.Name)
		if err != nil {
			return ai.PartsMessage(ai.RoleUser, ai.TextPart{Text: appendOnce(text, fmt.Sprintf("[Note: PDF file %q", att.Name), pdfFailureNote(att.Name, err))})
		}
		return ai.PartsMessage(ai.RoleUser, ai.TextPart{Text: text}, ai.FilePart{Filename: att.Name, MIMEType: "application/pdf", Data: data})
	case attachment.KindText:
		return ai.PartsMessage(ai.RoleUser, ai.TextPart{Text: a.embedText(ctx, text, att.URL, att.Name)})
	case attachment.KindDocx:
		return ai.PartsMessage(ai.RoleUser, ai.TextPart{Text: a.embedDocx(ctx, text, att.URL, att.Name)})
	case attachment.KindDoc:
		return ai.PartsMessage(ai.RoleUser, ai.TextPart{Text: appendOnce(text, legacyDocNote(att.Name), legacyDocNote(att.Name))})
	default:
		return ai.PartsMessage(ai.RoleUser, ai.TextPart{Text: appendOnce(text, unsupportedNote(att.Name, att.MIMEType), unsupportedNote(att.Name, att.MIMEType))})
	}
}

func (a *Assembler) fetch(ctx context.Context, url, name string) ([]byte, error) {
	data, err := a.fetcher.Fetch(ctx, url)
	if err != nil {
		a.log.Warn("attachment fetch failed", "file", name, "err", err)
		return nil, err
	}
	return data, nil
}

func (a *Assembler) embedText(ctx context.Context, text, url, name string) string {
	header := fileContentHeader(name)
	if strings.Contains(text, header) {
		return text
	}
	data, err := a.fetch(ctx, url, name)
	if err != nil {
		return appendOnce(text, fmt.Sprintf("[Note: File %q", name), fileFailureNote(name, err))
	}
	return appendOnce(text, header, header+"\n"+string(data)+"\n"+fileContentFooter)
}

func (a *Assembler) embedDocx(ctx context.Context, text, url, name string) string {
	header := documentContentHeader(name)
	if strings.Contains(text, header) {
		return text
	}
	data, err := a.fetch(ctx, url, name)
	if err != nil {
		return appendOnce(text, fmt.Sprintf("[Note: File %q", name), fileFailureNote(name, err))
	}
	extracted, err := a.docx.ExtractText(data)
	if err != nil {
		a.log.Warn("docx extraction failed", "file", name, "err", err)
		return appendOnce(text, fmt.Sprintf("[Note: File %q", name), fileFailureNote(name, err))
	}
	if strings.TrimSpace(extracted) == "" {
		extracted = noReadableText
	}
	return appendOnce(text, header, header+"\n"+extracted+"\n"+documentContentFooter)
}

// SearchBlock formats web search results for inclusion ahead of the user's
// text. It returns "" when there is nothing to add.
func SearchBlock(res *search.Result) string {
	if res == nil || (len(res.Items) == 0 && res.Answer == "") {
		return ""
	}
	var b strings.Builder
	b.WriteString("--- Web Search Results ---\n")
	if res.Answer != "" {
		fmt.Fprintf(&b, "Summary: %s\n", res.Answer)
	}
	for i, item := range res.Items {
		fmt.Fprintf(&b, "%d. %s\n%s\n", i+1, item.Title, item.Content)
	}
	b.WriteString("--- End of Web Search Results ---")
	return b.String()
}
