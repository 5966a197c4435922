package attachment

import (
	"path"
	"strings"
)

type Kind int

const (
	KindUnsupported Kind = iota
	KindImage
	KindPDF
	KindText
	KindDocx
	KindDoc
)

const (
	mimeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeDoc  = "application/msword"
)

// Classify decides how an attachment is handled from its declared MIME type,
// falling back to the filename suffix for Word documents.
func Classify(mimeType, filename string) Kind {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	ext := strings.ToLower(path.Ext(strings.TrimSpace(filename)))
	switch {
	case strings.HasPrefix(m, "image/"):
		return KindImage
	case m == "application/pdf":
		return KindPDF
	case m == mimeDocx || ext == ".docx":
		return KindDocx
	case m == mimeDoc || ext == ".doc":
		return KindDoc
	case strings.HasPrefix(m, "text/"):
		return KindText
	default:
		return KindUnsupported
	}
}
