package attachment

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/unidoc/unioffice/common/license"
	"github.com/unidoc/unioffice/document"
)

// DocxExtractor pulls plain text out of .docx files.
type DocxExtractor struct{}

func NewDocxExtractor(licenseKey string) (*DocxExtractor, error) {
	if key := strings.TrimSpace(licenseKey); key != "" {
		if err := license.SetMeteredKey(key); err != nil {
			return nil, fmt.Errorf("unioffice license: %w", err)
		}
	}
	return &DocxExtractor{}, nil
}

func (DocxExtractor) ExtractText(data []byte) (string, error) {
	doc, err := document.Read(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("read docx: %w", err)
	}
	defer doc.Close()

	var b strings.Builder
	for _, para := range doc.Paragraphs() {
		for _, run := range para.Runs() {
			b.WriteString(run.Text())
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}
