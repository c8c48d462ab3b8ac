package analysis

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// IsPDF reports whether the upload is a PDF, by declared type or magic bytes.
func IsPDF(mimeType string, data []byte) bool {
	return strings.EqualFold(mimeType, "application/pdf") || bytes.HasPrefix(data, []byte("%PDF-"))
}

// ExtractPDFText returns the text layer of a PDF with whitespace collapsed.
// The pdf reader panics on some malformed files; that is reported as an error.
func ExtractPDFText(data []byte) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			text, err = "", fmt.Errorf("pdf reader: %v", p)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf reader: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf plaintext: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("pdf read: %w", err)
	}
	return strings.Join(strings.Fields(string(b)), " "), nil
}
