// Package extract turns uploaded business documents into plain text.
package extract

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
)

var (
	// ErrUnsupported is returned for document types that cannot be read.
	ErrUnsupported = errors.New("unsupported document type")
	// ErrEmpty is returned when a document contains no text.
	ErrEmpty = errors.New("document contains no text")
)

// Kind is a supported document format.
type Kind string

const (
	KindText Kind = "text"
	KindPDF  Kind = "pdf"
	KindDOCX Kind = "docx"
)

const (
	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

var kindsByMIME = map[string]Kind{
	"text/plain":       KindText,
	"text/markdown":    KindText,
	"text/csv":         KindText,
	"application/json": KindText,
	mimePDF:            KindPDF,
	mimeDOCX:           KindDOCX,
}

var kindsByExt = map[string]Kind{
	".txt":  KindText,
	".md":   KindText,
	".csv":  KindText,
	".json": KindText,
	".pdf":  KindPDF,
	".docx": KindDOCX,
}

// Detect resolves the document kind from the content type, falling back to
// the file extension for generic or missing content types.
func Detect(name, contentType string) (Kind, error) {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if kind, ok := kindsByMIME[strings.ToLower(mediaType)]; ok {
			return kind, nil
		}
	}

	if kind, ok := kindsByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return kind, nil
	}

	return "", fmt.Errorf("%w: %q (%s)", ErrUnsupported, name, contentType)
}

// Text extracts normalized text from the document.
func Text(name, contentType string, data []byte) (string, error) {
	kind, err := Detect(name, contentType)
	if err != nil {
		return "", err
	}

	var text string
	switch kind {
	case KindText:
		text = strings.ToValidUTF8(string(data), "�")
	case KindPDF:
		text, err = pdfText(data)
	case KindDOCX:
		text, err = docxText(data)
	}
	if err != nil {
		return "", err
	}

	text = normalize(text)
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}

func pdfText(data []byte) (text string, err error) {
	// The pdf reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("read pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}

	var builder strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("read pdf page %d: %w", i, err)
		}
		builder.WriteString(text)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}

func docxText(data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("read docx: %w", err)
	}
	defer doc.Close()

	return wordprocessingText(doc.Editable().GetContent())
}

// wordprocessingText reduces WordprocessingML to text: w:t runs are kept,
// w:p closes a paragraph, w:tab and w:br become whitespace.
func wordprocessingText(content string) (string, error) {
	decoder := xml.NewDecoder(strings.NewReader(content))

	var builder strings.Builder
	inText := false
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse docx xml: %w", err)
		}

		switch el := token.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "t":
				inText = true
			case "tab":
				builder.WriteString("\t")
			case "br", "cr":
				builder.WriteString("\n")
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				builder.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				builder.Write(el)
			}
		}
	}
	return builder.String(), nil
}

// normalize trims every line and collapses runs of blank lines.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}
