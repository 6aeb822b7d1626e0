package fetcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/kirillkom/docflow/internal/core/domain"
)

const (
	contentTypeText = "text/plain"
	contentTypePDF  = "application/pdf"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// decode turns raw object bytes into content. Anything that cannot be
// parsed structurally falls back to plain text.
func decode(name string, body []byte) domain.Content {
	ext := strings.ToLower(path.Ext(name))
	trimmed := bytes.TrimSpace(body)

	switch {
	case bytes.HasPrefix(trimmed, []byte("{")):
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			return domain.Content(obj)
		}
	case bytes.HasPrefix(body, []byte("%PDF")):
		text, err := pdfText(body)
		if err == nil {
			return domain.TextContent(text, contentTypePDF)
		}
		slog.Warn("pdf_decode_failed", "object", name, "error", err)
	case ext == ".xlsx":
		text, err := xlsxText(body)
		if err == nil {
			return domain.TextContent(text, contentTypeXLSX)
		}
		slog.Warn("xlsx_decode_failed", "object", name, "error", err)
	case ext == ".yaml" || ext == ".yml":
		var obj map[string]any
		if err := yaml.Unmarshal(body, &obj); err == nil && obj != nil {
			return domain.Content(obj)
		}
	}

	return domain.TextContent(plainText(body), contentTypeText)
}

func plainText(body []byte) string {
	if !utf8.Valid(body) {
		return strings.TrimSpace(strings.ToValidUTF8(string(body), "�"))
	}
	return strings.TrimSpace(string(body))
}

func pdfText(body []byte) (text string, err error) {
	// The pdf reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", err
	}
	textReader, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	raw, err := io.ReadAll(textReader)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func xlsxText(body []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", err
		}
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line == "" {
				continue
			}
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
