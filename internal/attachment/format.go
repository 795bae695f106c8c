package attachment

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Format is one of the document formats the inference endpoint accepts.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatCSV  Format = "csv"
	FormatDOC  Format = "doc"
	FormatDOCX Format = "docx"
	FormatXLS  Format = "xls"
	FormatXLSX Format = "xlsx"
	FormatHTML Format = "html"
	FormatTXT  Format = "txt"
	FormatMD   Format = "md"
)

// Formats lists the fixed enumeration in a stable order.
var Formats = []Format{FormatPDF, FormatCSV, FormatDOC, FormatDOCX, FormatXLS, FormatXLSX, FormatHTML, FormatTXT, FormatMD}

// extension aliases that map onto the enumeration
var extAliases = map[string]Format{
	"htm":      FormatHTML,
	"markdown": FormatMD,
	"text":     FormatTXT,
}

// Supported reports whether f is in the fixed enumeration.
func (f Format) Supported() bool {
	for _, s := range Formats {
		if f == s {
			return true
		}
	}
	return false
}

func (f Format) String() string { return string(f) }

// ParseFormat maps a format tag or file extension ("PDF", ".pdf", "htm") onto the enumeration.
func ParseFormat(s string) (Format, error) {
	tag := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))
	if f := Format(tag); f.Supported() {
		return f, nil
	}
	if f, ok := extAliases[tag]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// FormatFromName resolves the format from a file name's extension.
func FormatFromName(name string) (Format, error) {
	ext := filepath.Ext(name)
	if ext == "" {
		return "", fmt.Errorf("%w: %q has no extension", ErrUnsupportedFormat, name)
	}
	return ParseFormat(ext)
}

// FormatFromContent guesses the format from magic bytes when the name carries no extension.
func FormatFromContent(data []byte) (Format, error) {
	m := mimetype.Detect(data)
	switch {
	case isA(m, "application/pdf"):
		return FormatPDF, nil
	case isA(m, "application/vnd.openxmlformats-officedocument.wordprocessingml.document"):
		return FormatDOCX, nil
	case isA(m, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"):
		return FormatXLSX, nil
	case isA(m, "application/msword"):
		return FormatDOC, nil
	case isA(m, "application/vnd.ms-excel"):
		return FormatXLS, nil
	case isA(m, "text/html"):
		return FormatHTML, nil
	case isA(m, "text/csv"):
		return FormatCSV, nil
	case isA(m, "text/plain"):
		return FormatTXT, nil
	}
	return "", fmt.Errorf("%w: detected %s", ErrUnsupportedFormat, m.String())
}

// signatures lists the MIME families a format's bytes must belong to.
var signatures = map[Format][]string{
	FormatPDF:  {"application/pdf"},
	FormatDOC:  {"application/x-ole-storage", "application/msword"},
	FormatXLS:  {"application/x-ole-storage", "application/vnd.ms-excel"},
	FormatDOCX: {"application/zip"},
	FormatXLSX: {"application/zip"},
	FormatCSV:  {"text/plain"},
	FormatHTML: {"text/plain"},
	FormatTXT:  {"text/plain"},
	FormatMD:   {"text/plain"},
}

// checkSignature verifies the declared format against the magic bytes.
// Office containers are only checked at the container level (zip / OLE).
func checkSignature(f Format, data []byte) error {
	want, ok := signatures[f]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
	m := mimetype.Detect(data)
	if isA(m, want...) {
		return nil
	}
	log.Debug().Str("format", string(f)).Str("mime", m.String()).Msg("attachment signature mismatch")
	return fmt.Errorf("%w: declared %s, detected %s", ErrFormatMismatch, f, m.String())
}

// isA reports whether m or any of its ancestors is one of the given types.
func isA(m *mimetype.MIME, types ...string) bool {
	for p := m; p != nil; p = p.Parent() {
		for _, t := range types {
			if p.Is(t) {
				return true
			}
		}
	}
	return false
}
