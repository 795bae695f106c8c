package attachment

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrFormatMismatch    = errors.New("document content does not match format")
	ErrEmpty             = errors.New("document is empty")
	ErrTooLarge          = errors.New("document exceeds size limit")
)

// ReadError reports a document that could not be read or is not acceptable
// for inference. It is always raised before any network call to the endpoint.
type ReadError struct {
	Ref    string
	Reason string
	Err    error
}

func (e *ReadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("attachment %s: %s: %v", e.Ref, e.Reason, e.Err)
	}
	return fmt.Sprintf("attachment %s: %s", e.Ref, e.Reason)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsReadError reports whether err is or wraps a *ReadError.
func IsReadError(err error) bool {
	var re *ReadError
	return errors.As(err, &re)
}

// Document is a fully read attachment.
type Document struct {
	Name   string
	Format Format
	Bytes  []byte
	// Pages is the PDF page count when it could be determined, else 0.
	Pages int
	// Source is the reference the document was loaded from, if any.
	Source string
}

// NewDocument builds a document from in-memory bytes. The format comes from
// the name's extension; only names without one fall back to the content.
func NewDocument(name string, data []byte) (*Document, error) {
	var (
		f   Format
		err error
	)
	if filepath.Ext(name) == "" {
		f, err = FormatFromContent(data)
	} else {
		f, err = FormatFromName(name)
	}
	if err != nil {
		return nil, &ReadError{Ref: name, Reason: "unsupported format", Err: err}
	}
	return &Document{Name: name, Format: f, Bytes: data}, nil
}

// Validate checks the document against the fixed format enumeration, the size
// limit (maxBytes <= 0 disables it) and the magic-byte signature.
func (d *Document) Validate(maxBytes int64) error {
	ref := d.ref()
	if !d.Format.Supported() {
		return &ReadError{Ref: ref, Reason: "unsupported format", Err: fmt.Errorf("%w: %q", ErrUnsupportedFormat, d.Format)}
	}
	if len(d.Bytes) == 0 {
		return &ReadError{Ref: ref, Reason: "empty", Err: ErrEmpty}
	}
	if maxBytes > 0 && int64(len(d.Bytes)) > maxBytes {
		return &ReadError{Ref: ref, Reason: "too large", Err: fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(d.Bytes), maxBytes)}
	}
	if err := checkSignature(d.Format, d.Bytes); err != nil {
		return &ReadError{Ref: ref, Reason: "signature mismatch", Err: err}
	}
	return nil
}

// ref names the document in errors: where it was loaded from, else its name.
func (d *Document) ref() string {
	if d.Source != "" {
		return d.Source
	}
	return d.Name
}

var (
	unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-\(\)\[\]]`)
	multiSpace      = regexp.MustCompile(`\s+`)
)

// SafeName returns a display name the endpoint accepts: alphanumerics,
// single whitespace, hyphens, parentheses and square brackets.
func (d *Document) SafeName() string {
	base := filepath.Base(d.Name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = unsafeNameChars.ReplaceAllString(base, "-")
	base = strings.TrimSpace(multiSpace.ReplaceAllString(base, " "))
	if base == "" || base == "." {
		return "document"
	}
	if len(base) > 200 {
		base = base[:200]
	}
	return base
}
