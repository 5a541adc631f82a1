// Package export renders commit receipts as HTML or PDF.
package export

import (
	"errors"
	"time"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat accepts "html" and "pdf"; an empty value means HTML.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "", FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Receipt is the printable summary of one applied commit.
type Receipt struct {
	CommitID        string
	SchemaKey       string
	Institution     string
	InstitutionName string
	Kind            string
	Message         string
	Author          string
	RevertsID       string
	HistoryHash     string
	CreatedAt       time.Time
	Manual          []ReceiptEntry
	Automated       []ReceiptEntry
	Removed         []ReceiptEntry
}

// ReceiptEntry is one field listed on a receipt. TargetField is empty when
// the institution has no mapping for it.
type ReceiptEntry struct {
	Name        string
	UniqueID    string
	TargetField string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	ErrUnsupportedFormat    = errors.New("export format not supported")
)
