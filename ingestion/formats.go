// Package ingestion loads course documents, chunks and embeds them, and publishes
// immutable index snapshots.
package ingestion

import (
	"path/filepath"
	"sort"
	"strings"
)

// DocumentFormat names how a source file's text is extracted.
type DocumentFormat string

const (
	FormatUnknown  DocumentFormat = ""
	FormatText     DocumentFormat = "text"
	FormatMarkdown DocumentFormat = "markdown"
	FormatPDF      DocumentFormat = "pdf"
)

var formatByExtension = map[string]DocumentFormat{
	".txt":      FormatText,
	".text":     FormatText,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".pdf":      FormatPDF,
}

// DetectFormat maps a file extension, case-insensitively, to its format. Files the
// loader cannot read come back as FormatUnknown and are not ingested.
func DetectFormat(path string) DocumentFormat {
	return formatByExtension[strings.ToLower(filepath.Ext(path))]
}

// SupportedExtensions lists the extensions DetectFormat recognises, sorted.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(formatByExtension))
	for ext := range formatByExtension {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
