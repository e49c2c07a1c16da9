package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	stdpath "path"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

// ErrMalformedDocument marks a document whose text is empty or unreadable. The
// document is skipped; the run continues.
var ErrMalformedDocument = errors.New("malformed document")

// MetadataFile holds course/semester/subject for a folder and its descendants.
const MetadataFile = "metadata.json"

// minPageChars drops PDF pages that are almost certainly scanned images.
const minPageChars = 30

// Document is one source file with its inherited provenance.
type Document struct {
	ID         string
	Course     string
	Semester   string
	Subject    string
	SourcePath string
	Format     DocumentFormat
	Text       string
	// Pages is set for paged formats, in text order.
	Pages []Page
}

// Page marks where a source page starts in Document.Text.
type Page struct {
	Number int
	Start  int
}

// PageAt returns the number of the page holding byte offset, or 0 when the
// document has no pages.
func (d Document) PageAt(offset int) int {
	idx := sort.Search(len(d.Pages), func(i int) bool { return d.Pages[i].Start > offset })
	if idx == 0 {
		return 0
	}
	return d.Pages[idx-1].Number
}

// LoadFailure records a file that could not be turned into a Document.
type LoadFailure struct {
	DocumentID string
	Err        error
}

type folderMeta struct {
	Course   string `json:"course"`
	Semester string `json:"semester"`
	Subject  string `json:"subject"`
}

func (m folderMeta) inherit(parent folderMeta) folderMeta {
	if m.Course == "" {
		m.Course = parent.Course
	}
	if m.Semester == "" {
		m.Semester = parent.Semester
	}
	if m.Subject == "" {
		m.Subject = parent.Subject
	}
	return m
}

// LoadDocuments walks root and returns every supported document sorted by id.
// Unreadable or empty files come back as failures wrapping ErrMalformedDocument;
// only problems with root itself or a metadata file are returned as an error.
func LoadDocuments(root string) ([]Document, []LoadFailure, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, nil, fmt.Errorf("input directory: %w", err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("input path %s is not a directory", root)
	}

	metas := map[string]folderMeta{}
	var (
		docs     []Document
		failures []LoadFailure
	)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if rel != "." && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			meta, err := readFolderMeta(path)
			if err != nil {
				return err
			}
			if rel == "." {
				metas[rel] = meta
				return nil
			}
			if !strings.Contains(rel, "/") && meta.Subject == "" {
				// Top-level folders name their subject unless metadata says otherwise.
				meta.Subject = rel
			}
			metas[rel] = meta.inherit(metas[parentOf(rel)])
			return nil
		}

		format := DetectFormat(path)
		if format == FormatUnknown {
			return nil
		}

		meta := metas[parentOf(rel)]
		text, pages, err := readDocumentText(path, format)
		if err == nil && strings.TrimSpace(text) == "" {
			err = errors.New("no extractable text")
		}
		if err != nil {
			failures = append(failures, LoadFailure{
				DocumentID: rel,
				Err:        fmt.Errorf("%w: %s: %w", ErrMalformedDocument, rel, err),
			})
			return nil
		}

		docs = append(docs, Document{
			ID:         rel,
			Course:     meta.Course,
			Semester:   meta.Semester,
			Subject:    meta.Subject,
			SourcePath: path,
			Format:     format,
			Text:       text,
			Pages:      pages,
		})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk input directory: %w", err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	sort.Slice(failures, func(i, j int) bool { return failures[i].DocumentID < failures[j].DocumentID })
	return docs, failures, nil
}

func parentOf(rel string) string {
	return stdpath.Dir(rel)
}

func readFolderMeta(dir string) (folderMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return folderMeta{}, nil
	}
	if err != nil {
		return folderMeta{}, fmt.Errorf("read %s: %w", MetadataFile, err)
	}

	var meta folderMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return folderMeta{}, fmt.Errorf("decode %s in %s: %w", MetadataFile, dir, err)
	}
	meta.Course = strings.TrimSpace(meta.Course)
	meta.Semester = strings.TrimSpace(meta.Semester)
	meta.Subject = strings.TrimSpace(meta.Subject)
	return meta, nil
}

func readDocumentText(path string, format DocumentFormat) (string, []Page, error) {
	switch format {
	case FormatPDF:
		return readPDFText(path)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", nil, err
		}
		return normalizeNewlines(string(data)), nil, nil
	}
}

type pageText struct {
	number int
	text   string
}

// readPDFText extracts plain text page by page. Each page becomes one paragraph
// with its whitespace collapsed; pages that are almost empty are dropped.
func readPDFText(path string) (text string, pages []Page, err error) {
	defer func() {
		// The pdf package panics on some malformed streams.
		if r := recover(); r != nil {
			text, pages, err = "", nil, fmt.Errorf("extract pdf text: %v", r)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	kept := make([]pageText, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		plain, err := page.GetPlainText(nil)
		if err != nil {
			return "", nil, fmt.Errorf("extract pdf page %d: %w", i, err)
		}
		plain = collapseSpaces(plain)
		if countNonSpace(plain) < minPageChars {
			continue
		}
		kept = append(kept, pageText{number: i, text: plain})
	}
	text, pages = joinPages(kept)
	return text, pages, nil
}

// joinPages concatenates page texts with blank lines and records where each
// page starts.
func joinPages(kept []pageText) (string, []Page) {
	var b strings.Builder
	pages := make([]Page, 0, len(kept))
	for i, p := range kept {
		if i > 0 {
			b.WriteString("\n\n")
		}
		pages = append(pages, Page{Number: p.number, Start: b.Len()})
		b.WriteString(p.text)
	}
	return b.String(), pages
}

func normalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func collapseSpaces(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func countNonSpace(text string) int {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
