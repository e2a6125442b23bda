// Package extract finds candidate email addresses in uploaded documents.
package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"lizmail/internal/config"
	"lizmail/internal/email"
)

// maxZipDepth bounds recursion into archives nested inside archives.
const maxZipDepth = 3

// maxEntrySize caps the uncompressed size read from a single archive member.
const maxEntrySize = 64 << 20

// ErrUnsupported is returned for file types the extractor cannot read.
var ErrUnsupported = errors.New("unsupported file type")

// Result is the outcome for one input file.
type Result struct {
	File      string   `json:"file"`
	Addresses []string `json:"emails"`
	Err       error    `json:"-"`
}

// Count is the number of addresses found.
func (r Result) Count() int { return len(r.Addresses) }

// Extractor pulls addresses out of txt, docx, pdf and zip files.
type Extractor struct {
	excluded []string
	log      *zap.Logger
}

// New returns an Extractor that drops addresses containing any excluded domain.
func New(cfg config.ExtractConfig, log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	excluded := make([]string, 0, len(cfg.ExcludedDomains))
	for _, d := range cfg.ExcludedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			excluded = append(excluded, d)
		}
	}
	return &Extractor{excluded: excluded, log: log.Named("extract")}
}

// Text returns the sorted, de-duplicated addresses found in text.
func (e *Extractor) Text(text string) []string {
	set := make(map[string]struct{})
	e.collect(set, text)
	return sorted(set)
}

func (e *Extractor) collect(set map[string]struct{}, text string) {
	for _, addr := range email.FindAddresses(text) {
		if e.isExcluded(addr) {
			continue
		}
		set[addr] = struct{}{}
	}
}

func (e *Extractor) isExcluded(addr string) bool {
	for _, d := range e.excluded {
		if strings.Contains(addr, d) {
			return true
		}
	}
	return false
}

// File extracts addresses from the file at path based on its extension.
func (e *Extractor) File(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	set := make(map[string]struct{})
	if err := e.document(set, filepath.Base(path), data, 0); err != nil {
		return nil, err
	}
	addrs := sorted(set)
	e.log.Info("Extracted addresses", zap.String("file", filepath.Base(path)), zap.Int("count", len(addrs)))
	return addrs, nil
}

// FromFiles processes every path and returns one Result per path together with the
// union of all addresses. A failing file is reported in its Result and does not stop
// the others.
func (e *Extractor) FromFiles(paths []string) ([]Result, []string) {
	results := make([]Result, 0, len(paths))
	all := make(map[string]struct{})
	for _, p := range paths {
		addrs, err := e.File(p)
		if err != nil {
			e.log.Warn("Failed to extract addresses", zap.String("file", p), zap.Error(err))
		}
		for _, a := range addrs {
			all[a] = struct{}{}
		}
		results = append(results, Result{File: filepath.Base(p), Addresses: addrs, Err: err})
	}
	return results, sorted(all)
}

func (e *Extractor) document(set map[string]struct{}, name string, data []byte, depth int) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt":
		e.collect(set, string(data))
	case ".docx":
		text, err := docxText(data)
		if err != nil {
			return fmt.Errorf("docx %s: %w", name, err)
		}
		e.collect(set, text)
	case ".pdf":
		text, err := pdfText(data)
		if err != nil {
			return fmt.Errorf("pdf %s: %w", name, err)
		}
		e.collect(set, text)
	case ".zip":
		if depth >= maxZipDepth {
			return fmt.Errorf("zip %s: nested too deeply", name)
		}
		return e.archive(set, name, data, depth+1)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, name)
	}
	return nil
}

// archive walks every member of a zip file. Members that fail are logged and skipped.
func (e *Extractor) archive(set map[string]struct{}, name string, data []byte, depth int) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		member, err := readMember(f)
		if err != nil {
			e.log.Warn("Skipping archive member", zap.String("archive", name), zap.String("member", f.Name), zap.Error(err))
			continue
		}
		if err := e.document(set, f.Name, member, depth); err != nil {
			if !errors.Is(err, ErrUnsupported) {
				e.log.Warn("Skipping archive member", zap.String("archive", name), zap.String("member", f.Name), zap.Error(err))
			}
		}
	}
	return nil
}

func readMember(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntrySize {
		return nil, fmt.Errorf("member too large (%d bytes)", f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxEntrySize))
}

// docxText returns the text runs of word/document.xml, one line per paragraph.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", errors.New("word/document.xml not found")
	}
	rc, err := doc.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var b strings.Builder
	dec := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p", "tc":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}

// pdfText returns the plain text of every page. The pdf reader panics on some
// malformed files; that is reported as an error.
func pdfText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
