package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var now = time.Now

// Spool keeps copies of sent messages on local disk, one directory per UTC day.
type Spool struct {
	baseDir string
}

// NewSpool returns a spool rooted at dir. The directory is created lazily.
func NewSpool(dir string) (*Spool, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("storage: spool directory is empty")
	}
	return &Spool{baseDir: dir}, nil
}

// Dir returns the spool root.
func (s *Spool) Dir() string {
	return s.baseDir
}

// Save writes data as <day>/<id>_<recipient hash>.eml and returns the file path.
// The recipient address never appears in the file name.
func (s *Spool) Save(id string, to string, data []byte) (string, error) {
	safeID, err := sanitizeComponent(id)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.baseDir, now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}
	filename := filepath.Join(dir, fmt.Sprintf("%s_%s.eml", safeID, hashRecipient(to)))
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}
	return filename, nil
}

func sanitizeComponent(v string) (string, error) {
	if strings.ContainsAny(v, "/\\") || strings.Contains(v, "..") {
		return "", errors.New("storage: invalid identifier")
	}
	v = strings.Trim(strings.TrimSpace(v), "<>")
	if v == "" {
		return "", errors.New("storage: empty identifier")
	}
	return v, nil
}

func hashRecipient(addr string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(addr))))
	return hex.EncodeToString(sum[:8])
}
