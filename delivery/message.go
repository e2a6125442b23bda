package delivery

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"lizmail/internal/email"
)

// IsHTML reports whether body should be sent as text/html.
func IsHTML(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "<html>") || strings.Contains(lower, "<body>")
}

// composed is a rendered message plus its identity.
type composed struct {
	id   string
	data []byte
}

// compose renders t as a multipart/alternative message with exactly one inline part.
func compose(t email.Task, account string, date time.Time) (composed, error) {
	var h mail.Header
	h.SetDate(date)
	if t.FromName != "" {
		h.SetAddressList("From", []*mail.Address{{Name: t.FromName, Address: account}})
	} else {
		h.Set("From", account)
	}
	h.SetAddressList("To", []*mail.Address{{Address: t.To}})
	h.SetSubject(t.Subject)
	h.Set("MIME-Version", "1.0")
	if err := h.GenerateMessageID(); err != nil {
		return composed{}, fmt.Errorf("message id: %w", err)
	}
	id, err := h.MessageID()
	if err != nil {
		return composed{}, fmt.Errorf("message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return composed{}, fmt.Errorf("create writer: %w", err)
	}

	var ph mail.InlineHeader
	contentType := "text/plain"
	if IsHTML(t.Body) {
		contentType = "text/html"
	}
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")

	part, err := w.CreatePart(ph)
	if err != nil {
		return composed{}, fmt.Errorf("create part: %w", err)
	}
	if _, err := part.Write([]byte(t.Body)); err != nil {
		return composed{}, fmt.Errorf("write part: %w", err)
	}
	if err := part.Close(); err != nil {
		return composed{}, fmt.Errorf("close part: %w", err)
	}
	if err := w.Close(); err != nil {
		return composed{}, fmt.Errorf("close message: %w", err)
	}
	return composed{id: id, data: buf.Bytes()}, nil
}
