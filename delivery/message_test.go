package delivery

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lizmail/internal/email"
)

type part struct {
	contentType string
	body        string
}

func parseParts(t *testing.T, raw []byte) (*mail.Reader, []part) {
	t.Helper()
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	var parts []part
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		h, ok := p.Header.(*mail.InlineHeader)
		require.True(t, ok, "expected inline part")
		ct, _, err := h.ContentType()
		require.NoError(t, err)
		body, err := io.ReadAll(p.Body)
		require.NoError(t, err)
		parts = append(parts, part{contentType: ct, body: string(body)})
	}
	return mr, parts
}

func TestComposeDetectsHTML(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{body: "<html><body>Hi</body></html>", want: "text/html"},
		{body: "<BODY>upper case markers count</BODY>", want: "text/html"},
		{body: "Hi there", want: "text/plain"},
		{body: "<p>fragment without markers</p>", want: "text/plain"},
	}
	for _, tc := range tests {
		t.Run(tc.body, func(t *testing.T) {
			msg, err := compose(email.Task{To: "dev@corp.io", Subject: "s", Body: tc.body}, "hr@corp.io", time.Now())
			require.NoError(t, err)

			mr, parts := parseParts(t, msg.data)
			ct, _, err := mr.Header.ContentType()
			require.NoError(t, err)
			assert.Equal(t, "multipart/alternative", ct)

			require.Len(t, parts, 1, "exactly one part")
			assert.Equal(t, tc.want, parts[0].contentType)
			assert.Equal(t, tc.body, parts[0].body)
		})
	}
}

func TestComposeHeaders(t *testing.T) {
	date := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	task := email.Task{To: "dev@corp.io", Subject: "Résumé reçu", Body: "Hi", FromName: "HR Team"}

	msg, err := compose(task, "hr@corp.io", date)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.id)

	mr, _ := parseParts(t, msg.data)
	from, err := mr.Header.AddressList("From")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "HR Team", from[0].Name)
	assert.Equal(t, "hr@corp.io", from[0].Address)

	to, err := mr.Header.AddressList("To")
	require.NoError(t, err)
	assert.Equal(t, "dev@corp.io", to[0].Address)

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Résumé reçu", subject)
	assert.NotContains(t, mr.Header.Get("Subject"), "é", "non-ASCII subject must be encoded")

	got, err := mr.Header.Date()
	require.NoError(t, err)
	assert.True(t, date.Equal(got))

	id, err := mr.Header.MessageID()
	require.NoError(t, err)
	assert.Equal(t, msg.id, id)
	assert.Equal(t, "1.0", mr.Header.Get("MIME-Version"))
}

func TestComposeBareSender(t *testing.T) {
	msg, err := compose(email.Task{To: "dev@corp.io", Subject: "s", Body: "b"}, "hr@corp.io", time.Now())
	require.NoError(t, err)

	header, err := textproto.NewReader(bufio.NewReader(bytes.NewReader(msg.data))).ReadMIMEHeader()
	require.NoError(t, err)
	assert.Equal(t, "hr@corp.io", header.Get("From"))
}

func TestIsHTML(t *testing.T) {
	assert.True(t, IsHTML("<HTML>"))
	assert.True(t, IsHTML("x <body> y"))
	assert.False(t, IsHTML("<bodyguard>"))
	assert.False(t, IsHTML(strings.Repeat("plain ", 10)))
}
