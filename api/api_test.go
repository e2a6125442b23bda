package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lizmail/health"
	"lizmail/internal/audit"
	"lizmail/internal/config"
	"lizmail/internal/email"
	"lizmail/internal/extract"
)

type fakeQueue struct {
	accept bool
	tasks  []email.Task
}

func (q *fakeQueue) Enqueue(_ context.Context, t email.Task) bool {
	if !q.accept {
		return false
	}
	q.tasks = append(q.tasks, t)
	return true
}

func (q *fakeQueue) EnqueueBulk(ctx context.Context, tasks []email.Task) email.BulkStats {
	var s email.BulkStats
	for _, t := range tasks {
		s.Add(q.Enqueue(ctx, t))
	}
	return s
}

type fakeHistory struct {
	entries []audit.Entry
	err     error
	limit   int
}

func (h *fakeHistory) Recent(_ context.Context, limit int) ([]audit.Entry, error) {
	h.limit = limit
	return h.entries, h.err
}

func (h *fakeHistory) Counts(context.Context) (map[string]int, error) {
	return map[string]int{audit.StatusDelivered: 2, audit.StatusFailed: 1}, h.err
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueEmail(t *testing.T) {
	q := &fakeQueue{accept: true}
	h := New(q, nil).Router()

	rec := do(t, h, http.MethodPost, "/api/v1/emails",
		[]byte(`{"to":"dev@corp.io","subject":"Hi","body":"Hello","template_type":"custom","from_name":"HR"}`), "application/json")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, q.tasks, 1)
	assert.Equal(t, "dev@corp.io", q.tasks[0].To)
	assert.Equal(t, email.TemplateCustom, q.tasks[0].TemplateType)
}

func TestEnqueueEmailRejectsBadInput(t *testing.T) {
	q := &fakeQueue{accept: true}
	h := New(q, nil).Router()

	for _, body := range []string{`not json`, `{"to":"","subject":"Hi","body":"Hello"}`, `[]`} {
		rec := do(t, h, http.MethodPost, "/api/v1/emails", []byte(body), "application/json")
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, q.tasks)
}

func TestEnqueueEmailBrokerDown(t *testing.T) {
	h := New(&fakeQueue{accept: false}, nil).Router()
	rec := do(t, h, http.MethodPost, "/api/v1/emails", []byte(`{"to":"dev@corp.io","subject":"Hi","body":"Hello"}`), "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEnqueueCampaign(t *testing.T) {
	q := &fakeQueue{accept: true}
	h := New(q, nil).Router()

	body := `{"template":"custom","recipients":["a@corp.io","b@corp.io"],"subject":"Role at {company_name}","body":"Hi","company_name":"Acme"}`
	rec := do(t, h, http.MethodPost, "/api/v1/campaigns", []byte(body), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		CampaignID string `json:"campaign_id"`
		Success    int    `json:"success"`
		Failed     int    `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.CampaignID)
	assert.Equal(t, 2, resp.Success)
	assert.Zero(t, resp.Failed)
	require.Len(t, q.tasks, 2)
	assert.Equal(t, "Role at Acme", q.tasks[0].Subject)
	assert.Equal(t, resp.CampaignID, q.tasks[1].Metadata["campaign_id"])
}

func TestEnqueueCampaignValidation(t *testing.T) {
	q := &fakeQueue{accept: true}
	h := New(q, nil).Router()

	rec := do(t, h, http.MethodPost, "/api/v1/campaigns", []byte(`{"template":"screening","recipients":["a@corp.io"]}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/campaigns", []byte(`{"template":"custom","bogus":1}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, q.tasks)
}

func TestDeliveries(t *testing.T) {
	hist := &fakeHistory{entries: []audit.Entry{{ID: "1", Recipient: "dev@corp.io", Status: audit.StatusDelivered}}}
	h := New(&fakeQueue{}, nil, WithHistory(hist)).Router()

	rec := do(t, h, http.MethodGet, "/api/v1/deliveries?limit=10000", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxRecent, hist.limit)
	var entries []audit.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "dev@corp.io", entries[0].Recipient)

	rec = do(t, h, http.MethodGet, "/api/v1/deliveries?limit=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/deliveries/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, 2, counts[audit.StatusDelivered])

	hist.err = errors.New("db gone")
	rec = do(t, h, http.MethodGet, "/api/v1/deliveries", nil, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDeliveriesDisabled(t *testing.T) {
	h := New(&fakeQueue{}, nil).Router()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/deliveries", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/extract", nil, "").Code)
}

func TestExtractUpload(t *testing.T) {
	ex := extract.New(config.ExtractConfig{ExcludedDomains: []string{"example.com"}}, nil)
	h := New(&fakeQueue{}, nil, WithExtractor(ex)).Router()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "cv.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("ada@corp.io and noreply@example.com"))
	fw, err = mw.CreateFormFile("files", "../cv.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("bob@corp.io"))
	require.NoError(t, mw.Close())

	rec := do(t, h, http.MethodPost, "/api/v1/extract", buf.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp extractResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"ada@corp.io", "bob@corp.io"}, resp.Addresses)
	require.Len(t, resp.Files, 2)
	assert.Equal(t, "cv.txt", resp.Files[0].File)
	assert.Equal(t, 1, resp.Files[0].Count)
}

func TestHealthAndMetricsMounted(t *testing.T) {
	h := New(&fakeQueue{}, nil, WithChecks(health.Check{Name: "broker", Probe: func(context.Context) error { return nil }})).Router()

	rec := do(t, h, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"broker":"ok"`)

	rec = do(t, h, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "lizmail_"))
}
