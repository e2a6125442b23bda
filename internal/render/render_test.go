package render

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScreening(t *testing.T) {
	msg, err := Screening(ScreeningData{
		CandidateName:  "Ada",
		Position:       "Backend Engineer",
		CompanyName:    "Acme",
		HRName:         "Grace",
		Questions:      []string{"Notice period?", "Salary expectations?"},
		AdditionalInfo: "The interview is remote.",
	})
	require.NoError(t, err)

	assert.Equal(t, "Application for Backend Engineer - Next Steps", msg.Subject)
	assert.Contains(t, msg.Body, "Dear Ada,")
	assert.Contains(t, msg.Body, "<strong>Backend Engineer</strong>")
	assert.Contains(t, msg.Body, "<li>Notice period?</li>")
	assert.Contains(t, msg.Body, "<li>Salary expectations?</li>")
	assert.Contains(t, msg.Body, "<p>The interview is remote.</p>")
	assert.Contains(t, msg.Body, "Grace<br>")
	assert.True(t, strings.HasPrefix(msg.Body, "<html>"))
}

func TestScreeningDefaults(t *testing.T) {
	msg, err := Screening(ScreeningData{Position: "QA", CompanyName: "Acme", HRName: "Grace"})
	require.NoError(t, err)

	assert.Contains(t, msg.Body, "Dear Candidate,")
	assert.NotContains(t, msg.Body, "<ol>")
}

func TestScreeningEscapesInput(t *testing.T) {
	msg, err := Screening(ScreeningData{
		CandidateName: "<script>alert(1)</script>",
		Position:      "QA",
		CompanyName:   "Acme",
		HRName:        "Grace",
	})
	require.NoError(t, err)
	assert.NotContains(t, msg.Body, "<script>")
}

func TestRejection(t *testing.T) {
	msg, err := Rejection(RejectionData{
		CandidateName:     "Ada",
		Position:          "Backend Engineer",
		CompanyName:       "Acme",
		HRName:            "Grace",
		AdditionalMessage: "We will keep your CV on file.",
	})
	require.NoError(t, err)

	assert.Equal(t, "Application Update - Backend Engineer Position", msg.Subject)
	assert.Contains(t, msg.Body, "Dear Ada,")
	assert.Contains(t, msg.Body, "regret to inform you")
	assert.Contains(t, msg.Body, "<p>We will keep your CV on file.</p>")
}

func TestCustom(t *testing.T) {
	msg, ok := Custom("Role at {company_name}", "Hi {name}, join {company_name}!", map[string]string{
		"company_name": "Acme",
		"name":         "Ada",
	})
	assert.True(t, ok)
	assert.Equal(t, "Role at Acme", msg.Subject)
	assert.Equal(t, "Hi Ada, join Acme!", msg.Body)
}

func TestCustomUnboundVariable(t *testing.T) {
	msg, ok := Custom("Role at {company_name}", "Hi {name}", map[string]string{"company_name": "Acme"})
	assert.False(t, ok)
	assert.Equal(t, "Role at {company_name}", msg.Subject)
	assert.Equal(t, "Hi {name}", msg.Body)
}

func TestCustomWithoutVariablesIsUntouched(t *testing.T) {
	msg, ok := Custom("Role at {company_name}", "{{literal}} {x", nil)
	assert.True(t, ok)
	assert.Equal(t, "Role at {company_name}", msg.Subject)
	assert.Equal(t, "{{literal}} {x", msg.Body)
}

func TestFormat(t *testing.T) {
	vars := map[string]string{"a": "1", "b_2": "two"}
	cases := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"plain", "plain", nil},
		{"{a}-{b_2}", "1-two", nil},
		{"{{a}} is {a}", "{a} is 1", nil},
		{"css { color: red }", "", ErrBadPlaceholder},
		{"{missing}", "", ErrUnboundVariable},
		{"{}", "", ErrBadPlaceholder},
		{"{0}", "", ErrBadPlaceholder},
		{"open {a", "", ErrBadPlaceholder},
		{"close }", "", ErrBadPlaceholder},
		{"{{}}", "{}", nil},
	}
	for _, tc := range cases {
		got, err := Format(tc.in, vars)
		if tc.wantErr != nil {
			assert.True(t, errors.Is(err, tc.wantErr), "%q: got %v", tc.in, err)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
