// Package render produces the subject and body of outgoing emails.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"

	"github.com/Masterminds/sprig/v3"
)

// Message is a rendered subject and body.
type Message struct {
	Subject string
	Body    string
}

// ScreeningData fills the screening invitation.
type ScreeningData struct {
	CandidateName  string
	Position       string
	CompanyName    string
	HRName         string
	Questions      []string
	AdditionalInfo string
}

// RejectionData fills the rejection notice.
type RejectionData struct {
	CandidateName     string
	Position          string
	CompanyName       string
	HRName            string
	AdditionalMessage string
}

var (
	//go:embed templates/*.html
	templateFS embed.FS

	templates = template.Must(template.New("").Funcs(sprig.FuncMap()).ParseFS(templateFS, "templates/*.html"))
)

func execute(name string, data any) (string, error) {
	var b bytes.Buffer
	if err := templates.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return b.String(), nil
}

// Screening renders the invitation to answer screening questions.
func Screening(d ScreeningData) (Message, error) {
	body, err := execute("screening.html", d)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Subject: fmt.Sprintf("Application for %s - Next Steps", d.Position),
		Body:    body,
	}, nil
}

// Rejection renders the application rejection notice.
func Rejection(d RejectionData) (Message, error) {
	body, err := execute("rejection.html", d)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Subject: fmt.Sprintf("Application Update - %s Position", d.Position),
		Body:    body,
	}, nil
}
