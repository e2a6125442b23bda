// Package campaign turns an operator request into one email task per recipient.
package campaign

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"lizmail/internal/email"
	"lizmail/internal/render"
)

// ErrInvalidRequest wraps every validation failure of a Request.
var ErrInvalidRequest = errors.New("invalid campaign request")

// Request describes one mailing. Screening and rejection campaigns need the company,
// position and HR name; custom campaigns need a subject and body.
type Request struct {
	Template   email.TemplateType `json:"template" validate:"required,oneof=screening rejection custom"`
	Recipients []string           `json:"recipients" validate:"required,min=1,dive,required"`
	FromName   string             `json:"from_name"`

	CandidateName string `json:"candidate_name"`
	CompanyName   string `json:"company_name" validate:"required_unless=Template custom"`
	Position      string `json:"position" validate:"required_unless=Template custom"`
	HRName        string `json:"hr_name" validate:"required_unless=Template custom"`

	Questions         []string `json:"questions"`
	AdditionalInfo    string   `json:"additional_info"`
	AdditionalMessage string   `json:"additional_message"`

	Subject   string            `json:"subject" validate:"required_if=Template custom"`
	Body      string            `json:"body" validate:"required_if=Template custom"`
	Variables map[string]string `json:"variables"`
}

// Campaign is a rendered request.
type Campaign struct {
	ID    string
	Tasks []email.Task
	// Unrendered is set when a custom template referenced a variable without a value
	// and was sent as written.
	Unrendered bool
}

var validate = validator.New()

// Validate checks field presence and normalizes the recipient list in place.
func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fe.Namespace())
			}
			return fmt.Errorf("%w: check %s", ErrInvalidRequest, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	valid, invalid := email.ParseRecipientList(strings.Join(r.Recipients, "\n"))
	if len(invalid) > 0 {
		return fmt.Errorf("%w: invalid recipients %s", ErrInvalidRequest, strings.Join(invalid, ", "))
	}
	r.Recipients = valid
	return nil
}

// Build validates r and renders one task per recipient in input order.
func Build(r Request) (*Campaign, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	c := &Campaign{ID: uuid.NewString()}
	msg, err := r.render(c)
	if err != nil {
		return nil, err
	}

	for _, to := range r.Recipients {
		c.Tasks = append(c.Tasks, email.Task{
			To:           to,
			Subject:      msg.Subject,
			Body:         msg.Body,
			TemplateType: r.Template,
			FromName:     strings.TrimSpace(r.FromName),
			Metadata:     r.metadata(c.ID),
		})
	}
	return c, nil
}

func (r Request) render(c *Campaign) (render.Message, error) {
	switch r.Template {
	case email.TemplateScreening:
		return render.Screening(render.ScreeningData{
			CandidateName:  r.CandidateName,
			Position:       r.Position,
			CompanyName:    r.CompanyName,
			HRName:         r.HRName,
			Questions:      nonEmpty(r.Questions),
			AdditionalInfo: strings.TrimSpace(r.AdditionalInfo),
		})
	case email.TemplateRejection:
		return render.Rejection(render.RejectionData{
			CandidateName:     r.CandidateName,
			Position:          r.Position,
			CompanyName:       r.CompanyName,
			HRName:            r.HRName,
			AdditionalMessage: strings.TrimSpace(r.AdditionalMessage),
		})
	default:
		msg, ok := render.Custom(r.Subject, r.Body, r.variables())
		c.Unrendered = !ok
		return msg, nil
	}
}

// variables exposes the standard request fields to custom templates. Explicit
// Variables override them.
func (r Request) variables() map[string]string {
	vars := map[string]string{
		"candidate_name": r.CandidateName,
		"position":       r.Position,
		"company_name":   r.CompanyName,
		"hr_name":        r.HRName,
	}
	for k, v := range r.Variables {
		vars[k] = v
	}
	return vars
}

func (r Request) metadata(id string) map[string]string {
	md := map[string]string{"campaign_id": id}
	if r.CompanyName != "" {
		md["company_name"] = r.CompanyName
	}
	if r.Position != "" {
		md["position"] = r.Position
	}
	return md
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
