package email

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// TemplateType tags the template a task was rendered from.
type TemplateType string

const (
	TemplateScreening TemplateType = "screening"
	TemplateRejection TemplateType = "rejection"
	TemplateCustom    TemplateType = "custom"
)

// Valid reports whether t is one of the known template kinds.
func (t TemplateType) Valid() bool {
	switch t {
	case TemplateScreening, TemplateRejection, TemplateCustom:
		return true
	}
	return false
}

// ErrInvalidTask is returned when a task is missing a required field.
var ErrInvalidTask = errors.New("invalid email task")

// Task is one email to one recipient. Its JSON form is the queue wire format.
type Task struct {
	To           string            `json:"to" validate:"required"`
	Subject      string            `json:"subject" validate:"required"`
	Body         string            `json:"body" validate:"required"`
	TemplateType TemplateType      `json:"template_type"`
	FromName     string            `json:"from_name"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

var validate = validator.New()

// Validate enforces that To, Subject and Body are present.
func (t Task) Validate() error {
	err := validate.Struct(t)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		missing := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			missing = append(missing, strings.ToLower(fe.Field()))
		}
		return fmt.Errorf("%w: missing %s", ErrInvalidTask, strings.Join(missing, ", "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidTask, err)
}

// BulkStats counts per-item results of a bulk operation.
type BulkStats struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Add records one result.
func (s *BulkStats) Add(ok bool) {
	if ok {
		s.Success++
		return
	}
	s.Failed++
}

// Total is Success + Failed.
func (s BulkStats) Total() int {
	return s.Success + s.Failed
}
