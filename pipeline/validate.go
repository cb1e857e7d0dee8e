package pipeline

import (
	"fmt"

	"github.com/skillgraph/rolepipe/api"
)

// ValidationError rejects a submission before any pipeline step runs.
// Activity retry policies list its type name as non-retryable, so a
// ValidationError escaping an activity fails the attempt immediately.
type ValidationError struct {
	// Field names the offending input field, when one can be named.
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// JobDescription is the resolved JD payload handed to the link activity.
type JobDescription struct {
	// Content is inline JD text. Set for inline documents and for the
	// taxonomy fallback.
	Content string

	// URI is a fetchable document URL. Set when no inline content exists.
	URI string

	// Title labels the linked document downstream.
	Title string

	// Metadata carries the source document's attributes through.
	Metadata map[string]any

	// FromTaxonomy marks the taxonomy general-summary fallback. Summary
	// text is not JD prose, so the link activity asks the downstream
	// service to format it.
	FromTaxonomy bool
}

// ResolveJobDescription picks the JD payload for a submission, scanning
// only job_description documents in caller order:
//
//  1. first document with inline content
//  2. first document with a URI
//  3. the taxonomy entry's general summary
//
// Submissions with none of the three are rejected.
func ResolveJobDescription(input *api.RoleOnboardingInput) (*JobDescription, error) {
	for _, doc := range input.Documents {
		if doc.Type != api.DocumentJobDescription || doc.Content == "" {
			continue
		}
		return &JobDescription{
			Content:  doc.Content,
			Title:    doc.Name,
			Metadata: doc.Metadata,
		}, nil
	}
	for _, doc := range input.Documents {
		if doc.Type != api.DocumentJobDescription || doc.URI == "" {
			continue
		}
		return &JobDescription{
			URI:      doc.URI,
			Title:    doc.Name,
			Metadata: doc.Metadata,
		}, nil
	}
	if input.Taxonomy != nil && input.Taxonomy.GeneralSummary != "" {
		return &JobDescription{
			Content:      input.Taxonomy.GeneralSummary,
			Title:        input.RoleName,
			FromTaxonomy: true,
		}, nil
	}
	return nil, &ValidationError{
		Field:   "documents",
		Message: "no usable job description: supply a job_description document with content or uri, or a taxonomy entry with a general summary",
	}
}

// ValidateInput rejects submissions that cannot produce a meaningful
// run. Both the service (before enqueue) and the workflow (before the
// first step) call it; it is pure, so the workflow stays deterministic.
func ValidateInput(input *api.RoleOnboardingInput) error {
	if input == nil {
		return &ValidationError{Message: "input is required"}
	}
	if input.CompanyID == "" {
		return &ValidationError{Field: "company_id", Message: "company_id is required"}
	}
	if input.RoleName == "" {
		return &ValidationError{Field: "role_name", Message: "role_name is required"}
	}
	for i, doc := range input.Documents {
		if doc.Content == "" && doc.URI == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("documents[%d]", i),
				Message: "one of content or uri is required",
			}
		}
	}
	if _, err := ResolveJobDescription(input); err != nil {
		return err
	}
	return nil
}
