package downstream

import (
	"time"
)

// Request and response shapes of the downstream processing API. Fields
// mirror the service's snake_case JSON contract.

type (
	// CreateCompanyRoleRequest creates (or finds) a role entity. The
	// downstream service is idempotent on (company, role).
	CreateCompanyRoleRequest struct {
		CompanyName   string `json:"company_name"`
		RoleName      string `json:"role_name"`
		DraupRoleID   string `json:"draup_role_id,omitempty"`
		DraupRoleName string `json:"draup_role_name,omitempty"`
	}

	// CreateCompanyRoleResponse carries the downstream role identifier.
	CreateCompanyRoleResponse struct {
		CompanyRoleID string `json:"company_role_id"`
	}

	// LinkJobDescriptionRequest attaches a job description to a role.
	// Exactly one of JDContent or JDURI is sent; the client drops JDURI
	// when both are supplied.
	LinkJobDescriptionRequest struct {
		CompanyRoleID string         `json:"company_role_id"`
		JDContent     string         `json:"jd_content,omitempty"`
		JDURI         string         `json:"jd_uri,omitempty"`
		JDTitle       string         `json:"jd_title,omitempty"`
		Metadata      map[string]any `json:"metadata,omitempty"`
		FormatWithLLM bool           `json:"format_with_llm,omitempty"`
	}

	// LinkJobDescriptionResponse reports the linked document.
	LinkJobDescriptionResponse struct {
		JDLinked        bool   `json:"jd_linked"`
		JDContentLength int    `json:"jd_content_length"`
		Formatted       bool   `json:"formatted"`
		CompanyRoleID   string `json:"company_role_id"`
	}

	// AssessmentRequest runs the AI automation assessment for a role.
	AssessmentRequest struct {
		CompanyName    string `json:"company_name"`
		RoleName       string `json:"role_name"`
		CompanyRoleID  string `json:"company_role_id"`
		DeleteExisting bool   `json:"delete_existing"`
		StoreInNeo4j   bool   `json:"store_in_neo4j"`
	}

	// TaskAnalysis is one task line of an assessment result.
	TaskAnalysis struct {
		TaskID          string  `json:"task_id,omitempty"`
		TaskName        string  `json:"task_name"`
		AutomationScore float64 `json:"automation_score"`
		Rationale       string  `json:"rationale,omitempty"`
	}

	// AssessmentResponse is the assessment payload.
	AssessmentResponse struct {
		CompanyRoleID     string         `json:"company_role_id,omitempty"`
		AIAutomationScore float64        `json:"ai_automation_score"`
		TasksAnalyzed     int            `json:"tasks_analyzed,omitempty"`
		Tasks             []TaskAnalysis `json:"tasks,omitempty"`
	}

	// Document is one entry of the downstream document listing.
	Document struct {
		DocumentID  string    `json:"document_id"`
		Name        string    `json:"name,omitempty"`
		ContentType string    `json:"content_type,omitempty"`
		Roles       []string  `json:"roles,omitempty"`
		UpdatedAt   time.Time `json:"updated_at"`
		DownloadURL string    `json:"download_url"`
	}

	// DocumentList is one page of the document listing.
	DocumentList struct {
		Documents []Document `json:"documents"`
		Page      int        `json:"page"`
		Total     int        `json:"total"`
	}

	// ListDocumentsRequest filters the document listing.
	ListDocumentsRequest struct {
		// Roles filters to documents tagged with any of these roles.
		Roles []string

		// Page selects the result page, 1-based. 0 means first page.
		Page int
	}
)
