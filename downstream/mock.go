package downstream

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skillgraph/rolepipe/api"
)

// mockClient serves embedded fixture data so the pipeline can run end to
// end with no downstream service: local development, demos, and the HTTP
// test suite. All outputs are deterministic functions of the input.
type mockClient struct {
	companies []api.Company
	roles     map[string][]api.TaxonomyRole
	documents []Document
	tasks     []TaskAnalysis
}

type mockFixtures struct {
	Companies []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"companies"`
	Roles map[string][]struct {
		RoleName       string `yaml:"role_name"`
		Seniority      string `yaml:"seniority"`
		GeneralSummary string `yaml:"general_summary"`
	} `yaml:"roles"`
	Documents []struct {
		DocumentID  string    `yaml:"document_id"`
		Name        string    `yaml:"name"`
		ContentType string    `yaml:"content_type"`
		Roles       []string  `yaml:"roles"`
		UpdatedAt   time.Time `yaml:"updated_at"`
		DownloadURL string    `yaml:"download_url"`
	} `yaml:"documents"`
	AssessmentTasks []struct {
		TaskName        string  `yaml:"task_name"`
		AutomationScore float64 `yaml:"automation_score"`
		Rationale       string  `yaml:"rationale"`
	} `yaml:"assessment_tasks"`
}

// NewMock returns the fixture-backed client used when enable_mock_data is
// set. It fails only if the embedded fixtures are malformed, which a unit
// test pins.
func NewMock() (Client, error) {
	var fx mockFixtures
	if err := yaml.Unmarshal(mockFixtureData, &fx); err != nil {
		return nil, fmt.Errorf("downstream: decode mock fixtures: %w", err)
	}
	m := &mockClient{roles: make(map[string][]api.TaxonomyRole, len(fx.Roles))}
	for _, c := range fx.Companies {
		m.companies = append(m.companies, api.Company{ID: c.ID, Name: c.Name})
	}
	for company, roles := range fx.Roles {
		list := make([]api.TaxonomyRole, 0, len(roles))
		for _, r := range roles {
			list = append(list, api.TaxonomyRole{
				RoleID:         "tax-" + slug(r.RoleName),
				RoleName:       r.RoleName,
				Seniority:      r.Seniority,
				GeneralSummary: r.GeneralSummary,
			})
		}
		m.roles[company] = list
	}
	for _, d := range fx.Documents {
		m.documents = append(m.documents, Document{
			DocumentID:  d.DocumentID,
			Name:        d.Name,
			ContentType: d.ContentType,
			Roles:       d.Roles,
			UpdatedAt:   d.UpdatedAt,
			DownloadURL: d.DownloadURL,
		})
	}
	for _, t := range fx.AssessmentTasks {
		m.tasks = append(m.tasks, TaskAnalysis{
			TaskID:          "task-" + slug(t.TaskName),
			TaskName:        t.TaskName,
			AutomationScore: t.AutomationScore,
			Rationale:       t.Rationale,
		})
	}
	return m, nil
}

func (m *mockClient) CreateCompanyRole(ctx context.Context, req CreateCompanyRoleRequest) (*CreateCompanyRoleResponse, error) {
	if req.CompanyName == "" || req.RoleName == "" {
		return nil, &PermanentError{
			Operation: "create_company_role",
			Status:    http.StatusBadRequest,
			Message:   "company_name and role_name are required",
		}
	}
	return &CreateCompanyRoleResponse{
		CompanyRoleID: "cr-" + slug(req.CompanyName) + "-" + slug(req.RoleName),
	}, nil
}

func (m *mockClient) LinkJobDescription(ctx context.Context, req LinkJobDescriptionRequest) (*LinkJobDescriptionResponse, error) {
	if req.CompanyRoleID == "" {
		return nil, &PermanentError{
			Operation: "link_job_description",
			Status:    http.StatusBadRequest,
			Message:   "company_role_id is required",
		}
	}
	if req.JDContent == "" && req.JDURI == "" {
		return nil, &PermanentError{
			Operation: "link_job_description",
			Status:    http.StatusBadRequest,
			Message:   "one of jd_content or jd_uri is required",
		}
	}
	length := len(req.JDContent)
	if length == 0 {
		// URI-sourced documents report a nominal extracted length.
		length = 2048
	}
	return &LinkJobDescriptionResponse{
		JDLinked:        true,
		JDContentLength: length,
		Formatted:       req.FormatWithLLM,
		CompanyRoleID:   req.CompanyRoleID,
	}, nil
}

func (m *mockClient) RunAIAssessment(ctx context.Context, req AssessmentRequest) (*AssessmentResponse, error) {
	if req.CompanyRoleID == "" {
		return nil, &PermanentError{
			Operation: "run_ai_assessment",
			Status:    http.StatusBadRequest,
			Message:   "company_role_id is required",
		}
	}
	return &AssessmentResponse{
		CompanyRoleID:     req.CompanyRoleID,
		AIAutomationScore: mockScore(req.CompanyName, req.RoleName),
		TasksAnalyzed:     len(m.tasks),
		Tasks:             m.tasks,
	}, nil
}

func (m *mockClient) ListDocuments(ctx context.Context, req ListDocumentsRequest) (*DocumentList, error) {
	if req.Page > 1 {
		return &DocumentList{Documents: nil, Page: req.Page, Total: len(m.documents)}, nil
	}
	var docs []Document
	for _, d := range m.documents {
		if len(req.Roles) == 0 || rolesOverlap(d.Roles, req.Roles) {
			docs = append(docs, d)
		}
	}
	return &DocumentList{Documents: docs, Page: 1, Total: len(docs)}, nil
}

func (m *mockClient) ListCompanies(ctx context.Context) ([]api.Company, error) {
	out := make([]api.Company, len(m.companies))
	copy(out, m.companies)
	return out, nil
}

func (m *mockClient) ListRoles(ctx context.Context, company string) ([]api.TaxonomyRole, error) {
	roles := m.roles[company]
	if roles == nil {
		// Companies are also addressable by display name.
		for id, list := range m.roles {
			if strings.EqualFold(companyName(m.companies, id), company) {
				roles = list
				break
			}
		}
	}
	out := make([]api.TaxonomyRole, len(roles))
	copy(out, roles)
	return out, nil
}

func (m *mockClient) Name() string { return "downstream-mock" }

func (m *mockClient) Ping(ctx context.Context) error { return nil }

func companyName(companies []api.Company, id string) string {
	for _, c := range companies {
		if c.ID == id {
			return c.Name
		}
	}
	return ""
}

func rolesOverlap(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

// mockScore maps (company, role) onto a stable score in [0.30, 0.90].
func mockScore(company, role string) float64 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(company)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(role)))
	return 0.30 + float64(h.Sum32()%61)/100
}

func slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
