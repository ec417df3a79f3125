package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// JiraConfig holds the Jira Cloud credentials and defaults.
type JiraConfig struct {
	BaseURL    string
	Email      string
	APIToken   string
	ProjectKey string
	IssueType  string
}

// JiraIssueCreator opens issues with the Jira REST API.
type JiraIssueCreator struct {
	cfg    JiraConfig
	client *http.Client
}

// NewJiraIssueCreator creates an issue creator. A nil client uses http.DefaultClient.
func NewJiraIssueCreator(cfg JiraConfig, client *http.Client) *JiraIssueCreator {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.IssueType == "" {
		cfg.IssueType = "Task"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &JiraIssueCreator{cfg: cfg, client: client}
}

type jiraIssueRequest struct {
	Fields jiraFields `json:"fields"`
}

type jiraFields struct {
	Project     jiraKey  `json:"project"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	IssueType   jiraName `json:"issuetype"`
	Labels      []string `json:"labels,omitempty"`
}

type jiraKey struct {
	Key string `json:"key"`
}

type jiraName struct {
	Name string `json:"name"`
}

type jiraIssueResponse struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

// Execute creates an issue from params summary, description and labels.
func (j *JiraIssueCreator) Execute(ctx context.Context, teamID string, params map[string]any) (map[string]any, error) {
	summary, _ := params["summary"].(string)
	if summary == "" {
		return nil, &IntegrationError{Kind: KindRejected, Message: "summary is required"}
	}
	if j.cfg.BaseURL == "" || j.cfg.ProjectKey == "" {
		return nil, &IntegrationError{Kind: KindRejected, Message: "jira is not configured"}
	}
	description, _ := params["description"].(string)

	var labels []string
	switch v := params["labels"].(type) {
	case []string:
		labels = v
	case []any:
		for _, l := range v {
			if s, ok := l.(string); ok {
				labels = append(labels, s)
			}
		}
	}

	body, err := json.Marshal(jiraIssueRequest{Fields: jiraFields{
		Project:     jiraKey{Key: j.cfg.ProjectKey},
		Summary:     summary,
		Description: description,
		IssueType:   jiraName{Name: j.cfg.IssueType},
		Labels:      labels,
	}})
	if err != nil {
		return nil, fmt.Errorf("marshal jira issue: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.cfg.BaseURL+"/rest/api/2/issue", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(j.cfg.Email, j.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jira request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read jira response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, "jira create issue: "+strings.TrimSpace(string(raw)))
	}

	var out jiraIssueResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode jira response: %w", err)
	}
	return map[string]any{
		"id":  out.ID,
		"key": out.Key,
		"url": j.cfg.BaseURL + "/browse/" + out.Key,
	}, nil
}
