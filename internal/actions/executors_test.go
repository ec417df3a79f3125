package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlackNotifier(t *testing.T) {
	var body map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		assert.Equal(t, "Bearer xoxb-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"ok": true, "channel": "C42", "ts": "1700000000.0001"}`))
	}))
	defer server.Close()

	notifier := NewSlackNotifier(context.Background(), server.URL, "xoxb-test", "C42")
	payload, err := notifier.Execute(context.Background(), "team-1", map[string]any{"message": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "C42", body["channel"])
	assert.Equal(t, "hello", body["text"])
	assert.Equal(t, "1700000000.0001", payload["ts"])
}

func TestSlackNotifier_APIErrors(t *testing.T) {
	tests := []struct {
		response string
		status   int
		want     ErrorKind
	}{
		{`{"ok": false, "error": "invalid_auth"}`, http.StatusOK, KindAuth},
		{`{"ok": false, "error": "channel_not_found"}`, http.StatusOK, KindRejected},
		{``, http.StatusTooManyRequests, KindRateLimited},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(tt.response))
		}))

		notifier := NewSlackNotifier(context.Background(), server.URL, "xoxb-test", "C42")
		_, err := notifier.Execute(context.Background(), "team-1", map[string]any{"message": "hello"})
		assert.Equal(t, tt.want, kindOf(err), tt.response)
		server.Close()
	}
}

func TestSlackNotifier_MissingMessage(t *testing.T) {
	notifier := NewSlackNotifier(context.Background(), "http://unused", "xoxb-test", "C42")
	_, err := notifier.Execute(context.Background(), "team-1", map[string]any{})
	assert.Equal(t, KindRejected, kindOf(err))
}

func TestJiraIssueCreator(t *testing.T) {
	var got jiraIssueRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/issue", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bot@acme.test", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": "10001", "key": "OPS-7", "self": "x"}`))
	}))
	defer server.Close()

	creator := NewJiraIssueCreator(JiraConfig{
		BaseURL: server.URL + "/", Email: "bot@acme.test", APIToken: "secret", ProjectKey: "OPS",
	}, server.Client())

	payload, err := creator.Execute(context.Background(), "team-1", map[string]any{
		"summary":     "[Auto] Create bug ticket",
		"description": "Triggered automatically by signal:\nboom",
		"labels":      []string{"auto-pilot"},
	})
	require.NoError(t, err)
	assert.Equal(t, "OPS", got.Fields.Project.Key)
	assert.Equal(t, "Task", got.Fields.IssueType.Name)
	assert.Equal(t, []string{"auto-pilot"}, got.Fields.Labels)
	assert.Equal(t, "OPS-7", payload["key"])
	assert.Equal(t, server.URL+"/browse/OPS-7", payload["url"])
}

func TestJiraIssueCreator_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	creator := NewJiraIssueCreator(JiraConfig{BaseURL: server.URL, ProjectKey: "OPS"}, nil)
	_, err := creator.Execute(context.Background(), "team-1", map[string]any{"summary": "x"})
	assert.Equal(t, KindAuth, kindOf(err))

	unconfigured := NewJiraIssueCreator(JiraConfig{}, nil)
	_, err = unconfigured.Execute(context.Background(), "team-1", map[string]any{"summary": "x"})
	assert.Equal(t, KindRejected, kindOf(err))
}
