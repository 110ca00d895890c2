package kanban

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fentz26/fleetd/internal/apperr"
	"github.com/fentz26/fleetd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clientFunc func(*http.Request) (*http.Response, error)

func (f clientFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

func textResponse(status int, contentType, body string) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	return &http.Response{StatusCode: status, Header: h, Body: io.NopCloser(strings.NewReader(body))}
}

func TestVKNilResponse(t *testing.T) {
	v, err := NewVK("http://127.0.0.1:54089", clientFunc(func(*http.Request) (*http.Response, error) {
		return nil, nil
	}), nil)
	require.NoError(t, err)

	_, err = v.ListTasks(context.Background(), "proj-1", Filter{Status: models.TaskStatusTodo})
	require.Error(t, err)
	assert.Regexp(t, `invalid response object`, err.Error())
}

func TestVKAcceptsJSONLabelledAsText(t *testing.T) {
	var gotURL string
	v, err := NewVK("http://127.0.0.1:54089/", clientFunc(func(r *http.Request) (*http.Response, error) {
		gotURL = r.URL.String()
		return textResponse(200, "text/plain", `{"data":[{"id":"task-1","title":"Task One","status":"todo"}]}`), nil
	}), nil)
	require.NoError(t, err)

	tasks, err := v.ListTasks(context.Background(), "proj-1", Filter{Status: models.TaskStatusTodo})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-1", tasks[0].ID)
	assert.Equal(t, "Task One", tasks[0].Title)
	assert.Equal(t, models.TaskStatusTodo, tasks[0].Status)
	assert.Equal(t, BackendVK, tasks[0].Backend)
	assert.Equal(t, "http://127.0.0.1:54089/api/tasks?project_id=proj-1&status=todo", gotURL)
}

func TestVKNonJSONBody(t *testing.T) {
	v, err := NewVK("http://vk", clientFunc(func(*http.Request) (*http.Response, error) {
		return textResponse(200, "text/html", "<html>oops</html>"), nil
	}), nil)
	require.NoError(t, err)

	_, err = v.ListProjects(context.Background())
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.ErrorContains(t, err, "invalid response object")
}

func TestVKSuccessFalse(t *testing.T) {
	v, err := NewVK("http://vk", clientFunc(func(*http.Request) (*http.Response, error) {
		return textResponse(200, "application/json", `{"success":false,"message":"project archived"}`), nil
	}), nil)
	require.NoError(t, err)

	_, err = v.ListTasks(context.Background(), "p", Filter{})
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.ErrorContains(t, err, "project archived")
}

// fakeVK is a minimal in-memory vibe-kanban server.
func fakeVK(t *testing.T) *httptest.Server {
	t.Helper()
	tasks := map[string]map[string]any{}
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": status < 300, "data": v})
	}
	mux.HandleFunc("GET /api/projects", func(w http.ResponseWriter, r *http.Request) {
		write(w, 200, []map[string]any{{"id": "proj-1", "name": "Widgets"}})
	})
	mux.HandleFunc("POST /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["id"] = "vk-1"
		if body["status"] == nil {
			body["status"] = "todo"
		}
		tasks["vk-1"] = body
		write(w, 200, body)
	})
	mux.HandleFunc("GET /api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		task, ok := tasks[r.PathValue("id")]
		if !ok {
			write(w, 404, nil)
			return
		}
		write(w, 200, task)
	})
	mux.HandleFunc("PUT /api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		task, ok := tasks[r.PathValue("id")]
		if !ok {
			write(w, 404, nil)
			return
		}
		var patch map[string]any
		_ = json.NewDecoder(r.Body).Decode(&patch)
		for k, v := range patch {
			task[k] = v
		}
		write(w, 200, task)
	})
	mux.HandleFunc("POST /api/tasks/{id}/comments", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := tasks[r.PathValue("id")]; !ok {
			write(w, 404, nil)
			return
		}
		write(w, 200, map[string]any{"id": "c-1"})
	})
	mux.HandleFunc("DELETE /api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := tasks[r.PathValue("id")]; !ok {
			write(w, 404, nil)
			return
		}
		delete(tasks, r.PathValue("id"))
		write(w, 200, nil)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestVKRoundTrip(t *testing.T) {
	srv := fakeVK(t)
	v, err := NewVK(srv.URL, srv.Client(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	projects, err := v.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "Widgets", projects[0].Name)

	created, err := v.CreateTask(ctx, "proj-1", TaskInput{Title: "Ship it"})
	require.NoError(t, err)
	assert.Equal(t, "vk-1", created.ID)
	assert.Equal(t, "proj-1", created.ProjectID)

	updated, err := v.UpdateTaskStatus(ctx, "vk-1", "in-progress")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, updated.Status)

	ok, err := v.AddComment(ctx, "vk-1", "looks good")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.DeleteTask(ctx, "vk-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.DeleteTask(ctx, "vk-1")
	require.NoError(t, err)
	assert.False(t, ok)

	missing, err := v.GetTask(ctx, "vk-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = v.UpdateTask(ctx, "vk-1", Patch{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestNewVKRequiresEndpoint(t *testing.T) {
	_, err := NewVK("", http.DefaultClient, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
