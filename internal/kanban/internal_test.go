package kanban

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fentz26/fleetd/internal/apperr"
	"github.com/fentz26/fleetd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternalBackendRoundTrip(t *testing.T) {
	a, err := New(Config{Backend: "internal", StorePath: filepath.Join(t.TempDir(), "tasks.json")}, Deps{})
	require.NoError(t, err)
	require.Equal(t, BackendInternal, a.Name())
	ctx := context.Background()

	created, err := a.CreateTask(ctx, "internal", TaskInput{Title: "Internal task", Description: "Internal backend test"})
	require.NoError(t, err)
	assert.Equal(t, BackendInternal, created.Backend)
	assert.NotEmpty(t, created.ID)

	todo, err := a.ListTasks(ctx, "internal", Filter{Status: models.TaskStatusTodo})
	require.NoError(t, err)
	var ids []string
	for _, task := range todo {
		ids = append(ids, task.ID)
	}
	assert.Contains(t, ids, created.ID)

	updated, err := a.UpdateTaskStatus(ctx, created.ID, models.TaskStatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, updated.Status)

	ok, err := a.AddComment(ctx, created.ID, "Internal comment")
	require.NoError(t, err)
	assert.True(t, ok)

	withComment, err := a.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, withComment)
	assert.NotEmpty(t, withComment.Meta["comments"])
	require.Len(t, withComment.Comments, 1)
	assert.Equal(t, "Internal comment", withComment.Comments[0].Body)

	ok, err = a.DeleteTask(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.DeleteTask(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	gone, err := a.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestInternalBackendValidation(t *testing.T) {
	a, err := New(Config{StorePath: filepath.Join(t.TempDir(), "tasks.json")}, Deps{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.CreateTask(ctx, "", TaskInput{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = a.UpdateTaskStatus(ctx, "x", "bogus")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = a.UpdateTaskStatus(ctx, "missing", models.TaskStatusDone)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFactory(t *testing.T) {
	_, err := New(Config{Backend: "jira"}, Deps{})
	assert.ErrorContains(t, err, "unknown kanban backend")

	_, err = New(Config{Backend: "github"}, Deps{})
	assert.ErrorContains(t, err, "connector")

	a, err := New(Config{Backend: "GitHub", GitHub: GitHubConfig{RepoSlug: "acme/widgets"}}, Deps{Connector: &scriptedConnector{}})
	require.NoError(t, err)
	assert.Equal(t, BackendGitHub, a.Name())

	a, err = New(Config{Backend: "vk", VK: VKConfig{EndpointURL: "http://127.0.0.1:1"}}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, BackendVK, a.Name())
}

func TestInternalCreateNormalizesStatus(t *testing.T) {
	a, err := New(Config{Backend: "internal", StorePath: filepath.Join(t.TempDir(), "tasks.json")}, Deps{})
	require.NoError(t, err)
	ctx := context.Background()

	created, err := a.CreateTask(ctx, "internal", TaskInput{Title: "aliased", Status: "in_progress"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, created.Status)

	listed, err := a.ListTasks(ctx, "internal", Filter{Status: models.TaskStatusInProgress})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)

	_, err = a.CreateTask(ctx, "internal", TaskInput{Title: "bad", Status: "someday"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
