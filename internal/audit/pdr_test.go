package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/fentz26/fleetd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	entries []models.PDREntry
	err     error
}

func (m *memorySink) WritePDR(_ context.Context, action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	e := models.PDREntry{Action: action, InputsHash: inputsHash, Outcome: outcome, TaskID: taskID, Details: details}
	m.entries = append(m.entries, e)
	return &e, nil
}

func TestRecordHashesInputs(t *testing.T) {
	sink := &memorySink{}
	w := NewPDRWriter(sink, nil)

	w.Record(context.Background(), "lease.claim", map[string]string{"resource": "ws-1"}, OutcomeSuccess, "", "claimed")
	w.Record(context.Background(), "lease.claim", map[string]string{"resource": "ws-1"}, OutcomeSuccess, "", "claimed")
	w.Record(context.Background(), "lease.claim", map[string]string{"resource": "ws-2"}, OutcomeSuccess, "", "claimed")

	require.Len(t, sink.entries, 3)
	assert.Len(t, sink.entries[0].InputsHash, 64)
	assert.Equal(t, sink.entries[0].InputsHash, sink.entries[1].InputsHash)
	assert.NotEqual(t, sink.entries[0].InputsHash, sink.entries[2].InputsHash)
}

func TestRecordSwallowsSinkErrors(t *testing.T) {
	w := NewPDRWriter(&memorySink{err: errors.New("disk full")}, nil)
	w.Record(context.Background(), "worktree.prune", nil, OutcomeFailed, "task-1", "")
}

func TestHashInputsUnmarshalable(t *testing.T) {
	assert.Equal(t, "hash_error", hashInputs(make(chan int)))
}
