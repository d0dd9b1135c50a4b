package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		name string
		from TaskState
		to   TaskState
		want bool
	}{
		{"received to validating", TaskReceived, TaskValidating, true},
		{"validating to creating", TaskValidating, TaskCreating, true},
		{"pending to authorized", TaskPendingAuthorization, TaskAuthorized, true},
		{"attesting to completed", TaskAttesting, TaskCompleted, true},
		{"skip creating", TaskValidating, TaskPendingAuthorization, false},
		{"reverse", TaskPublishing, TaskProcessing, false},
		{"self loop", TaskProcessing, TaskProcessing, false},
		{"fail from received", TaskReceived, TaskFailed, true},
		{"fail from attesting", TaskAttesting, TaskFailed, true},
		{"cancel from pending", TaskPendingAuthorization, TaskCancelled, true},
		{"cancel from authorized", TaskAuthorized, TaskCancelled, false},
		{"cancel from received", TaskReceived, TaskCancelled, false},
		{"failed is absorbing", TaskFailed, TaskReceived, false},
		{"failed to failed", TaskFailed, TaskFailed, false},
		{"cancelled is absorbing", TaskCancelled, TaskFailed, false},
		{"completed is absorbing", TaskCompleted, TaskFailed, false},
		{"unknown state", TaskState("bogus"), TaskFailed, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanTransition(tc.from, tc.to))
		})
	}
}

func TestIsValidPath(t *testing.T) {
	happy := []TaskState{
		TaskReceived, TaskValidating, TaskCreating, TaskPendingAuthorization,
		TaskAuthorized, TaskProcessing, TaskPublishing, TaskAttesting, TaskCompleted,
	}
	assert.True(t, IsValidPath(happy))
	assert.True(t, IsValidPath([]TaskState{TaskReceived, TaskValidating, TaskFailed}))
	assert.True(t, IsValidPath([]TaskState{TaskReceived, TaskValidating, TaskCreating, TaskPendingAuthorization, TaskCancelled}))
	assert.False(t, IsValidPath([]TaskState{TaskValidating, TaskCreating}))
	assert.False(t, IsValidPath([]TaskState{TaskReceived, TaskCreating}))
	assert.False(t, IsValidPath(nil))
}

func TestTerminalStatesHaveNoForwardEdge(t *testing.T) {
	for _, from := range AllTaskStates() {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range AllTaskStates() {
			assert.Falsef(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestProcessingTaskCloneIsDeep(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	task := NewProcessingTask("task_1", now)
	task.SetOwner("0xabc")
	task.AppendLog(now, "received", OutcomeInfo, "message accepted")
	task.Artifacts = []ContentArtifact{{Role: RoleEmail, Hash: "h1"}}

	clone := task.Clone()
	*clone.OwnerIdentity = "0xdef"
	clone.Log[0].Message = "changed"
	clone.Artifacts[0].Locator = "cid"
	clone.StateHistory = append(clone.StateHistory, TaskValidating)

	require.Equal(t, "0xabc", task.Owner())
	require.Equal(t, "message accepted", task.Log[0].Message)
	require.Empty(t, task.Artifacts[0].Locator)
	require.Len(t, task.StateHistory, 1)
}

func TestNewTaskIDIsUniqueAndOpaque(t *testing.T) {
	now := time.Now()
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		id := NewTaskID(now)
		require.True(t, strings.HasPrefix(id, "task_"))
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestAuthenticityScore(t *testing.T) {
	s := AuthenticitySignals{SPF: SignalPass, DKIM: SignalFail, DMARC: SignalNone}
	assert.Equal(t, 1, s.Score())
	assert.Equal(t, []string{"dkim"}, s.Failures())
}
