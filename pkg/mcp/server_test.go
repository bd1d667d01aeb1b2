package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStepflowServer(t *testing.T) {
	srv, _ := newTestServer(t)

	require.NotNil(t, srv.MCPServer())
	assert.NotNil(t, srv.sessions)
	assert.NotNil(t, srv.notifier)

	tools := srv.tools()
	require.Len(t, tools, 5)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Tool.Name)
	}
	assert.ElementsMatch(t, names, []string{
		"stepflow.run",
		"stepflow.status",
		"stepflow.resume",
		"stepflow.cancel",
		"stepflow.steps",
	})
}

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("exec-1")
	assert.False(t, ok)

	r.Register("exec-1", "session-a")
	r.Register("exec-2", "session-a")
	r.Register("exec-3", "session-b")

	sid, ok := r.SessionFor("exec-1")
	require.True(t, ok)
	assert.Equal(t, "session-a", sid)

	// Re-registration overwrites.
	r.Register("exec-1", "session-c")
	sid, _ = r.SessionFor("exec-1")
	assert.Equal(t, "session-c", sid)

	// Removing a session drops all of its executions.
	r.Remove("session-a")
	_, ok = r.SessionFor("exec-2")
	assert.False(t, ok)
	_, ok = r.SessionFor("exec-3")
	assert.True(t, ok)
}
