package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mindforge-ai/mindforge/kernel"
)

func setupCLITest(t *testing.T) {
	t.Helper()
	kernel.ResetForTest()
	t.Setenv("MINDFORGE_DATA_DIR", t.TempDir())
	t.Cleanup(kernel.ResetForTest)
}

func TestRun_NoArgs(t *testing.T) {
	setupCLITest(t)
	assert.Equal(t, exitArgError, run(nil))
}

func TestRun_UnknownVerb(t *testing.T) {
	setupCLITest(t)
	assert.Equal(t, exitArgError, run([]string{"frobnicate"}))
}

func TestRun_AgentLifecycle(t *testing.T) {
	setupCLITest(t)

	assert.Equal(t, exitOK, run([]string{"agent_create", "worker", "builder_1", "builds things"}))
	assert.Equal(t, exitOK, run([]string{"agent_list"}))
	assert.Equal(t, exitOK, run([]string{"agent_delete", "builder_1"}))
	assert.Equal(t, exitFailure, run([]string{"agent_delete", "builder_1"}), "second delete fails")
}

func TestRun_AgentCreate_JSONConfig(t *testing.T) {
	setupCLITest(t)

	code := run([]string{"agent_create", "worker", "cfg_agent", `{"description": "from json", "model": "m1"}`})
	assert.Equal(t, exitOK, code)
}

func TestRun_AgentCreate_BadJSON(t *testing.T) {
	setupCLITest(t)
	assert.Equal(t, exitArgError, run([]string{"agent_create", "worker", "bad_agent", `{"unclosed": `}))
}

func TestRun_AgentCreate_StopWordRejected(t *testing.T) {
	setupCLITest(t)

	// "agent_create worker for ..." is a forgotten id, not an agent called
	// "for".
	assert.Equal(t, exitArgError, run([]string{"agent_create", "worker", "for", "doing things"}))
	assert.Equal(t, exitArgError, run([]string{"agent_create", "worker", "the"}))
}

func TestRun_AgentCreate_MissingArgs(t *testing.T) {
	setupCLITest(t)
	assert.Equal(t, exitArgError, run([]string{"agent_create", "worker"}))
}

func TestRun_ShowAgentRegistry(t *testing.T) {
	setupCLITest(t)
	assert.Equal(t, exitOK, run([]string{"show_agent_registry"}))
}

func TestRun_BacklogVerbs(t *testing.T) {
	setupCLITest(t)

	assert.Equal(t, exitOK, run([]string{"coord_backlog"}))
	assert.Equal(t, exitFailure, run([]string{"coord_process_backlog"}), "empty backlog")
	assert.Equal(t, exitFailure, run([]string{"coord_approve", "bli_missing"}))
	assert.Equal(t, exitArgError, run([]string{"coord_approve"}))
}
