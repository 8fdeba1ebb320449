package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chainWorkflow() *Workflow {
	return &Workflow{
		ID:   "wf-1",
		Name: "three node chain",
		Nodes: []*WorkflowNode{
			{ID: "n1", Type: "text.template"},
			{ID: "n2", Type: "image.generate", DependsOn: []string{"n1"}},
			{ID: "n3", Type: "video.compose", DependsOn: []string{"n2"}},
		},
	}
}

func TestWorkflowValidate(t *testing.T) {
	require.NoError(t, chainWorkflow().Validate())
}

func TestWorkflowValidateUnknownDependency(t *testing.T) {
	wf := chainWorkflow()
	wf.Nodes[2].DependsOn = []string{"missing"}

	err := wf.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node")
}

func TestWorkflowValidateDuplicateNodeID(t *testing.T) {
	wf := chainWorkflow()
	wf.Nodes = append(wf.Nodes, &WorkflowNode{ID: "n1", Type: "text.template"})

	err := wf.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id")
}

func TestWorkflowValidateCycle(t *testing.T) {
	wf := chainWorkflow()
	wf.Nodes[0].DependsOn = []string{"n3"}

	err := wf.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestWorkflowRootsAndDownstream(t *testing.T) {
	wf := chainWorkflow()

	roots := wf.RootNodes()
	require.Len(t, roots, 1)
	assert.Equal(t, "n1", roots[0].ID)

	down := wf.Downstream("n1")
	require.Len(t, down, 1)
	assert.Equal(t, "n2", down[0].ID)

	assert.Empty(t, wf.Downstream("n3"))
}

func TestNodeTaskStatusTerminal(t *testing.T) {
	assert.True(t, NodeTaskStatusCompleted.Terminal())
	assert.True(t, NodeTaskStatusFailed.Terminal())
	assert.True(t, NodeTaskStatusSkipped.Terminal())
	assert.False(t, NodeTaskStatusProcessing.Terminal())

	assert.True(t, NodeTaskStatusSkipped.TerminalSuccess())
	assert.False(t, NodeTaskStatusFailed.TerminalSuccess())
}
