package execution

import (
	"github.com/fabriq-ai/fabriq/pkg/models"
)

// BuildInput assembles the data a node sees when it runs: the execution's
// input merged at the top level, workflow variables under "variables", and
// upstream outputs under "deps" keyed by node id. Failed-optional and
// skipped dependencies appear as explicit nils.
func BuildInput(execution *models.WorkflowExecution, workflow *models.Workflow, node *models.WorkflowNode, byNode map[string]*models.NodeTask) map[string]any {
	input := make(map[string]any, len(execution.Input)+2)

	for k, v := range execution.Input {
		input[k] = v
	}

	if len(workflow.Variables) > 0 {
		input["variables"] = workflow.Variables
	}

	deps := make(map[string]any, len(node.DependsOn))

	for _, depID := range node.DependsOn {
		depTask, ok := byNode[depID]
		if !ok || depTask.Status != models.NodeTaskStatusCompleted {
			deps[depID] = nil

			continue
		}

		deps[depID] = depTask.OutputData
	}

	if len(deps) > 0 {
		input["deps"] = deps
	}

	return input
}
