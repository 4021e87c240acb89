package ratelimit

import "github.com/weftlabs/weft/engine/workflow"

// WorkflowTier represents the rate limit tier based on workflow complexity
type WorkflowTier string

const (
	TierSimple   WorkflowTier = "simple"   // No LLM nodes
	TierStandard WorkflowTier = "standard" // 1-2 LLM nodes
	TierHeavy    WorkflowTier = "heavy"    // 3+ LLM nodes
)

// WorkflowProfile contains analysis of a workflow's complexity
type WorkflowProfile struct {
	Tier        WorkflowTier // Determined tier
	LLMCount    int          // Number of llm nodes
	HasLLMNodes bool         // Whether workflow calls any models
	TotalNodes  int          // Total node count
}

// InspectDefinition determines the complexity tier of a workflow definition.
// LLM nodes dominate cost, so the tier is driven by their count alone.
func InspectDefinition(def *workflow.Definition) WorkflowProfile {
	profile := WorkflowProfile{Tier: TierSimple}
	if def == nil {
		return profile
	}

	profile.TotalNodes = len(def.Nodes)
	for _, node := range def.Nodes {
		if node.Type == workflow.NodeLLM {
			profile.LLMCount++
			profile.HasLLMNodes = true
		}
	}

	profile.Tier = determineTier(profile.LLMCount)
	return profile
}

// determineTier returns the appropriate tier based on LLM node count
func determineTier(llmCount int) WorkflowTier {
	switch {
	case llmCount == 0:
		return TierSimple
	case llmCount <= 2:
		return TierStandard
	default: // 3+
		return TierHeavy
	}
}

// String returns a human-readable description of the tier
func (t WorkflowTier) String() string {
	switch t {
	case TierSimple:
		return "simple"
	case TierStandard:
		return "standard"
	case TierHeavy:
		return "heavy"
	default:
		return "unknown"
	}
}
