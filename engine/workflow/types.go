package workflow

import "errors"

// NodeType tags a node with the handler that executes it
type NodeType string

const (
	NodeInput       NodeType = "input"
	NodeOutput      NodeType = "output"
	NodeTransform   NodeType = "transform"
	NodeConditional NodeType = "conditional"
	NodeLLM         NodeType = "llm"
	NodeHTTP        NodeType = "http"
	NodeCode        NodeType = "code"
	NodeLoop        NodeType = "loop"
	NodeLoopStart   NodeType = "loop-start"
	NodeLoopEnd     NodeType = "loop-end"
	NodeWait        NodeType = "wait"
	NodeIntegration NodeType = "integration"
)

// HandleType describes how an edge becomes live once its source settles
type HandleType string

const (
	HandleDefault      HandleType = "default"
	HandleTrue         HandleType = "true"
	HandleFalse        HandleType = "false"
	HandleLoopBody     HandleType = "loop-body"
	HandleLoopBack     HandleType = "loop-back"
	HandleLoopExit     HandleType = "loop-exit"
	HandleLoopComplete HandleType = "loop-complete"
)

// ErrInvalidGraph is wrapped by every builder validation failure
var ErrInvalidGraph = errors.New("invalid graph")

// Node is a unit of work. Immutable after Build.
type Node struct {
	ID           string                 `json:"id"`
	Type         NodeType               `json:"type"`
	Name         string                 `json:"name,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty"`
	Depth        int                    `json:"depth"`
	Dependencies []string               `json:"dependencies"`
	Dependents   []string               `json:"dependents"`

	// Loop points at the innermost loop context whose body contains this
	// node; nil outside loops.
	Loop *LoopContext `json:"-"`
}

// Edge connects two nodes. Loop-back edges are control signals and never
// count as data dependencies.
type Edge struct {
	ID           string     `json:"id"`
	Source       string     `json:"source"`
	Target       string     `json:"target"`
	SourceHandle string     `json:"sourceHandle,omitempty"`
	TargetHandle string     `json:"targetHandle,omitempty"`
	HandleType   HandleType `json:"handleType"`
}

// LoopContext captures one loop's shape and iteration settings.
// BodyNodes includes the start sentinel but not the end sentinel.
type LoopContext struct {
	LoopNodeID        string   `json:"loopNodeId"`
	StartSentinelID   string   `json:"startSentinelId"`
	EndSentinelID     string   `json:"endSentinelId"`
	BodyNodes         []string `json:"bodyNodes"`
	IterationVariable string   `json:"iterationVariable"`
	ItemVariable      string   `json:"itemVariable"`
	MaxIterations     int      `json:"maxIterations"`
	IterateOver       string   `json:"iterateOver,omitempty"`
}

// Condition selects a branch or decides loop exit. Type picks the dialect.
type Condition struct {
	Type       string                 `json:"type"` // "cel", "expr", "schema_validation"
	Expression string                 `json:"expression,omitempty"`
	Schema     map[string]interface{} `json:"schema,omitempty"`
	SchemaRef  string                 `json:"schema_ref,omitempty"`
	Invert     bool                   `json:"invert,omitempty"`
}

// Definition is the raw JSON-facing workflow description handed to Build.
type Definition struct {
	ID                 string                 `json:"id,omitempty"`
	Name               string                 `json:"name,omitempty"`
	Nodes              []DefinitionNode       `json:"nodes"`
	Edges              []DefinitionEdge       `json:"edges"`
	EntryPoint         string                 `json:"entryPoint"`
	MaxConcurrentNodes int                    `json:"maxConcurrentNodes,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// DefinitionNode is a node as users write it
type DefinitionNode struct {
	ID     string                 `json:"id"`
	Type   NodeType               `json:"type"`
	Name   string                 `json:"name,omitempty"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// DefinitionEdge is an edge as users write it. HandleType defaults to
// "default"; an empty ID is generated.
type DefinitionEdge struct {
	ID           string     `json:"id,omitempty"`
	Source       string     `json:"source"`
	Target       string     `json:"target"`
	SourceHandle string     `json:"sourceHandle,omitempty"`
	TargetHandle string     `json:"targetHandle,omitempty"`
	HandleType   HandleType `json:"handleType,omitempty"`
}

// Workflow is the built, validated, immutable graph
type Workflow struct {
	ID                 string
	Name               string
	Nodes              map[string]*Node
	Edges              map[string]*Edge
	ExecutionLevels    [][]string
	TriggerNodeID      string
	OutputNodeIDs      []string
	LoopContexts       map[string]*LoopContext
	MaxConcurrentNodes int

	outgoing map[string][]*Edge
	incoming map[string][]*Edge
}

// ContinueOnError reports whether a handler failure should convert to a
// regular output instead of cascading (config errorPolicy = "continue")
func (n *Node) ContinueOnError() bool {
	if n.Config == nil {
		return false
	}
	policy, _ := n.Config["errorPolicy"].(string)
	return policy == "continue"
}

// Node returns the node with the given id, or nil
func (w *Workflow) Node(id string) *Node {
	return w.Nodes[id]
}

// Outgoing returns all edges leaving a node, loop-back included
func (w *Workflow) Outgoing(id string) []*Edge {
	return w.outgoing[id]
}

// Incoming returns all edges entering a node, loop-back included
func (w *Workflow) Incoming(id string) []*Edge {
	return w.incoming[id]
}

// SelectedBranch reads the branch an output selects: an explicit
// selectedBranch string, or a bare boolean result as "true"/"false".
func SelectedBranch(output map[string]interface{}) string {
	if output == nil {
		return ""
	}
	if sel, ok := output["selectedBranch"].(string); ok {
		return sel
	}
	if res, ok := output["result"].(bool); ok {
		if res {
			return "true"
		}
		return "false"
	}
	return ""
}

// EdgeLive reports whether an edge is live given its source node's output.
// Loop-back edges are never live: they are control signals consumed by the
// scheduler, not data paths.
func EdgeLive(source *Node, output map[string]interface{}, edge *Edge) bool {
	switch edge.HandleType {
	case HandleLoopBack:
		return false
	case HandleLoopBody:
		return true
	case HandleLoopExit, HandleLoopComplete:
		cont, _ := output["continueLoop"].(bool)
		return !cont
	case HandleTrue, HandleFalse:
		return SelectedBranch(output) == string(edge.HandleType)
	default:
		if source != nil && source.Type == NodeConditional {
			sel := SelectedBranch(output)
			if sel == "" {
				return false
			}
			return sel == string(edge.HandleType) || sel == edge.SourceHandle
		}
		return true
	}
}
