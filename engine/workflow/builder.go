package workflow

import (
	"fmt"
	"sort"
)

// Build validates a definition and compiles it into an executable graph.
// All structural errors wrap ErrInvalidGraph.
func Build(def *Definition) (*Workflow, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: nil definition", ErrInvalidGraph)
	}
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("%w: workflow has no nodes", ErrInvalidGraph)
	}

	w := &Workflow{
		ID:                 def.ID,
		Name:               def.Name,
		Nodes:              make(map[string]*Node, len(def.Nodes)),
		Edges:              make(map[string]*Edge, len(def.Edges)),
		LoopContexts:       make(map[string]*LoopContext),
		MaxConcurrentNodes: def.MaxConcurrentNodes,
		outgoing:           make(map[string][]*Edge),
		incoming:           make(map[string][]*Edge),
	}

	if err := w.indexNodes(def.Nodes); err != nil {
		return nil, err
	}
	if err := w.indexEdges(def.Edges); err != nil {
		return nil, err
	}
	w.wireDependencies()

	if err := w.validateEntry(def.EntryPoint); err != nil {
		return nil, err
	}
	if err := w.deriveLoops(); err != nil {
		return nil, err
	}
	if err := w.detectCycles(); err != nil {
		return nil, err
	}
	if err := w.validateReachability(); err != nil {
		return nil, err
	}

	w.computeDepths()
	w.buildLevels()
	w.collectOutputs()

	return w, nil
}

func (w *Workflow) indexNodes(nodes []DefinitionNode) error {
	for _, dn := range nodes {
		if dn.ID == "" {
			return fmt.Errorf("%w: node with empty id", ErrInvalidGraph)
		}
		if _, exists := w.Nodes[dn.ID]; exists {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidGraph, dn.ID)
		}
		if dn.Type == "" {
			return fmt.Errorf("%w: node %q has no type", ErrInvalidGraph, dn.ID)
		}
		w.Nodes[dn.ID] = &Node{
			ID:     dn.ID,
			Type:   dn.Type,
			Name:   dn.Name,
			Config: dn.Config,
		}
	}
	return nil
}

func (w *Workflow) indexEdges(edges []DefinitionEdge) error {
	for _, de := range edges {
		if _, ok := w.Nodes[de.Source]; !ok {
			return fmt.Errorf("%w: edge references unknown source %q", ErrInvalidGraph, de.Source)
		}
		if _, ok := w.Nodes[de.Target]; !ok {
			return fmt.Errorf("%w: edge references unknown target %q", ErrInvalidGraph, de.Target)
		}
		if de.Source == de.Target {
			return fmt.Errorf("%w: edge %q -> %q is a self loop", ErrInvalidGraph, de.Source, de.Target)
		}

		ht := de.HandleType
		if ht == "" {
			ht = HandleDefault
		}
		id := de.ID
		if id == "" {
			id = fmt.Sprintf("%s-%s", de.Source, de.Target)
			for n := 2; ; n++ {
				if _, exists := w.Edges[id]; !exists {
					break
				}
				id = fmt.Sprintf("%s-%s-%d", de.Source, de.Target, n)
			}
		} else if _, exists := w.Edges[id]; exists {
			return fmt.Errorf("%w: duplicate edge id %q", ErrInvalidGraph, id)
		}

		e := &Edge{
			ID:           id,
			Source:       de.Source,
			Target:       de.Target,
			SourceHandle: de.SourceHandle,
			TargetHandle: de.TargetHandle,
			HandleType:   ht,
		}
		w.Edges[e.ID] = e
		w.outgoing[e.Source] = append(w.outgoing[e.Source], e)
		w.incoming[e.Target] = append(w.incoming[e.Target], e)
	}
	return nil
}

// wireDependencies fills Dependencies/Dependents from every edge except
// loop-back, which stays a pure control signal.
func (w *Workflow) wireDependencies() {
	for _, e := range w.Edges {
		if e.HandleType == HandleLoopBack {
			continue
		}
		target := w.Nodes[e.Target]
		source := w.Nodes[e.Source]
		if !contains(target.Dependencies, e.Source) {
			target.Dependencies = append(target.Dependencies, e.Source)
		}
		if !contains(source.Dependents, e.Target) {
			source.Dependents = append(source.Dependents, e.Target)
		}
	}
	for _, n := range w.Nodes {
		sort.Strings(n.Dependencies)
		sort.Strings(n.Dependents)
	}
}

func (w *Workflow) validateEntry(entry string) error {
	if entry == "" {
		return fmt.Errorf("%w: entryPoint is required", ErrInvalidGraph)
	}
	if _, ok := w.Nodes[entry]; !ok {
		return fmt.Errorf("%w: entryPoint %q is not a node", ErrInvalidGraph, entry)
	}
	for _, e := range w.incoming[entry] {
		if e.HandleType != HandleLoopBack {
			return fmt.Errorf("%w: entryPoint %q has incoming edge from %q", ErrInvalidGraph, entry, e.Source)
		}
	}
	w.TriggerNodeID = entry
	return nil
}

// deriveLoops resolves each loop node's sentinels, walks its body and
// records a LoopContext shared by every member node.
func (w *Workflow) deriveLoops() error {
	claimedStarts := make(map[string]string)
	claimedEnds := make(map[string]string)

	loopIDs := make([]string, 0)
	for id, n := range w.Nodes {
		if n.Type == NodeLoop {
			loopIDs = append(loopIDs, id)
		}
	}
	sort.Strings(loopIDs)

	for _, loopID := range loopIDs {
		lc, err := w.deriveLoop(loopID)
		if err != nil {
			return err
		}
		if owner, taken := claimedStarts[lc.StartSentinelID]; taken {
			return fmt.Errorf("%w: loop-start %q shared by loops %q and %q", ErrInvalidGraph, lc.StartSentinelID, owner, loopID)
		}
		if owner, taken := claimedEnds[lc.EndSentinelID]; taken {
			return fmt.Errorf("%w: loop-end %q shared by loops %q and %q", ErrInvalidGraph, lc.EndSentinelID, owner, loopID)
		}
		claimedStarts[lc.StartSentinelID] = loopID
		claimedEnds[lc.EndSentinelID] = loopID
		w.LoopContexts[loopID] = lc
	}

	// orphaned sentinels are almost always a wiring mistake
	for id, n := range w.Nodes {
		switch n.Type {
		case NodeLoopStart:
			if _, ok := claimedStarts[id]; !ok {
				return fmt.Errorf("%w: loop-start %q does not belong to any loop", ErrInvalidGraph, id)
			}
		case NodeLoopEnd:
			if _, ok := claimedEnds[id]; !ok {
				return fmt.Errorf("%w: loop-end %q does not belong to any loop", ErrInvalidGraph, id)
			}
		}
	}

	w.assignLoopMembership()
	return nil
}

func (w *Workflow) deriveLoop(loopID string) (*LoopContext, error) {
	node := w.Nodes[loopID]

	var startID string
	for _, e := range w.outgoing[loopID] {
		if e.HandleType == HandleLoopBody {
			if startID != "" {
				return nil, fmt.Errorf("%w: loop %q has multiple loop-body edges", ErrInvalidGraph, loopID)
			}
			startID = e.Target
		}
	}
	if startID == "" {
		return nil, fmt.Errorf("%w: loop %q has no loop-body edge", ErrInvalidGraph, loopID)
	}
	if w.Nodes[startID].Type != NodeLoopStart {
		return nil, fmt.Errorf("%w: loop %q body edge targets %q which is not a loop-start", ErrInvalidGraph, loopID, startID)
	}

	var endID string
	for _, e := range w.incoming[startID] {
		if e.HandleType == HandleLoopBack {
			if w.Nodes[e.Source].Type != NodeLoopEnd {
				return nil, fmt.Errorf("%w: loop-back into %q originates from %q which is not a loop-end", ErrInvalidGraph, startID, e.Source)
			}
			if endID != "" {
				return nil, fmt.Errorf("%w: loop %q has multiple loop-back edges", ErrInvalidGraph, loopID)
			}
			endID = e.Source
		}
	}
	if endID == "" {
		return nil, fmt.Errorf("%w: loop %q has no loop-back edge into %q", ErrInvalidGraph, loopID, startID)
	}

	body, err := w.walkLoopBody(loopID, startID, endID)
	if err != nil {
		return nil, err
	}

	lc := &LoopContext{
		LoopNodeID:        loopID,
		StartSentinelID:   startID,
		EndSentinelID:     endID,
		BodyNodes:         body,
		IterationVariable: configString(node.Config, "iterationVariable", loopID+"_iteration"),
		ItemVariable:      configString(node.Config, "itemVariable", loopID+"_item"),
		MaxIterations:     configInt(node.Config, "maxIterations", 100),
		IterateOver:       configString(node.Config, "iterateOver", ""),
	}
	if lc.MaxIterations < 1 {
		return nil, fmt.Errorf("%w: loop %q maxIterations must be at least 1", ErrInvalidGraph, loopID)
	}
	return lc, nil
}

// walkLoopBody collects every node reachable from the start sentinel before
// the end sentinel. The end sentinel bounds the walk; its loop-exit and
// loop-complete edges leave the loop and are not followed.
func (w *Workflow) walkLoopBody(loopID, startID, endID string) ([]string, error) {
	visited := map[string]bool{startID: true}
	stack := []string{startID}
	foundEnd := false

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == endID {
			foundEnd = true
			continue
		}
		for _, e := range w.outgoing[cur] {
			if e.HandleType == HandleLoopBack {
				continue
			}
			if e.Target == loopID {
				return nil, fmt.Errorf("%w: loop %q body re-enters the loop node", ErrInvalidGraph, loopID)
			}
			if visited[e.Target] {
				continue
			}
			visited[e.Target] = true
			stack = append(stack, e.Target)
		}
	}
	if !foundEnd {
		return nil, fmt.Errorf("%w: loop %q body never reaches its loop-end %q", ErrInvalidGraph, loopID, endID)
	}

	body := make([]string, 0, len(visited))
	for id := range visited {
		if id != endID {
			body = append(body, id)
		}
	}
	sort.Strings(body)
	return body, nil
}

// assignLoopMembership points each node at its innermost enclosing loop
func (w *Workflow) assignLoopMembership() {
	for _, lc := range w.LoopContexts {
		members := append([]string{lc.EndSentinelID}, lc.BodyNodes...)
		for _, id := range members {
			n := w.Nodes[id]
			if n.Loop == nil || len(lc.BodyNodes) < len(n.Loop.BodyNodes) {
				n.Loop = lc
			}
		}
	}
	// a loop node belongs to the loop that encloses it, not its own
	for _, lc := range w.LoopContexts {
		w.Nodes[lc.LoopNodeID].Loop = w.enclosingLoop(lc)
	}
}

func (w *Workflow) enclosingLoop(inner *LoopContext) *LoopContext {
	var best *LoopContext
	for _, lc := range w.LoopContexts {
		if lc == inner {
			continue
		}
		if contains(lc.BodyNodes, inner.LoopNodeID) {
			if best == nil || len(lc.BodyNodes) < len(best.BodyNodes) {
				best = lc
			}
		}
	}
	return best
}

// detectCycles runs a coloured DFS over dependency edges. Loop-back edges
// are excluded when wiring dependencies, so any remaining cycle is an error.
func (w *Workflow) detectCycles() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(w.Nodes))

	ids := make([]string, 0, len(w.Nodes))
	for id := range w.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var path []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		path = append(path, id)
		for _, dep := range w.Nodes[id].Dependents {
			switch color[dep] {
			case grey:
				return fmt.Errorf("%w: cycle detected: %s", ErrInvalidGraph, cycleString(path, dep))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func cycleString(path []string, repeat string) string {
	start := 0
	for i, id := range path {
		if id == repeat {
			start = i
			break
		}
	}
	out := ""
	for _, id := range path[start:] {
		out += id + " -> "
	}
	return out + repeat
}

// validateReachability requires every node to be reachable from the entry;
// an unreachable node would pend forever and deadlock the run.
func (w *Workflow) validateReachability() error {
	reached := map[string]bool{w.TriggerNodeID: true}
	stack := []string{w.TriggerNodeID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range w.outgoing[cur] {
			if e.HandleType == HandleLoopBack || reached[e.Target] {
				continue
			}
			reached[e.Target] = true
			stack = append(stack, e.Target)
		}
	}

	missing := make([]string, 0)
	for id := range w.Nodes {
		if !reached[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: nodes unreachable from entry %q: %v", ErrInvalidGraph, w.TriggerNodeID, missing)
	}
	return nil
}

// computeDepths assigns each node the length of the longest dependency
// chain from the entry, via Kahn's ordering.
func (w *Workflow) computeDepths() {
	indegree := make(map[string]int, len(w.Nodes))
	for id, n := range w.Nodes {
		indegree[id] = len(n.Dependencies)
	}

	queue := make([]string, 0)
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range w.Nodes[cur].Dependents {
			child := w.Nodes[dep]
			if w.Nodes[cur].Depth+1 > child.Depth {
				child.Depth = w.Nodes[cur].Depth + 1
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
}

func (w *Workflow) buildLevels() {
	maxDepth := 0
	for _, n := range w.Nodes {
		if n.Depth > maxDepth {
			maxDepth = n.Depth
		}
	}
	levels := make([][]string, maxDepth+1)
	for id, n := range w.Nodes {
		levels[n.Depth] = append(levels[n.Depth], id)
	}
	for _, level := range levels {
		sort.Strings(level)
	}
	w.ExecutionLevels = levels
}

func (w *Workflow) collectOutputs() {
	outs := make([]string, 0)
	for id, n := range w.Nodes {
		if n.Type == NodeOutput {
			outs = append(outs, id)
		}
	}
	sort.Strings(outs)
	w.OutputNodeIDs = outs
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func configString(cfg map[string]interface{}, key, fallback string) string {
	if cfg == nil {
		return fallback
	}
	if s, ok := cfg[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func configInt(cfg map[string]interface{}, key string, fallback int) int {
	if cfg == nil {
		return fallback
	}
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}
