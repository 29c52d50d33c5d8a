package graph

// Highlight is the emphasis state for one hover target. Every slice follows
// layout order, so equal inputs give equal values.
type Highlight struct {
	Hovered     string   `json:"hovered,omitempty" yaml:"hovered,omitempty"`
	Nodes       []string `json:"nodes" yaml:"nodes"`
	Edges       []string `json:"edges" yaml:"edges"`
	DimmedNodes []string `json:"dimmed_nodes" yaml:"dimmed_nodes"`
	DimmedEdges []string `json:"dimmed_edges" yaml:"dimmed_edges"`

	dimNode map[string]bool
	dimEdge map[string]bool
	onNode  map[string]bool
}

// ComputeHighlight returns the edges incident to hovered, the nodes they
// touch (including hovered) and everything else as dimmed. An empty or
// unknown hovered id highlights and dims nothing.
func ComputeHighlight(layout Layout, hovered string) Highlight {
	h := Highlight{
		Nodes:       []string{},
		Edges:       []string{},
		DimmedNodes: []string{},
		DimmedEdges: []string{},
	}
	if hovered == "" || !layout.Has(hovered) {
		return h
	}
	h.Hovered = hovered
	h.dimNode = make(map[string]bool)
	h.dimEdge = make(map[string]bool)
	h.onNode = map[string]bool{hovered: true}

	for _, e := range layout.Edges {
		if e.Source == hovered || e.Target == hovered {
			h.Edges = append(h.Edges, e.ID)
			h.onNode[e.Source] = true
			h.onNode[e.Target] = true
		} else {
			h.DimmedEdges = append(h.DimmedEdges, e.ID)
			h.dimEdge[e.ID] = true
		}
	}
	for _, n := range layout.Nodes {
		if h.onNode[n.ID] {
			h.Nodes = append(h.Nodes, n.ID)
		} else {
			h.DimmedNodes = append(h.DimmedNodes, n.ID)
			h.dimNode[n.ID] = true
		}
	}
	return h
}

// Active reports whether a hover target is in effect.
func (h Highlight) Active() bool {
	return h.Hovered != ""
}

// NodeDimmed reports whether the node should be drawn dimmed.
func (h Highlight) NodeDimmed(id string) bool {
	return h.dimNode[id]
}

// EdgeDimmed reports whether the edge should be drawn dimmed.
func (h Highlight) EdgeDimmed(id string) bool {
	return h.dimEdge[id]
}

// NodeHighlighted reports whether the node is emphasised.
func (h Highlight) NodeHighlighted(id string) bool {
	return h.onNode[id]
}
