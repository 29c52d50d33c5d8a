// Package graph turns a run's task list into a layered drawing and computes
// hover highlighting over it.
package graph

import (
	"fmt"

	"github.com/theirongolddev/runwatch/internal/task"
)

// Direction is the primary axis ranks are packed along.
type Direction string

const (
	LeftToRight Direction = "LR"
	TopToBottom Direction = "TB"
)

// Options controls node footprint and spacing.
type Options struct {
	NodeWidth  int       `toml:"node_width" json:"node_width" yaml:"node_width"`
	NodeHeight int       `toml:"node_height" json:"node_height" yaml:"node_height"`
	RankGap    int       `toml:"rank_gap" json:"rank_gap" yaml:"rank_gap"`
	NodeGap    int       `toml:"node_gap" json:"node_gap" yaml:"node_gap"`
	Direction  Direction `toml:"direction" json:"direction" yaml:"direction"`
}

// DefaultOptions returns a 180x60 footprint laid out left to right.
func DefaultOptions() Options {
	return Options{
		NodeWidth:  180,
		NodeHeight: 60,
		RankGap:    80,
		NodeGap:    40,
		Direction:  LeftToRight,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.NodeWidth <= 0 {
		o.NodeWidth = d.NodeWidth
	}
	if o.NodeHeight <= 0 {
		o.NodeHeight = d.NodeHeight
	}
	if o.RankGap < 0 {
		o.RankGap = d.RankGap
	}
	if o.NodeGap < 0 {
		o.NodeGap = d.NodeGap
	}
	if o.Direction != TopToBottom {
		o.Direction = LeftToRight
	}
	return o
}

// Node is one positioned task.
type Node struct {
	ID    string    `json:"id" yaml:"id"`
	Rank  int       `json:"rank" yaml:"rank"`
	Order int       `json:"order" yaml:"order"`
	X     int       `json:"x" yaml:"x"`
	Y     int       `json:"y" yaml:"y"`
	Task  task.Task `json:"task" yaml:"task"`
}

// Edge is a dependency Source -> Target between two tasks in the set.
type Edge struct {
	ID       string `json:"id" yaml:"id"`
	Source   string `json:"source" yaml:"source"`
	Target   string `json:"target" yaml:"target"`
	Animated bool   `json:"animated" yaml:"animated"`
}

// Anomaly is a tolerated defect in the input, reported for diagnostics.
type Anomaly struct {
	Type    string   `json:"type" yaml:"type"` // cycle, missing_dep
	Tasks   []string `json:"tasks" yaml:"tasks"`
	Message string   `json:"message" yaml:"message"`
}

// Layout is the result of Compute. It is never modified after it is
// returned; a change to the task set produces a new Layout.
type Layout struct {
	Nodes        []Node              `json:"nodes" yaml:"nodes"`
	Edges        []Edge              `json:"edges" yaml:"edges"`
	Ranks        [][]string          `json:"ranks" yaml:"ranks"`
	Cycles       []string            `json:"cycles,omitempty" yaml:"cycles,omitempty"`
	Dangling     map[string][]string `json:"dangling,omitempty" yaml:"dangling,omitempty"`
	CriticalPath []string            `json:"critical_path,omitempty" yaml:"critical_path,omitempty"`
	Width        int                 `json:"width" yaml:"width"`
	Height       int                 `json:"height" yaml:"height"`
	Options      Options             `json:"options" yaml:"options"`

	index map[string]int
}

// Node looks up a node by task id.
func (l Layout) Node(id string) (Node, bool) {
	i, ok := l.index[id]
	if !ok {
		return Node{}, false
	}
	return l.Nodes[i], true
}

// Has reports whether id is in the layout.
func (l Layout) Has(id string) bool {
	_, ok := l.index[id]
	return ok
}

// Anomalies lists cycles and dangling dependencies in input order.
func (l Layout) Anomalies() []Anomaly {
	var out []Anomaly
	if len(l.Cycles) > 0 {
		out = append(out, Anomaly{
			Type:    "cycle",
			Tasks:   l.Cycles,
			Message: fmt.Sprintf("circular dependency among %v; placed at rank 0", l.Cycles),
		})
	}
	for _, n := range l.Nodes {
		if missing, ok := l.Dangling[n.ID]; ok {
			out = append(out, Anomaly{
				Type:    "missing_dep",
				Tasks:   append([]string{n.ID}, missing...),
				Message: fmt.Sprintf("task %q depends on unknown %v", n.ID, missing),
			})
		}
	}
	return out
}

// EdgeID is the stable identifier of the edge source -> target.
func EdgeID(source, target string) string {
	return source + "->" + target
}

// Compute lays out tasks. Tasks keep their input order within a rank; a task
// id seen twice keeps its first occurrence. Dangling dependencies and cycles
// never fail: the former are dropped, members of the latter go to rank 0.
func Compute(tasks []task.Task, opts Options) Layout {
	opts = opts.withDefaults()

	// unique tasks in input order
	index := make(map[string]int, len(tasks))
	nodes := make([]Node, 0, len(tasks))
	for _, t := range tasks {
		if _, dup := index[t.ID]; dup {
			continue
		}
		index[t.ID] = len(nodes)
		nodes = append(nodes, Node{ID: t.ID, Task: t.Clone()})
	}
	n := len(nodes)

	// edges in target order, then depends_on order
	var edges []Edge
	preds := make([][]int, n)
	succs := make([][]int, n)
	selfLoop := make([]bool, n)
	dangling := map[string][]string{}
	for ti := range nodes {
		seen := map[string]bool{}
		for _, dep := range nodes[ti].Task.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			di, ok := index[dep]
			if !ok {
				dangling[nodes[ti].ID] = append(dangling[nodes[ti].ID], dep)
				continue
			}
			if di == ti {
				selfLoop[ti] = true
			}
			edges = append(edges, Edge{
				ID:       EdgeID(dep, nodes[ti].ID),
				Source:   dep,
				Target:   nodes[ti].ID,
				Animated: nodes[ti].Task.Status == task.StatusActive,
			})
			preds[ti] = append(preds[ti], di)
			succs[di] = append(succs[di], ti)
		}
	}

	cyclic := cycleMembers(succs, selfLoop)

	// longest path over edges whose target is not in a cycle
	rank := make([]int, n)
	indeg := make([]int, n)
	for v := range nodes {
		if cyclic[v] {
			continue
		}
		indeg[v] = len(preds[v])
	}
	queue := make([]int, 0, n)
	for v := range nodes {
		if indeg[v] == 0 {
			queue = append(queue, v)
		}
	}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range succs[u] {
			if cyclic[v] {
				continue
			}
			if rank[u]+1 > rank[v] {
				rank[v] = rank[u] + 1
			}
			indeg[v]--
			if indeg[v] == 0 {
				queue = append(queue, v)
			}
		}
	}

	// group by rank keeping input order
	maxRank := -1
	for v := range nodes {
		if rank[v] > maxRank {
			maxRank = rank[v]
		}
	}
	ranks := make([][]string, maxRank+1)
	for v := range nodes {
		r := rank[v]
		nodes[v].Rank = r
		nodes[v].Order = len(ranks[r])
		ranks[r] = append(ranks[r], nodes[v].ID)
	}

	widest := 0
	for _, ids := range ranks {
		if len(ids) > widest {
			widest = len(ids)
		}
	}
	for v := range nodes {
		nodes[v].X, nodes[v].Y = position(opts, nodes[v].Rank, nodes[v].Order)
	}

	var cycles []string
	for v := range nodes {
		if cyclic[v] {
			cycles = append(cycles, nodes[v].ID)
		}
	}
	if len(dangling) == 0 {
		dangling = nil
	}

	layout := Layout{
		Nodes:        nodes,
		Edges:        edges,
		Ranks:        ranks,
		Cycles:       cycles,
		Dangling:     dangling,
		CriticalPath: criticalPath(nodes, preds, rank),
		Options:      opts,
		index:        index,
	}
	layout.Width, layout.Height = extent(opts, len(ranks), widest)
	return layout
}

// position maps (rank, order) to the top-left corner of a node.
func position(o Options, rank, order int) (x, y int) {
	along := rank * (o.nodeAlong() + o.RankGap)
	across := order * (o.nodeAcross() + o.NodeGap)
	if o.Direction == TopToBottom {
		return across, along
	}
	return along, across
}

func extent(o Options, ranks, widest int) (w, h int) {
	if ranks == 0 {
		return 0, 0
	}
	along := ranks*o.nodeAlong() + (ranks-1)*o.RankGap
	across := widest*o.nodeAcross() + (widest-1)*o.NodeGap
	if o.Direction == TopToBottom {
		return across, along
	}
	return along, across
}

func (o Options) nodeAlong() int {
	if o.Direction == TopToBottom {
		return o.NodeHeight
	}
	return o.NodeWidth
}

func (o Options) nodeAcross() int {
	if o.Direction == TopToBottom {
		return o.NodeWidth
	}
	return o.NodeHeight
}

// cycleMembers marks nodes in a strongly connected component of size > 1 or
// with a self dependency (Tarjan).
func cycleMembers(succs [][]int, selfLoop []bool) []bool {
	n := len(succs)
	out := make([]bool, n)
	idx := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range idx {
		idx[i] = -1
	}
	var stack []int
	next := 0

	var connect func(v int)
	connect = func(v int) {
		idx[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range succs[v] {
			if idx[w] == -1 {
				connect(w)
				if low[w] < low[v] {
					low[v] = low[w]
				}
			} else if onStack[w] && idx[w] < low[v] {
				low[v] = idx[w]
			}
		}

		if low[v] == idx[v] {
			var comp []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			if len(comp) > 1 {
				for _, w := range comp {
					out[w] = true
				}
			}
		}
	}

	for v := 0; v < n; v++ {
		if idx[v] == -1 {
			connect(v)
		}
	}
	for v, self := range selfLoop {
		if self {
			out[v] = true
		}
	}
	return out
}

// criticalPath returns one longest ranking chain, source first. Ties go to
// the earliest task in input order.
func criticalPath(nodes []Node, preds [][]int, rank []int) []string {
	if len(nodes) == 0 {
		return nil
	}
	end := 0
	for v := range nodes {
		if rank[v] > rank[end] {
			end = v
		}
	}
	path := []string{nodes[end].ID}
	for v := end; rank[v] > 0; {
		prev := -1
		for _, u := range preds[v] {
			if rank[u] == rank[v]-1 && (prev == -1 || u < prev) {
				prev = u
			}
		}
		if prev == -1 {
			break
		}
		path = append(path, nodes[prev].ID)
		v = prev
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
