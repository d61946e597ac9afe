// ABOUTME: Object graph the tracer walks: sizes, outgoing pointers and roots
// ABOUTME: Stands in for the real heap's pointer structure when deriving mark bits

package trace

// ObjID identifies an object in a graph. Zero means "no identity".
type ObjID uint64

// node is one object's entry in the graph
type node struct {
	size uint64
	ptrs []ObjID
}

// Graph is an object graph with a root set. It is not safe for concurrent
// mutation; tracing happens before sweeping starts.
type Graph struct {
	nodes map[ObjID]node
	roots []ObjID
}

// NewGraph creates an empty graph
func NewGraph() *Graph {
	return &Graph{nodes: make(map[ObjID]node)}
}

// Add records an object and the objects it points to. Adding an ID twice
// replaces the earlier entry.
func (g *Graph) Add(id ObjID, size uint64, ptrs ...ObjID) {
	g.nodes[id] = node{size: size, ptrs: ptrs}
}

// AddRoots appends to the root set
func (g *Graph) AddRoots(ids ...ObjID) {
	g.roots = append(g.roots, ids...)
}

// Has reports whether id is in the graph
func (g *Graph) Has(id ObjID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of objects
func (g *Graph) Len() int {
	return len(g.nodes)
}
