// ABOUTME: Breadth-first reachability from GC roots
// ABOUTME: Produces the mark set a tracing phase would leave behind for the sweeper

package trace

// Reachable returns the set of objects reachable from the graph's roots.
// Roots and pointers naming IDs that are not in the graph are ignored.
func (g *Graph) Reachable() map[ObjID]bool {
	marked := make(map[ObjID]bool)
	var queue []ObjID
	visit := func(id ObjID) {
		if marked[id] || !g.Has(id) {
			return
		}
		marked[id] = true
		queue = append(queue, id)
	}

	for _, id := range g.roots {
		visit(id)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, ptr := range g.nodes[id].ptrs {
			visit(ptr)
		}
	}
	return marked
}

// MarkedBytes sums the sizes of the objects in marked
func (g *Graph) MarkedBytes(marked map[ObjID]bool) uint64 {
	var total uint64
	for id := range marked {
		total += g.nodes[id].size
	}
	return total
}
