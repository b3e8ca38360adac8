package graph

import "slices"

// Diff is the structural delta between two graph versions. Added and
// updated elements carry their full value; removed elements are listed
// by id. A Diff is computed once per reconcile and discarded after
// broadcast.
type Diff struct {
	AddedNodes   []*EntityNode   `json:"added_nodes,omitempty"`
	UpdatedNodes []*EntityNode   `json:"updated_nodes,omitempty"`
	RemovedNodes []string        `json:"removed_nodes,omitempty"`
	AddedEdges   []*RelationEdge `json:"added_edges,omitempty"`
	UpdatedEdges []*RelationEdge `json:"updated_edges,omitempty"`
	RemovedEdges []string        `json:"removed_edges,omitempty"`
}

// Empty reports whether the diff carries no changes at all.
func (d *Diff) Empty() bool {
	return len(d.AddedNodes) == 0 &&
		len(d.UpdatedNodes) == 0 &&
		len(d.RemovedNodes) == 0 &&
		len(d.AddedEdges) == 0 &&
		len(d.UpdatedEdges) == 0 &&
		len(d.RemovedEdges) == 0
}

// Changes returns the total number of changed elements.
func (d *Diff) Changes() (added, updated, removed int) {
	added = len(d.AddedNodes) + len(d.AddedEdges)
	updated = len(d.UpdatedNodes) + len(d.UpdatedEdges)
	removed = len(d.RemovedNodes) + len(d.RemovedEdges)
	return added, updated, removed
}

// Compare computes the diff that turns the old graph into the new one.
// Elements are compared by id and then by field equality; all result
// slices are sorted by id so the diff itself is deterministic.
func Compare(old, new *MergedGraph) *Diff {
	d := &Diff{}

	for id, n := range new.Nodes {
		prev, ok := old.Nodes[id]
		switch {
		case !ok:
			d.AddedNodes = append(d.AddedNodes, n)
		case !nodeEqual(prev, n):
			d.UpdatedNodes = append(d.UpdatedNodes, n)
		}
	}
	for id := range old.Nodes {
		if _, ok := new.Nodes[id]; !ok {
			d.RemovedNodes = append(d.RemovedNodes, id)
		}
	}

	for id, e := range new.Edges {
		prev, ok := old.Edges[id]
		switch {
		case !ok:
			d.AddedEdges = append(d.AddedEdges, e)
		case !edgeEqual(prev, e):
			d.UpdatedEdges = append(d.UpdatedEdges, e)
		}
	}
	for id := range old.Edges {
		if _, ok := new.Edges[id]; !ok {
			d.RemovedEdges = append(d.RemovedEdges, id)
		}
	}

	sortNodes := func(nodes []*EntityNode) {
		slices.SortFunc(nodes, func(a, b *EntityNode) int {
			return cmpString(a.ID, b.ID)
		})
	}
	sortEdges := func(edges []*RelationEdge) {
		slices.SortFunc(edges, func(a, b *RelationEdge) int {
			return cmpString(a.ID, b.ID)
		})
	}

	sortNodes(d.AddedNodes)
	sortNodes(d.UpdatedNodes)
	slices.Sort(d.RemovedNodes)
	sortEdges(d.AddedEdges)
	sortEdges(d.UpdatedEdges)
	slices.Sort(d.RemovedEdges)

	return d
}
