// Package graph provides the merged knowledge graph and the pure
// algorithms that build and compare it.
//
// A MergedGraph is a versioned, immutable snapshot: every reconcile
// pass builds a fresh instance from scratch and the broker swaps it in
// atomically. Nothing in this package mutates a graph after Merge
// returns it.
package graph

import (
	"fmt"
	"slices"
	"time"
)

// EntityNode is a merged, deduplicated entity. Identity is the id;
// ids are unique within a MergedGraph.
type EntityNode struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	// Scenes lists every scene the entity was observed in, sorted.
	Scenes []string `json:"scenes"`
}

// RelationEdge is a merged, deduplicated relation. Identity is the
// (subject, relation, object) triple; ID is derived from it.
type RelationEdge struct {
	ID         string  `json:"id"`
	Subject    string  `json:"subject"`
	Relation   string  `json:"relation"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
	// Scenes lists every scene the relation was observed in, sorted.
	Scenes []string `json:"scenes"`
}

// Scene is the per-record metadata carried alongside the graph.
type Scene struct {
	SceneID       string `json:"scene_id"`
	UserID        string `json:"user_id"`
	GeneratedAt   string `json:"generated_at"`
	PromptVersion string `json:"prompt_version"`
}

// MergedGraph is the canonical graph at one version. Version 0 is the
// empty graph that exists before the first successful reconcile.
type MergedGraph struct {
	Version int64
	Nodes   map[string]*EntityNode
	Edges   map[string]*RelationEdge
	Scenes  map[string]Scene
}

// Stats summarizes a MergedGraph for the stats endpoint and the push
// protocol.
type Stats struct {
	TotalScenes    int            `json:"total_scenes"`
	TotalEntities  int            `json:"total_entities"`
	TotalRelations int            `json:"total_relations"`
	EntityTypes    map[string]int `json:"entity_types"`
	RelationTypes  map[string]int `json:"relation_types"`
	Version        int64          `json:"version"`
	LoadedAt       time.Time      `json:"loaded_at"`
}

// EdgeID derives the stable edge identifier from the relation triple.
// The id survives reconciles unchanged as long as the triple does,
// which is what makes diffs between versions meaningful.
func EdgeID(subject, relation, object string) string {
	return fmt.Sprintf("%s|%s|%s", subject, relation, object)
}

// Empty returns the version-0 graph.
func Empty() *MergedGraph {
	return &MergedGraph{
		Nodes:  map[string]*EntityNode{},
		Edges:  map[string]*RelationEdge{},
		Scenes: map[string]Scene{},
	}
}

// Stats computes summary statistics. loadedAt is the time the graph
// was installed as canonical.
func (g *MergedGraph) Stats(loadedAt time.Time) *Stats {
	entityTypes := make(map[string]int)
	for _, n := range g.Nodes {
		entityTypes[n.Type]++
	}

	relationTypes := make(map[string]int)
	for _, e := range g.Edges {
		relationTypes[e.Relation]++
	}

	return &Stats{
		TotalScenes:    len(g.Scenes),
		TotalEntities:  len(g.Nodes),
		TotalRelations: len(g.Edges),
		EntityTypes:    entityTypes,
		RelationTypes:  relationTypes,
		Version:        g.Version,
		LoadedAt:       loadedAt,
	}
}

// NodeList returns all nodes sorted by id.
func (g *MergedGraph) NodeList() []*EntityNode {
	nodes := make([]*EntityNode, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, n)
	}
	slices.SortFunc(nodes, func(a, b *EntityNode) int {
		return cmpString(a.ID, b.ID)
	})
	return nodes
}

// EdgeList returns all edges sorted by id.
func (g *MergedGraph) EdgeList() []*RelationEdge {
	edges := make([]*RelationEdge, 0, len(g.Edges))
	for _, e := range g.Edges {
		edges = append(edges, e)
	}
	slices.SortFunc(edges, func(a, b *RelationEdge) int {
		return cmpString(a.ID, b.ID)
	})
	return edges
}

// SceneList returns all scenes sorted by scene id.
func (g *MergedGraph) SceneList() []Scene {
	scenes := make([]Scene, 0, len(g.Scenes))
	for _, s := range g.Scenes {
		scenes = append(scenes, s)
	}
	slices.SortFunc(scenes, func(a, b Scene) int {
		return cmpString(a.SceneID, b.SceneID)
	})
	return scenes
}

// EdgesFor returns the edges that reference the given entity id as
// subject or object, sorted by id.
func (g *MergedGraph) EdgesFor(entityID string) []*RelationEdge {
	var edges []*RelationEdge
	for _, e := range g.Edges {
		if e.Subject == entityID || e.Object == entityID {
			edges = append(edges, e)
		}
	}
	slices.SortFunc(edges, func(a, b *RelationEdge) int {
		return cmpString(a.ID, b.ID)
	})
	return edges
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func nodeEqual(a, b *EntityNode) bool {
	return a.ID == b.ID &&
		a.Type == b.Type &&
		a.Confidence == b.Confidence &&
		slices.Equal(a.Scenes, b.Scenes)
}

func edgeEqual(a, b *RelationEdge) bool {
	return a.ID == b.ID &&
		a.Subject == b.Subject &&
		a.Relation == b.Relation &&
		a.Object == b.Object &&
		a.Confidence == b.Confidence &&
		slices.Equal(a.Scenes, b.Scenes)
}
