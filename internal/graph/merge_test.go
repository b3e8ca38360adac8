package graph

import (
	"fmt"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/changshengEVA/M-Agent/internal/record"
)

func rec(scene string, entities []record.EntityObservation, relations []record.RelationObservation) *record.FactRecord {
	return &record.FactRecord{
		SceneID: scene,
		UserID:  "u1",
		Facts: record.Facts{
			Entities:  entities,
			Relations: relations,
		},
	}
}

func ent(id, typ string, conf float64) record.EntityObservation {
	return record.EntityObservation{ID: id, Type: typ, Confidence: conf}
}

func rel(subj, relation, obj string, conf float64) record.RelationObservation {
	return record.RelationObservation{Subject: subj, Relation: relation, Object: obj, Confidence: conf}
}

func TestMerge_MaxConfidenceAndSceneUnion(t *testing.T) {
	records := []*record.FactRecord{
		rec("scene_000001", []record.EntityObservation{ent("ZQR", "person", 0.6)}, nil),
		rec("scene_000002", []record.EntityObservation{ent("ZQR", "person", 0.9)}, nil),
		rec("scene_000003", []record.EntityObservation{ent("ZQR", "person", 0.75)}, nil),
	}

	g := Merge(records)

	node := g.Nodes["ZQR"]
	if node == nil {
		t.Fatal("Node ZQR missing")
	}
	if node.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", node.Confidence)
	}
	want := []string{"scene_000001", "scene_000002", "scene_000003"}
	if !slices.Equal(node.Scenes, want) {
		t.Errorf("Scenes = %v, want %v", node.Scenes, want)
	}
}

func TestMerge_TwoRecords(t *testing.T) {
	a := rec("scene_000001", []record.EntityObservation{ent("ZQR", "person", 1.0)}, nil)
	b := rec("scene_000002", []record.EntityObservation{
		ent("ZQR", "person", 0.8),
		ent("PKU", "organization", 0.9),
	}, nil)

	g := Merge([]*record.FactRecord{a, b})

	if len(g.Nodes) != 2 {
		t.Fatalf("Expected 2 nodes, got %d", len(g.Nodes))
	}

	zqr := g.Nodes["ZQR"]
	if zqr.Confidence != 1.0 {
		t.Errorf("ZQR confidence = %v, want 1.0", zqr.Confidence)
	}
	if !slices.Equal(zqr.Scenes, []string{"scene_000001", "scene_000002"}) {
		t.Errorf("ZQR scenes = %v", zqr.Scenes)
	}

	pku := g.Nodes["PKU"]
	if pku.Confidence != 0.9 {
		t.Errorf("PKU confidence = %v, want 0.9", pku.Confidence)
	}
	if !slices.Equal(pku.Scenes, []string{"scene_000002"}) {
		t.Errorf("PKU scenes = %v", pku.Scenes)
	}
}

func TestMerge_TypeFromWinningObservation(t *testing.T) {
	records := []*record.FactRecord{
		rec("scene_000001", []record.EntityObservation{ent("X", "place", 0.5)}, nil),
		rec("scene_000002", []record.EntityObservation{ent("X", "person", 0.9)}, nil),
	}

	g := Merge(records)
	if g.Nodes["X"].Type != "person" {
		t.Errorf("Type = %q, want type of highest-confidence observation", g.Nodes["X"].Type)
	}
}

func TestMerge_EqualConfidenceTieBreak(t *testing.T) {
	// Equal confidence: the lexicographically smallest scene id wins.
	records := []*record.FactRecord{
		rec("scene_000002", []record.EntityObservation{ent("X", "organization", 0.8)}, nil),
		rec("scene_000001", []record.EntityObservation{ent("X", "person", 0.8)}, nil),
	}

	g := Merge(records)
	if g.Nodes["X"].Type != "person" {
		t.Errorf("Type = %q, want %q (smallest scene id wins the tie)", g.Nodes["X"].Type, "person")
	}
	if g.Nodes["X"].Confidence != 0.8 {
		t.Errorf("Confidence = %v, want 0.8", g.Nodes["X"].Confidence)
	}
}

func TestMerge_RelationDeduplication(t *testing.T) {
	records := []*record.FactRecord{
		rec("scene_000001",
			[]record.EntityObservation{ent("A", "person", 1.0), ent("B", "person", 1.0)},
			[]record.RelationObservation{rel("A", "knows", "B", 0.5)}),
		rec("scene_000002",
			[]record.EntityObservation{ent("A", "person", 1.0), ent("B", "person", 1.0)},
			[]record.RelationObservation{rel("A", "knows", "B", 0.8)}),
	}

	g := Merge(records)

	if len(g.Edges) != 1 {
		t.Fatalf("Expected 1 deduplicated edge, got %d", len(g.Edges))
	}
	edge := g.Edges[EdgeID("A", "knows", "B")]
	if edge == nil {
		t.Fatal("Edge A|knows|B missing")
	}
	if edge.Confidence != 0.8 {
		t.Errorf("Edge confidence = %v, want max 0.8", edge.Confidence)
	}
	if !slices.Equal(edge.Scenes, []string{"scene_000001", "scene_000002"}) {
		t.Errorf("Edge scenes = %v", edge.Scenes)
	}
}

func TestMerge_ReferentialIntegrity(t *testing.T) {
	// B is never observed as an entity, so the edge must be held back.
	withoutB := []*record.FactRecord{
		rec("scene_000001",
			[]record.EntityObservation{ent("A", "person", 1.0)},
			[]record.RelationObservation{rel("A", "knows", "B", 0.9)}),
	}

	g := Merge(withoutB)
	if len(g.Edges) != 0 {
		t.Fatalf("Edge with missing object must not materialize, got %d edges", len(g.Edges))
	}

	// Once a record introduces B, the next merge includes the edge.
	withB := append(withoutB,
		rec("scene_000002", []record.EntityObservation{ent("B", "person", 0.7)}, nil))

	g = Merge(withB)
	if len(g.Edges) != 1 {
		t.Fatalf("Edge should appear once both endpoints exist, got %d edges", len(g.Edges))
	}
	if g.Edges[EdgeID("A", "knows", "B")] == nil {
		t.Error("Edge A|knows|B missing after endpoint appeared")
	}
}

func TestMerge_Deterministic(t *testing.T) {
	base := []*record.FactRecord{
		rec("scene_000003",
			[]record.EntityObservation{ent("A", "person", 0.8), ent("C", "place", 0.6)},
			[]record.RelationObservation{rel("A", "visits", "C", 0.7)}),
		rec("scene_000001",
			[]record.EntityObservation{ent("A", "robot", 0.8), ent("B", "person", 0.9)},
			[]record.RelationObservation{rel("A", "knows", "B", 0.5)}),
		rec("scene_000002",
			[]record.EntityObservation{ent("B", "person", 0.4)},
			[]record.RelationObservation{rel("A", "knows", "B", 0.5)}),
	}

	want := Merge(base)

	// Every permutation of the input must produce identical maps.
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, p := range perms {
		shuffled := []*record.FactRecord{base[p[0]], base[p[1]], base[p[2]]}
		got := Merge(shuffled)
		if !reflect.DeepEqual(want.Nodes, got.Nodes) {
			t.Fatalf("Node maps differ for permutation %v", p)
		}
		if !reflect.DeepEqual(want.Edges, got.Edges) {
			t.Fatalf("Edge maps differ for permutation %v", p)
		}
		if !reflect.DeepEqual(want.Scenes, got.Scenes) {
			t.Fatalf("Scene maps differ for permutation %v", p)
		}
	}

	// The tie on "A" (0.8 in scene_000001 and scene_000003) must have
	// gone to the smaller scene id.
	if want.Nodes["A"].Type != "robot" {
		t.Errorf("A type = %q, want %q from scene_000001", want.Nodes["A"].Type, "robot")
	}
}

func TestMerge_NoDuplicateIDs(t *testing.T) {
	var records []*record.FactRecord
	for i := 0; i < 5; i++ {
		scene := fmt.Sprintf("scene_%06d", i)
		records = append(records, rec(scene,
			[]record.EntityObservation{ent("A", "person", 0.5), ent("B", "person", 0.5)},
			[]record.RelationObservation{rel("A", "knows", "B", 0.5)}))
	}

	g := Merge(records)

	// Map keys enforce uniqueness; verify the ids inside agree with the keys.
	for id, n := range g.Nodes {
		if n.ID != id {
			t.Errorf("Node key %q carries id %q", id, n.ID)
		}
	}
	for id, e := range g.Edges {
		if e.ID != id {
			t.Errorf("Edge key %q carries id %q", id, e.ID)
		}
		if EdgeID(e.Subject, e.Relation, e.Object) != id {
			t.Errorf("Edge id %q does not match its triple", id)
		}
	}
	if len(g.Nodes) != 2 || len(g.Edges) != 1 {
		t.Errorf("Expected 2 nodes and 1 edge, got %d and %d", len(g.Nodes), len(g.Edges))
	}
}

func TestMerge_SceneMetadata(t *testing.T) {
	r := rec("scene_000001", nil, nil)
	r.GeneratedAt = "2025-01-01T00:00:00Z"
	r.PromptVersion = "v3"

	g := Merge([]*record.FactRecord{r})

	s, ok := g.Scenes["scene_000001"]
	if !ok {
		t.Fatal("Scene metadata missing")
	}
	if s.UserID != "u1" || s.GeneratedAt != "2025-01-01T00:00:00Z" || s.PromptVersion != "v3" {
		t.Errorf("Unexpected scene metadata: %+v", s)
	}
}

func TestStats(t *testing.T) {
	g := Merge([]*record.FactRecord{
		rec("scene_000001",
			[]record.EntityObservation{ent("A", "person", 1.0), ent("B", "person", 0.9), ent("C", "place", 0.8)},
			[]record.RelationObservation{rel("A", "knows", "B", 0.5), rel("A", "visits", "C", 0.6)}),
	})
	g.Version = 7

	loadedAt := time.Now()
	stats := g.Stats(loadedAt)

	if stats.TotalScenes != 1 || stats.TotalEntities != 3 || stats.TotalRelations != 2 {
		t.Errorf("Totals = %d/%d/%d, want 1/3/2",
			stats.TotalScenes, stats.TotalEntities, stats.TotalRelations)
	}
	if stats.EntityTypes["person"] != 2 || stats.EntityTypes["place"] != 1 {
		t.Errorf("EntityTypes = %v", stats.EntityTypes)
	}
	if stats.RelationTypes["knows"] != 1 || stats.RelationTypes["visits"] != 1 {
		t.Errorf("RelationTypes = %v", stats.RelationTypes)
	}
	if stats.Version != 7 {
		t.Errorf("Version = %d, want 7", stats.Version)
	}
	if !stats.LoadedAt.Equal(loadedAt) {
		t.Errorf("LoadedAt = %v, want %v", stats.LoadedAt, loadedAt)
	}
}
