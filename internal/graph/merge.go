package graph

import (
	"slices"
	"strings"

	"github.com/changshengEVA/M-Agent/internal/record"
)

// entityAcc accumulates observations for one entity id during a merge.
type entityAcc struct {
	typ        string
	confidence float64
	// winScene is the scene of the observation that supplied typ and
	// confidence; it breaks confidence ties deterministically.
	winScene string
	scenes   map[string]struct{}
}

// relationAcc accumulates observations for one relation triple.
type relationAcc struct {
	subject    string
	relation   string
	object     string
	confidence float64
	winScene   string
	scenes     map[string]struct{}
}

// Merge builds a MergedGraph from the given records.
//
// Merge is pure and deterministic: the same record set always produces
// identical node and edge maps regardless of input order. Duplicate
// entities take the maximum confidence observed; the type comes from
// the winning observation, with confidence ties broken by the
// lexicographically smallest scene id. Relations merge the same way,
// keyed by their (subject, relation, object) triple.
//
// Relations whose subject or object is not among the merged entities
// are held back: they are simply absent from this graph and will be
// re-evaluated from their records on the next reconcile.
//
// The returned graph has Version 0; the broker assigns the real
// version when it installs the graph.
func Merge(records []*record.FactRecord) *MergedGraph {
	// Fold in a fixed order so ties resolve identically no matter how
	// the directory listing or the caller ordered the records.
	sorted := make([]*record.FactRecord, len(records))
	copy(sorted, records)
	slices.SortStableFunc(sorted, func(a, b *record.FactRecord) int {
		if c := strings.Compare(a.SceneID, b.SceneID); c != 0 {
			return c
		}
		if c := strings.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		return strings.Compare(a.GeneratedAt, b.GeneratedAt)
	})

	entities := make(map[string]*entityAcc)
	relations := make(map[string]*relationAcc)
	scenes := make(map[string]Scene)

	for _, rec := range sorted {
		if _, seen := scenes[rec.SceneID]; !seen {
			scenes[rec.SceneID] = Scene{
				SceneID:       rec.SceneID,
				UserID:        rec.UserID,
				GeneratedAt:   rec.GeneratedAt,
				PromptVersion: rec.PromptVersion,
			}
		}

		for _, obs := range rec.Facts.Entities {
			acc := entities[obs.ID]
			if acc == nil {
				acc = &entityAcc{
					typ:        obs.Type,
					confidence: obs.Confidence,
					winScene:   rec.SceneID,
					scenes:     make(map[string]struct{}),
				}
				entities[obs.ID] = acc
			} else if wins(obs.Confidence, rec.SceneID, obs.Type, acc.confidence, acc.winScene, acc.typ) {
				acc.typ = obs.Type
				acc.confidence = obs.Confidence
				acc.winScene = rec.SceneID
			}
			acc.scenes[rec.SceneID] = struct{}{}
		}

		for _, obs := range rec.Facts.Relations {
			id := EdgeID(obs.Subject, obs.Relation, obs.Object)
			acc := relations[id]
			if acc == nil {
				acc = &relationAcc{
					subject:    obs.Subject,
					relation:   obs.Relation,
					object:     obs.Object,
					confidence: obs.Confidence,
					winScene:   rec.SceneID,
					scenes:     make(map[string]struct{}),
				}
				relations[id] = acc
			} else if wins(obs.Confidence, rec.SceneID, "", acc.confidence, acc.winScene, "") {
				acc.confidence = obs.Confidence
				acc.winScene = rec.SceneID
			}
			acc.scenes[rec.SceneID] = struct{}{}
		}
	}

	g := &MergedGraph{
		Nodes:  make(map[string]*EntityNode, len(entities)),
		Edges:  make(map[string]*RelationEdge, len(relations)),
		Scenes: scenes,
	}

	for id, acc := range entities {
		g.Nodes[id] = &EntityNode{
			ID:         id,
			Type:       acc.typ,
			Confidence: acc.confidence,
			Scenes:     sortedScenes(acc.scenes),
		}
	}

	// Referential integrity: an edge only materializes once both of
	// its endpoints exist as merged entities.
	for id, acc := range relations {
		if _, ok := g.Nodes[acc.subject]; !ok {
			continue
		}
		if _, ok := g.Nodes[acc.object]; !ok {
			continue
		}
		g.Edges[id] = &RelationEdge{
			ID:         id,
			Subject:    acc.subject,
			Relation:   acc.relation,
			Object:     acc.object,
			Confidence: acc.confidence,
			Scenes:     sortedScenes(acc.scenes),
		}
	}

	return g
}

// wins reports whether a new observation should replace the current
// winner. Higher confidence wins outright; on equal confidence the
// lexicographically smaller scene id wins, and as a final tie-break
// the smaller type string (only relevant when one scene reports the
// same entity twice).
func wins(conf float64, scene, typ string, curConf float64, curScene, curTyp string) bool {
	if conf != curConf {
		return conf > curConf
	}
	if scene != curScene {
		return scene < curScene
	}
	return typ < curTyp
}

func sortedScenes(set map[string]struct{}) []string {
	scenes := make([]string, 0, len(set))
	for s := range set {
		scenes = append(scenes, s)
	}
	slices.Sort(scenes)
	return scenes
}
