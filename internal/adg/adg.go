// Package adg implements the minimal-sup-graph merge algorithm over
// annotated directed graphs with cycles (spec §3.8, §4.8, §9): absorbing an
// input graph S into a running graph G so that G ends up containing an
// annotation- and edge-order-preserving copy of every absorbed S.
//
// The algorithm is generic over the node annotation type so it carries no
// knowledge of BTF (or any other domain); internal/btf supplies the
// kind-dependent annotation function described in spec §4.8's closing
// paragraph.
package adg

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/xyproto/ebpfkit/internal/ierr"
)

// Graph is an annotated directed graph: each node has an annotation and an
// ordered list of out-edges (by node index).
type Graph[A comparable] struct {
	Nodes []Node[A]
}

// Node is one ADG node.
type Node[A comparable] struct {
	Annotation A
	Out        []int
}

// New returns an empty graph.
func New[A comparable]() *Graph[A] {
	return &Graph[A]{}
}

// Append adds a node with fully-resolved out-edges and returns its index.
// Used to build input graphs (the S side of a merge) directly.
func (g *Graph[A]) Append(ann A, out []int) int {
	idx := len(g.Nodes)
	cp := append([]int(nil), out...)
	g.Nodes = append(g.Nodes, Node[A]{Annotation: ann, Out: cp})
	return idx
}

// edgeVal is an out-edge during an in-progress merge: either resolved to a
// concrete G index, or still Unresolved, referring to an S-node index that
// has not yet been assigned one (spec §4.8, §9 "Unresolved").
type edgeVal struct {
	resolved bool
	g        int
	s        int
}

type workGraph[A comparable] struct {
	ann []A
	out [][]edgeVal
}

func (w *workGraph[A]) appendConcrete(ann A, targets []int) int {
	evs := make([]edgeVal, len(targets))
	for i, t := range targets {
		evs[i] = edgeVal{resolved: true, g: t}
	}
	idx := len(w.ann)
	w.ann = append(w.ann, ann)
	w.out = append(w.out, evs)
	return idx
}

func (w *workGraph[A]) appendRaw(ann A, evs []edgeVal) int {
	idx := len(w.ann)
	w.ann = append(w.ann, ann)
	w.out = append(w.out, append([]edgeVal(nil), evs...))
	return idx
}

type idState int

const (
	stUnvisited idState = iota
	stTentative
	stDefinite
)

type idEntry struct {
	state     idState
	g         int
	tentative map[int]bool
}

// reqKind is the per-position compatibility requirement used while
// searching G for a matching or tentatively-matching node (spec §4.8 steps
// 1 and 2).
type reqKind int

const (
	reqConcrete reqKind = iota
	reqTentative
	reqUnconstrained
)

type edgeReq struct {
	kind reqKind
	g    int
	set  map[int]bool
}

// Merge absorbs s into g in place, implementing spec §4.8. log may be nil.
func Merge[A comparable](g *Graph[A], s *Graph[A], log *logrus.Entry) error {
	n := len(s.Nodes)
	ids := make([]idEntry, n)

	wg := &workGraph[A]{ann: make([]A, 0, len(g.Nodes)+n), out: make([][]edgeVal, 0, len(g.Nodes)+n)}
	for _, node := range g.Nodes {
		wg.appendConcrete(node.Annotation, node.Out)
	}

	for {
		changed := false
		for i := 0; i < n; i++ {
			if ids[i].state == stDefinite {
				continue
			}
			reqs, allConcrete := buildReqs(s.Nodes[i].Out, ids)
			matches := scanG(wg, s.Nodes[i].Annotation, reqs, ids)

			if allConcrete {
				if len(matches) > 0 {
					target := matches[0]
					if ids[i].state != stDefinite || ids[i].g != target {
						ids[i] = idEntry{state: stDefinite, g: target}
						changed = true
					}
					continue
				}
				targets := make([]int, len(reqs))
				for j, r := range reqs {
					targets[j] = r.g
				}
				idx := wg.appendConcrete(s.Nodes[i].Annotation, targets)
				ids[i] = idEntry{state: stDefinite, g: idx}
				changed = true
				continue
			}

			if len(matches) > 0 {
				set := toSet(matches)
				if !(ids[i].state == stTentative && sameSet(ids[i].tentative, set)) {
					ids[i] = idEntry{state: stTentative, tentative: set}
					changed = true
				}
				continue
			}

			evs := make([]edgeVal, len(s.Nodes[i].Out))
			for j, e := range s.Nodes[i].Out {
				if ids[e].state == stDefinite {
					evs[j] = edgeVal{resolved: true, g: ids[e].g}
				} else {
					evs[j] = edgeVal{resolved: false, s: e}
				}
			}
			idx := wg.appendRaw(s.Nodes[i].Annotation, evs)
			ids[i] = idEntry{state: stDefinite, g: idx}
			changed = true
		}
		if log != nil {
			log.Debugf("adg merge pass: changed=%v nodes-in-g=%d", changed, len(wg.ann))
		}
		if !changed {
			break
		}
	}

	for i := range ids {
		if ids[i].state == stDefinite {
			continue
		}
		if ids[i].state != stTentative || len(ids[i].tentative) != 1 {
			return ierr.New("tentative set for node %d did not collapse to a singleton (%d candidates)", i, len(ids[i].tentative))
		}
		for k := range ids[i].tentative {
			ids[i] = idEntry{state: stDefinite, g: k}
		}
	}

	// Resolve every remaining Unresolved edge using the now-fully-definite
	// id map.
	for u := range wg.out {
		for j, ev := range wg.out[u] {
			if !ev.resolved {
				wg.out[u][j] = edgeVal{resolved: true, g: ids[ev.s].g}
			}
		}
	}

	g.Nodes = make([]Node[A], len(wg.ann))
	for i := range wg.ann {
		out := make([]int, len(wg.out[i]))
		for j, ev := range wg.out[i] {
			out[j] = ev.g
		}
		g.Nodes[i] = Node[A]{Annotation: wg.ann[i], Out: out}
	}
	return nil
}

func buildReqs(outs []int, ids []idEntry) (reqs []edgeReq, allConcrete bool) {
	allConcrete = true
	reqs = make([]edgeReq, len(outs))
	for j, e := range outs {
		switch ids[e].state {
		case stDefinite:
			reqs[j] = edgeReq{kind: reqConcrete, g: ids[e].g}
		case stTentative:
			reqs[j] = edgeReq{kind: reqTentative, set: ids[e].tentative}
			allConcrete = false
		default:
			reqs[j] = edgeReq{kind: reqUnconstrained}
			allConcrete = false
		}
	}
	return reqs, allConcrete
}

// scanG finds every G-node index compatible with ann and reqs, in
// insertion order, self-healing any still-Unresolved edges whose source
// has since become definite (spec §4.8 step 1's parenthetical).
func scanG[A comparable](wg *workGraph[A], ann A, reqs []edgeReq, ids []idEntry) []int {
	var out []int
	for u := 0; u < len(wg.ann); u++ {
		if wg.ann[u] != ann {
			continue
		}
		if len(wg.out[u]) != len(reqs) {
			continue
		}
		ok := true
		for j, req := range reqs {
			ev := resolveEdge(wg, u, j, ids)
			if !compat(ev, req) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, u)
		}
	}
	return out
}

func resolveEdge[A comparable](wg *workGraph[A], u, j int, ids []idEntry) edgeVal {
	ev := wg.out[u][j]
	if ev.resolved {
		return ev
	}
	if ids[ev.s].state == stDefinite {
		resolved := edgeVal{resolved: true, g: ids[ev.s].g}
		wg.out[u][j] = resolved
		return resolved
	}
	return ev
}

func compat(ev edgeVal, req edgeReq) bool {
	switch req.kind {
	case reqConcrete:
		return ev.resolved && ev.g == req.g
	case reqTentative:
		if !ev.resolved {
			return true
		}
		return req.set[ev.g]
	default: // reqUnconstrained
		return true
	}
}

func toSet(xs []int) map[int]bool {
	m := make(map[int]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}

func sameSet(a, b map[int]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// SortedIndices is a small helper for deterministic test output: sorted
// copy of a set's keys.
func SortedIndices(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
