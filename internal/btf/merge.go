package btf

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/xyproto/ebpfkit/internal/adg"
)

// Annotation is a BTF node's adg annotation: the kind-dependent tuple
// without its references (spec §4.8's closing paragraph), plus the
// type's top-level name when it has one.
//
// Per spec §4.8, a name mismatch should only disqualify a match when both
// sides are non-empty (an empty name is a wildcard); adg.Merge compares
// annotations with plain `==`, which cannot express that asymmetric rule
// without breaking adg's domain-agnostic `comparable` contract. Folding
// the name in unconditionally is a conservative approximation: it never
// merges two nodes that should stay distinct, but it can leave an unnamed
// and a same-shaped named node unmerged where the ideal minimal graph
// would unify them. See DESIGN.md.
type Annotation string

const (
	fieldSep = "\x1f"
	nameSep  = "\x1e"
)

func encodeAnnotation(t *Type) Annotation {
	fields := []string{strconv.Itoa(int(t.Kind))}
	switch t.Kind {
	case KindInt:
		fields = append(fields, strconv.Itoa(int(t.Encoding)), strconv.Itoa(int(t.Bits)))
	case KindArray:
		fields = append(fields, strconv.FormatUint(uint64(t.NumElems), 10))
	case KindStruct, KindUnion:
		for _, m := range t.Members {
			fields = append(fields, m.Name)
		}
	case KindEnum:
		fields = append(fields, strconv.FormatUint(uint64(t.ByteSize), 10))
		for _, m := range t.EnumMembers {
			fields = append(fields, fmt.Sprintf("%s=%d", m.Name, m.Value))
		}
	}
	s := strings.Join(fields, fieldSep)
	if t.Name != "" {
		s += nameSep + t.Name
	}
	return Annotation(s)
}

func outEdges(t *Type) []int {
	switch t.Kind {
	case KindPointer, KindTypedef, KindVolatile, KindConst, KindRestrict:
		return []int{t.Ref}
	case KindArray:
		return []int{t.ElemType, t.IndexType}
	case KindStruct, KindUnion:
		out := make([]int, len(t.Members))
		for i, m := range t.Members {
			out[i] = m.Type
		}
		return out
	default:
		return nil
	}
}

// ToGraph converts a builder's type vector into an adg.Graph ready to be
// absorbed by adg.Merge.
func ToGraph(types []Type) *adg.Graph[Annotation] {
	g := adg.New[Annotation]()
	for i := range types {
		g.Append(encodeAnnotation(&types[i]), outEdges(&types[i]))
	}
	return g
}

func decodeAnnotation(a Annotation, edges []int, soFar []Type) (*Type, error) {
	s := string(a)
	name := ""
	if idx := strings.Index(s, nameSep); idx >= 0 {
		name = s[idx+len(nameSep):]
		s = s[:idx]
	}
	fields := strings.Split(s, fieldSep)
	kindNum, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("malformed BTF annotation %q", a)
	}
	kind := Kind(kindNum)
	t := &Type{Kind: kind, Name: name}

	switch kind {
	case KindInt:
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed int node")
		}
		enc, err1 := strconv.ParseUint(fields[1], 10, 8)
		bits, err2 := strconv.ParseUint(fields[2], 10, 8)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("malformed int node")
		}
		t.Encoding, t.Bits, t.ByteSize = uint8(enc), uint8(bits), uint32((bits+7)/8)
	case KindPointer, KindTypedef, KindVolatile, KindConst, KindRestrict:
		if len(edges) != 1 {
			return nil, fmt.Errorf("malformed %s node", kindName(kind))
		}
		t.Ref = edges[0]
	case KindArray:
		n, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil || len(edges) != 2 {
			return nil, fmt.Errorf("malformed array node")
		}
		t.NumElems = uint32(n)
		t.ElemType, t.IndexType = edges[0], edges[1]
	case KindStruct, KindUnion:
		names := fields[1:]
		if len(names) == 1 && names[0] == "" {
			names = nil
		}
		if len(names) != len(edges) {
			return nil, fmt.Errorf("malformed %s node", kindName(kind))
		}
		members := make([]Member, len(names))
		for i := range names {
			members[i] = Member{Name: names[i], Type: edges[i]}
		}
		if kind == KindStruct {
			laidOut, size, err := layoutStruct(soFar, members)
			if err != nil {
				return nil, err
			}
			t.Members, t.ByteSize = laidOut, size
		} else {
			var maxSize uint32
			for _, m := range members {
				sz, err := SizeBytes(soFar, m.Type)
				if err != nil {
					return nil, err
				}
				if sz > maxSize {
					maxSize = sz
				}
			}
			t.Members, t.ByteSize = members, maxSize
		}
	case KindEnum:
		sz, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed enum node")
		}
		t.ByteSize = uint32(sz)
		for _, f := range fields[2:] {
			parts := strings.SplitN(f, "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("malformed enum member %q", f)
			}
			val, err := strconv.ParseInt(parts[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("malformed enum member %q", f)
			}
			t.EnumMembers = append(t.EnumMembers, EnumMember{Name: parts[0], Value: int32(val)})
		}
	case KindForward, KindUnknown:
	default:
		return nil, fmt.Errorf("unknown BTF kind %d in merged graph", kind)
	}
	return t, nil
}

// FromGraph reconstructs a serializable type vector (plus the top-level
// name mapping, in first-seen order) from a merged adg.Graph.
func FromGraph(g *adg.Graph[Annotation]) ([]Type, []string, map[string]int, error) {
	types := make([]Type, len(g.Nodes))
	for i, node := range g.Nodes {
		t, err := decodeAnnotation(node.Annotation, node.Out, types[:i])
		if err != nil {
			return nil, nil, nil, err
		}
		types[i] = *t
	}
	namedOrder := make([]string, 0)
	namedIndex := make(map[string]int)
	for i := range types {
		if types[i].Name == "" {
			continue
		}
		if _, exists := namedIndex[types[i].Name]; !exists {
			namedIndex[types[i].Name] = i
			namedOrder = append(namedOrder, types[i].Name)
		}
	}
	return types, namedOrder, namedIndex, nil
}

// MergeTypeSets absorbs every input type vector's graph into one minimal
// graph via adg.Merge (spec §4.8) and returns the merged, serializable
// result. Each element of sets is typically either a freshly assembled
// Builder's Types() or a vector read back from an on-disk `.BTF` section
// via Deserialize.
func MergeTypeSets(sets [][]Type, log *logrus.Entry) ([]Type, []string, map[string]int, error) {
	g := adg.New[Annotation]()
	for _, types := range sets {
		s := ToGraph(types)
		if err := adg.Merge(g, s, log); err != nil {
			return nil, nil, nil, err
		}
	}
	return FromGraph(g)
}

// MergeBuilders is MergeTypeSets over a set of in-progress Builders, for
// merging directly from assembled sources without a serialize/deserialize
// round trip.
func MergeBuilders(inputs []*Builder, log *logrus.Entry) ([]Type, []string, map[string]int, error) {
	sets := make([][]Type, len(inputs))
	for i, in := range inputs {
		sets[i] = in.Types()
	}
	return MergeTypeSets(sets, log)
}

// Serialize encodes a merged result (as returned by MergeBuilders) as a
// `.BTF` section body.
func Serialize(types []Type, namedOrder []string, namedIndex map[string]int) []byte {
	return serialize(types, namedOrder, namedIndex)
}
