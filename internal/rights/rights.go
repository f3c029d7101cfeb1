package rights

import (
	"fmt"
	"sort"
	"strings"

	"sifworks.org/internal/sif"
)

// Type is the operation a right governs.
type Type string

const (
	Admin     Type = "ADMIN"
	Create    Type = "CREATE"
	Delete    Type = "DELETE"
	Provide   Type = "PROVIDE"
	Query     Type = "QUERY"
	Subscribe Type = "SUBSCRIBE"
	Update    Type = "UPDATE"
)

// Value is the approval attached to a right.
type Value string

const (
	Rejected  Value = "REJECTED"
	Approved  Value = "APPROVED"
	Supported Value = "SUPPORTED"
)

var knownTypes = map[Type]struct{}{
	Admin: {}, Create: {}, Delete: {}, Provide: {}, Query: {}, Subscribe: {}, Update: {},
}

var knownValues = map[Value]struct{}{
	Rejected: {}, Approved: {}, Supported: {},
}

// ParseType accepts a right type in any letter case.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := knownTypes[t]; !ok {
		return "", fmt.Errorf("%w: unknown right type %q", sif.ErrInvalidArgument, raw)
	}
	return t, nil
}

// ParseValue accepts a right value in any letter case.
func ParseValue(raw string) (Value, error) {
	v := Value(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := knownValues[v]; !ok {
		return "", fmt.Errorf("%w: unknown right value %q", sif.ErrInvalidArgument, raw)
	}
	return v, nil
}

// Right pairs an operation with its approval.
type Right struct {
	Type  Type  `json:"type"`
	Value Value `json:"value"`
}

func (r Right) String() string { return string(r.Type) + "=" + string(r.Value) }

// Set holds at most one right per type.
type Set map[Type]Value

// NewSet builds a set; a later right for the same type replaces an earlier one.
func NewSet(rs ...Right) Set {
	s := make(Set, len(rs))
	for _, r := range rs {
		s[r.Type] = r.Value
	}
	return s
}

// Lookup reports the right held for t.
func (s Set) Lookup(t Type) (Right, bool) {
	v, ok := s[t]
	if !ok {
		return Right{}, false
	}
	return Right{Type: t, Value: v}, true
}

// Has reports whether the set holds exactly r.
func (s Set) Has(r Right) bool {
	v, ok := s[r.Type]
	return ok && v == r.Value
}

// Rights lists the set ordered by type.
func (s Set) Rights() []Right {
	out := make([]Right, 0, len(s))
	for t, v := range s {
		out = append(out, Right{Type: t, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	for t, v := range s {
		out[t] = v
	}
	return out
}

// Check fails with sif.ErrRejected unless the set holds exactly want.
func Check(s Set, want Right) error {
	have, ok := s.Lookup(want.Type)
	if !ok {
		return sif.Errorf(sif.ErrRejected, "insufficient rights for this operation, no right for %s given in the rights collection", want.Type)
	}
	if have.Value != want.Value {
		return sif.Errorf(sif.ErrRejected, "insufficient rights for this operation, %s is %s but %s is required", want.Type, have.Value, want.Value)
	}
	return nil
}
