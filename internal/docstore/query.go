package docstore

import (
	"fmt"
	"regexp"
	"sort"
)

// QueryKind identifies a query clause.
type QueryKind string

const (
	QueryEqual     QueryKind = "equal"
	QueryOrderAsc  QueryKind = "orderAsc"
	QueryOrderDesc QueryKind = "orderDesc"
	QueryLimit     QueryKind = "limit"
)

// Query is one clause of a list request. Equality clauses are ANDed, order
// clauses apply in the order given, and the smallest limit wins.
type Query struct {
	Kind  QueryKind
	Field string
	Value any
	Limit int
}

func Equal(field string, value any) Query {
	return Query{Kind: QueryEqual, Field: field, Value: value}
}

func OrderAsc(field string) Query {
	return Query{Kind: QueryOrderAsc, Field: field}
}

func OrderDesc(field string) Query {
	return Query{Kind: QueryOrderDesc, Field: field}
}

func Limit(n int) Query {
	return Query{Kind: QueryLimit, Limit: n}
}

func (q Query) String() string {
	switch q.Kind {
	case QueryEqual:
		return fmt.Sprintf("equal(%s, %v)", q.Field, q.Value)
	case QueryLimit:
		return fmt.Sprintf("limit(%d)", q.Limit)
	default:
		return fmt.Sprintf("%s(%s)", q.Kind, q.Field)
	}
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateField rejects names that cannot be used as a document attribute.
func ValidateField(field string) error {
	if !fieldPattern.MatchString(field) {
		return fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	return nil
}

// Plan is a validated, normalised list request.
type Plan struct {
	Filters []Query
	Orders  []Query
	Limit   int // 0 means unlimited
}

// Compile validates queries and splits them by kind.
func Compile(queries []Query) (Plan, error) {
	var plan Plan
	for _, q := range queries {
		switch q.Kind {
		case QueryEqual:
			if err := ValidateField(q.Field); err != nil {
				return Plan{}, err
			}
			plan.Filters = append(plan.Filters, q)
		case QueryOrderAsc, QueryOrderDesc:
			if err := ValidateField(q.Field); err != nil {
				return Plan{}, err
			}
			plan.Orders = append(plan.Orders, q)
		case QueryLimit:
			if q.Limit <= 0 {
				return Plan{}, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidQuery, q.Limit)
			}
			if plan.Limit == 0 || q.Limit < plan.Limit {
				plan.Limit = q.Limit
			}
		default:
			return Plan{}, fmt.Errorf("%w: unknown clause %q", ErrInvalidQuery, q.Kind)
		}
	}
	return plan, nil
}

// Matches reports whether doc satisfies every filter of the plan.
func (p Plan) Matches(doc Document) bool {
	for _, f := range p.Filters {
		if !ValuesEqual(doc.Fields[f.Field], f.Value) {
			return false
		}
	}
	return true
}

// Apply filters, orders and limits docs in memory. Documents are first put
// in insertion order; ties on the order fields are broken by Sequence in the
// direction of the first order clause.
func Apply(docs []Document, queries []Query) ([]Document, error) {
	plan, err := Compile(queries)
	if err != nil {
		return nil, err
	}

	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if plan.Matches(doc) {
			out = append(out, doc)
		}
	}

	descTies := len(plan.Orders) > 0 && plan.Orders[0].Kind == QueryOrderDesc
	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range plan.Orders {
			c := CompareValues(out[i].Fields[o.Field], out[j].Fields[o.Field])
			if c == 0 {
				continue
			}
			if o.Kind == QueryOrderDesc {
				return c > 0
			}
			return c < 0
		}
		if descTies {
			return out[i].Sequence > out[j].Sequence
		}
		return out[i].Sequence < out[j].Sequence
	})

	if plan.Limit > 0 && len(out) > plan.Limit {
		out = out[:plan.Limit]
	}
	return out, nil
}

// ValuesEqual compares two attribute values, treating all numeric types alike.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat64(a); ok {
		fb, ok := toFloat64(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

// CompareValues orders nil < bool < number < string; values of other types
// compare equal.
func CompareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		fa, _ := toFloat64(a)
		fb, _ := toFloat64(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
	case 3:
		sa, sb := a.(string), b.(string)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
	}
	return 0
}

func rank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := v.(bool); ok {
		return 1
	}
	if _, ok := toFloat64(v); ok {
		return 2
	}
	if _, ok := v.(string); ok {
		return 3
	}
	return 4
}
