package ldap

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// SearchStrategy selects which server controls a search uses.
type SearchStrategy int

const (
	// StrategyNoControl issues a single plain search.
	StrategyNoControl SearchStrategy = iota
	// StrategySimplePaging walks the result with the simple paged results control.
	StrategySimplePaging
	// StrategySortAndWindow sorts on the server and slices with a virtual list view.
	StrategySortAndWindow
)

func (s SearchStrategy) String() string {
	switch s {
	case StrategyNoControl:
		return "no_control"
	case StrategySimplePaging:
		return "simple_paging"
	case StrategySortAndWindow:
		return "sort_and_window"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// OrderBy names a field to order by.
type OrderBy struct {
	Field      string
	Descending bool
}

// ParseOrderBy parses "cn" or "-cn".
func ParseOrderBy(s string) OrderBy {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "-"); ok {
		return OrderBy{Field: strings.TrimSpace(rest), Descending: true}
	}
	return OrderBy{Field: strings.TrimPrefix(s, "+")}
}

// OrderingRule is one resolved sort key.
type OrderingRule struct {
	Attribute    string // Storage attribute, or annotation alias when Annotation is set
	Descending   bool
	MatchingRule string
	Annotation   bool
}

// ColumnKind identifies where a result column comes from.
type ColumnKind int

const (
	ColumnDN ColumnKind = iota
	ColumnAttribute
	ColumnAnnotation
)

// Column is one output column of a search.
type Column struct {
	Name       string
	Kind       ColumnKind
	Descriptor *AttributeDescriptor
	Annotation *Annotation
}

// Query is an abstract read over a model.
type Query struct {
	Model *Model
	// BaseDN overrides Model.BaseDN when set.
	BaseDN string
	// Scope overrides Model.Scope when set.
	Scope       *SearchScope
	Where       *Predicate
	Columns     []string
	Annotations []Annotation
	OrderBy     []OrderBy
	Limit       int
	Offset      int
	// Count returns a single row holding the number of matching entries.
	Count bool
	// RequireServerSlicing fails planning instead of falling back to
	// client-side sorting and slicing.
	RequireServerSlicing bool
	TimeLimit            time.Duration
	SizeLimit            int
}

// SearchRequest is a compiled, executable search.
type SearchRequest struct {
	BaseDN     string
	Scope      SearchScope
	Filter     string
	Attributes []string
	Ordering   []OrderingRule
	Limit      int
	Offset     int
	Strategy   SearchStrategy
	// ClientSort is set when ordering must be applied after retrieval.
	ClientSort bool
	TimeLimit  time.Duration
	SizeLimit  int
	Columns    []Column
	// Annotations holds every resolved annotation, projected or not.
	Annotations []*Annotation
	Count       bool
	Model       *Model
}

// Sliced reports whether a limit or offset was requested.
func (r *SearchRequest) Sliced() bool {
	return r.Limit > 0 || r.Offset > 0
}

// ColumnNames lists the output column names.
func (r *SearchRequest) ColumnNames() []string {
	if r.Count {
		return []string{"count"}
	}
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// CompileSearch plans q against the capabilities of the target server.
func CompileSearch(q *Query, caps ServerCapabilities) (*SearchRequest, error) {
	if q == nil {
		return nil, newQueryError("compile search", ErrorCategoryValidation, "query is nil")
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nil, newQueryError("compile search", ErrorCategoryValidation, "limit and offset must not be negative")
	}

	req := &SearchRequest{
		BaseDN:    q.BaseDN,
		Scope:     ScopeWholeSubtree,
		Limit:     q.Limit,
		Offset:    q.Offset,
		TimeLimit: q.TimeLimit,
		SizeLimit: q.SizeLimit,
		Count:     q.Count,
		Model:     q.Model,
	}
	if q.Model != nil {
		if req.BaseDN == "" {
			req.BaseDN = q.Model.BaseDN
		}
		req.Scope = q.Model.Scope
	}
	if q.Scope != nil {
		req.Scope = *q.Scope
	}
	if strings.TrimSpace(req.BaseDN) == "" {
		return nil, newQueryError("compile search", ErrorCategoryValidation, "search base DN is empty")
	}

	filter, err := BuildSearchFilter(q.Where, q.Model)
	if err != nil {
		return nil, err
	}
	req.Filter = filter

	annotations, err := resolveAnnotations(q)
	if err != nil {
		return nil, err
	}

	req.Annotations = annotations

	ordering, annotationOrdering, err := resolveOrdering(q, annotations)
	if err != nil {
		return nil, err
	}
	req.Ordering = ordering

	if !q.Count {
		if req.Columns, err = resolveColumns(q, annotations); err != nil {
			return nil, err
		}
	}

	if err := chooseStrategy(req, q, caps, annotationOrdering); err != nil {
		return nil, err
	}

	req.Attributes = requestedAttributes(q, req, annotations)
	return req, nil
}

func chooseStrategy(req *SearchRequest, q *Query, caps ServerCapabilities, annotationOrdering bool) error {
	if !req.Sliced() && len(req.Ordering) == 0 {
		req.Strategy = StrategyNoControl
		return nil
	}

	if caps.SortAndWindow && !annotationOrdering {
		if len(req.Ordering) == 0 {
			if rule, ok := primaryKeyOrdering(q.Model); ok {
				req.Ordering = []OrderingRule{rule}
			}
		}
		if len(req.Ordering) > 0 {
			req.Strategy = StrategySortAndWindow
			return nil
		}
	}

	req.ClientSort = len(req.Ordering) > 0
	req.Strategy = StrategyNoControl
	if caps.SimplePaging {
		req.Strategy = StrategySimplePaging
	}

	if q.RequireServerSlicing {
		return newQueryError("compile search", ErrorCategoryNotSupported,
			"server cannot sort or slice results (strategy %s)", req.Strategy)
	}
	return nil
}

func primaryKeyOrdering(model *Model) (OrderingRule, bool) {
	pk := model.PrimaryKey()
	if pk == nil {
		return OrderingRule{}, false
	}
	return OrderingRule{
		Attribute:    pk.StorageName(),
		MatchingRule: model.DefaultCollation(),
	}, true
}

func resolveAnnotations(q *Query) ([]*Annotation, error) {
	out := make([]*Annotation, 0, len(q.Annotations))
	seen := make(map[string]bool, len(q.Annotations))
	for i := range q.Annotations {
		a := &q.Annotations[i]
		if a.Alias == "" || a.Expr == nil {
			return nil, newQueryError("compile search", ErrorCategoryValidation, "annotation %d needs an alias and an expression", i)
		}
		key := strings.ToLower(a.Alias)
		if key == DNColumn || q.Model.Attribute(a.Alias) != nil || seen[key] {
			return nil, newQueryError("compile search", ErrorCategoryValidation, "annotation alias %q conflicts with an existing column", a.Alias)
		}
		seen[key] = true
		out = append(out, a)
	}
	return out, nil
}

func findAnnotation(annotations []*Annotation, name string) *Annotation {
	for _, a := range annotations {
		if strings.EqualFold(a.Alias, name) {
			return a
		}
	}
	return nil
}

func resolveOrdering(q *Query, annotations []*Annotation) ([]OrderingRule, bool, error) {
	rules := make([]OrderingRule, 0, len(q.OrderBy))
	byAnnotation := false
	for _, o := range q.OrderBy {
		if o.Field == "" {
			return nil, false, newQueryError("compile search", ErrorCategoryUnsupportedOrdering, "empty ordering field")
		}
		if a := findAnnotation(annotations, o.Field); a != nil {
			rules = append(rules, OrderingRule{Attribute: a.Alias, Descending: o.Descending, Annotation: true})
			byAnnotation = true
			continue
		}
		if strings.EqualFold(o.Field, DNColumn) {
			return nil, false, newQueryError("compile search", ErrorCategoryUnsupportedOrdering, "ordering by dn is not supported")
		}
		desc := q.Model.Attribute(o.Field)
		if desc == nil {
			if q.Model != nil || !attributeDescriptionRegex.MatchString(o.Field) {
				return nil, false, newQueryError("compile search", ErrorCategoryUnsupportedOrdering, "unknown ordering attribute %q", o.Field)
			}
			desc = &AttributeDescriptor{Name: o.Field}
		}
		if desc.Binary {
			return nil, false, newQueryError("compile search", ErrorCategoryUnsupportedOrdering, "cannot order by binary attribute %q", o.Field)
		}
		rule := desc.Collation
		if rule == "" {
			rule = q.Model.DefaultCollation()
		}
		rules = append(rules, OrderingRule{
			Attribute:    desc.StorageName(),
			Descending:   o.Descending,
			MatchingRule: rule,
		})
	}
	return rules, byAnnotation, nil
}

func resolveColumns(q *Query, annotations []*Annotation) ([]Column, error) {
	names := q.Columns
	if len(names) == 0 {
		names = append([]string{DNColumn}, q.Model.fieldNamesOrNil()...)
		for _, a := range annotations {
			names = append(names, a.Alias)
		}
	}

	columns := make([]Column, 0, len(names))
	for _, name := range names {
		switch {
		case strings.EqualFold(name, DNColumn):
			columns = append(columns, Column{Name: DNColumn, Kind: ColumnDN})
		case findAnnotation(annotations, name) != nil:
			a := findAnnotation(annotations, name)
			columns = append(columns, Column{Name: a.Alias, Kind: ColumnAnnotation, Annotation: a})
		default:
			desc := q.Model.Attribute(name)
			if desc == nil {
				if q.Model != nil && len(q.Model.Attributes) > 0 {
					return nil, newQueryError("compile search", ErrorCategoryValidation, "unknown column %q", name)
				}
				if !attributeDescriptionRegex.MatchString(name) {
					return nil, newQueryError("compile search", ErrorCategoryValidation, "invalid attribute name %q", name)
				}
				desc = &AttributeDescriptor{Name: name, MultiValued: true}
			}
			columns = append(columns, Column{Name: desc.Name, Kind: ColumnAttribute, Descriptor: desc})
		}
	}
	return columns, nil
}

func (m *Model) fieldNamesOrNil() []string {
	if m == nil {
		return nil
	}
	return m.FieldNames()
}

// requestedAttributes lists the attributes to fetch: projected columns,
// annotation inputs and client-side sort keys.
func requestedAttributes(q *Query, req *SearchRequest, annotations []*Annotation) []string {
	if req.Count {
		return []string{"1.1"}
	}
	if len(q.Columns) == 0 && (q.Model == nil || len(q.Model.Attributes) == 0) {
		return []string{"*", "+"}
	}

	var attrs []string
	add := func(name string) {
		if !slices.ContainsFunc(attrs, func(a string) bool { return strings.EqualFold(a, name) }) {
			attrs = append(attrs, name)
		}
	}
	for _, c := range req.Columns {
		if c.Kind == ColumnAttribute {
			add(c.Descriptor.StorageName())
		}
	}
	for _, a := range annotations {
		for _, f := range a.Expr.Fields() {
			if desc := q.Model.Attribute(f); desc != nil {
				add(desc.StorageName())
			} else {
				add(f)
			}
		}
	}
	for _, r := range req.Ordering {
		if !r.Annotation {
			add(r.Attribute)
		}
	}
	if len(attrs) == 0 {
		return []string{"1.1"}
	}
	return attrs
}
