package ldap

import (
	"regexp"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Row is one result row; values follow the search's column order.
type Row []any

var hexEscapeRegex = regexp.MustCompile(`\\[0-9A-Fa-f]{2}`)

// displayDN rewrites hex-escaped DN values (as returned by some servers for
// non-ASCII or special characters) into their RFC 4514 string form.
func displayDN(dn string) string {
	if !hexEscapeRegex.MatchString(dn) {
		return dn
	}
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return dn
	}
	identity := func(s string) string { return s }
	return formatDN(parsed, identity, identity)
}

// shapeRow builds the row of entry for the columns of req.
func shapeRow(entry *ldap.Entry, req *SearchRequest) (Row, error) {
	row := make(Row, len(req.Columns))
	var scope map[string]any

	for i, col := range req.Columns {
		switch col.Kind {
		case ColumnDN:
			row[i] = displayDN(entry.DN)
		case ColumnAttribute:
			v, err := col.Descriptor.DecodeValues(entry.GetEqualFoldRawAttributeValues(col.Descriptor.StorageName()))
			if err != nil {
				return nil, newQueryError("format row", ErrorCategoryValidation, "%s: %v", entry.DN, err)
			}
			row[i] = v
		}
	}

	for i, col := range req.Columns {
		if col.Kind != ColumnAnnotation {
			continue
		}
		if scope == nil {
			var err error
			if scope, err = annotationScope(entry, req, row); err != nil {
				return nil, err
			}
		}
		v, err := col.Annotation.Expr.Evaluate(scope)
		if err != nil {
			return nil, err
		}
		row[i] = v
		scope[col.Name] = v
	}
	return row, nil
}

// annotationScope collects the decoded values annotation expressions may
// reference: the already shaped columns plus any extra fields they read.
func annotationScope(entry *ldap.Entry, req *SearchRequest, row Row) (map[string]any, error) {
	scope := make(map[string]any, len(req.Columns))
	for i, col := range req.Columns {
		if col.Kind != ColumnAnnotation && row != nil {
			scope[col.Name] = row[i]
		}
	}
	for _, col := range req.Columns {
		if col.Kind != ColumnAnnotation {
			continue
		}
		for _, f := range col.Annotation.Expr.Fields() {
			if _, ok := scope[f]; ok {
				continue
			}
			if err := decodeIntoScope(scope, entry, req.Model, f); err != nil {
				return nil, err
			}
		}
	}
	return scope, nil
}

func decodeIntoScope(scope map[string]any, entry *ldap.Entry, model *Model, field string) error {
	if strings.EqualFold(field, DNColumn) {
		scope[field] = displayDN(entry.DN)
		return nil
	}
	desc := model.Attribute(field)
	if desc == nil {
		desc = &AttributeDescriptor{Name: field, MultiValued: true}
	}
	v, err := desc.DecodeValues(entry.GetEqualFoldRawAttributeValues(desc.StorageName()))
	if err != nil {
		return newQueryError("format row", ErrorCategoryValidation, "%s: %v", entry.DN, err)
	}
	scope[field] = v
	return nil
}
