package ldap

import (
	"fmt"
	"slices"

	"github.com/go-ldap/ldap/v3"
)

// ModifyKind is the kind of one attribute modification.
type ModifyKind int

const (
	ModifyAdd ModifyKind = iota
	ModifyReplace
	ModifyDelete
)

func (k ModifyKind) String() string {
	switch k {
	case ModifyAdd:
		return "add"
	case ModifyReplace:
		return "replace"
	case ModifyDelete:
		return "delete"
	default:
		return fmt.Sprintf("modify(%d)", int(k))
	}
}

// ModifyOp is one attribute modification. A Delete with no values removes
// the whole attribute.
type ModifyOp struct {
	Kind      ModifyKind
	Attribute string
	Values    []string
}

// ModifyPlan is an ordered list of modifications for one entry.
type ModifyPlan struct {
	Ops []ModifyOp
}

// IsEmpty reports whether the plan changes nothing.
func (p ModifyPlan) IsEmpty() bool {
	return len(p.Ops) == 0
}

// Request renders the plan as a modify request for dn.
func (p ModifyPlan) Request(dn string, controls []ldap.Control) *ldap.ModifyRequest {
	req := ldap.NewModifyRequest(dn, controls)
	for _, op := range p.Ops {
		switch op.Kind {
		case ModifyAdd:
			req.Add(op.Attribute, op.Values)
		case ModifyReplace:
			req.Replace(op.Attribute, op.Values)
		case ModifyDelete:
			req.Delete(op.Attribute, op.Values)
		}
	}
	return req
}

// diffAttribute compares the current raw values of an attribute with the
// desired encoded values and appends the needed operations to plan.
func diffAttribute(plan *ModifyPlan, desc *AttributeDescriptor, current, desired []string) {
	attr := desc.StorageName()
	switch {
	case len(desired) == 0 && len(current) == 0:
		return
	case len(desired) == 0:
		plan.Ops = append(plan.Ops, ModifyOp{Kind: ModifyDelete, Attribute: attr})
		return
	case len(current) == 0:
		plan.Ops = append(plan.Ops, ModifyOp{Kind: ModifyAdd, Attribute: attr, Values: desired})
		return
	}

	currentKeys := desc.canonical(current)
	desiredKeys := desc.canonical(desired)
	if sameValueSet(currentKeys, desiredKeys, desc.MultiValued) {
		return
	}

	if desc.Strategy != UpdateAddDelete || !desc.MultiValued {
		plan.Ops = append(plan.Ops, ModifyOp{Kind: ModifyReplace, Attribute: attr, Values: desired})
		return
	}

	toAdd, toRemove := symmetricDifference(current, currentKeys, desired, desiredKeys)
	if len(toAdd) > 0 {
		plan.Ops = append(plan.Ops, ModifyOp{Kind: ModifyAdd, Attribute: attr, Values: toAdd})
	}
	if len(toRemove) > 0 {
		plan.Ops = append(plan.Ops, ModifyOp{Kind: ModifyDelete, Attribute: attr, Values: toRemove})
	}
}

// sameValueSet compares comparison keys; multi-valued attributes are
// unordered sets, single-valued ones compare in order.
func sameValueSet(a, b []string, unordered bool) bool {
	if !unordered {
		return slices.Equal(a, b)
	}
	as := make(map[string]struct{}, len(a))
	for _, k := range a {
		as[k] = struct{}{}
	}
	bs := make(map[string]struct{}, len(b))
	for _, k := range b {
		bs[k] = struct{}{}
	}
	if len(as) != len(bs) {
		return false
	}
	for k := range bs {
		if _, ok := as[k]; !ok {
			return false
		}
	}
	return true
}

// symmetricDifference returns desired values missing from current (in
// desired order) and current values missing from desired (in current order).
func symmetricDifference(current, currentKeys, desired, desiredKeys []string) (toAdd, toRemove []string) {
	currentSet := make(map[string]struct{}, len(currentKeys))
	for _, k := range currentKeys {
		currentSet[k] = struct{}{}
	}
	desiredSet := make(map[string]struct{}, len(desiredKeys))
	for _, k := range desiredKeys {
		desiredSet[k] = struct{}{}
	}

	added := make(map[string]struct{})
	for i, k := range desiredKeys {
		if _, ok := currentSet[k]; ok {
			continue
		}
		if _, dup := added[k]; dup {
			continue
		}
		added[k] = struct{}{}
		toAdd = append(toAdd, desired[i])
	}
	removed := make(map[string]struct{})
	for i, k := range currentKeys {
		if _, ok := desiredSet[k]; ok {
			continue
		}
		if _, dup := removed[k]; dup {
			continue
		}
		removed[k] = struct{}{}
		toRemove = append(toRemove, current[i])
	}
	return toAdd, toRemove
}
