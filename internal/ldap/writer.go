package ldap

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// PasswordVerifier is implemented by hashers that can check a clear-text
// password against a stored value.
type PasswordVerifier interface {
	Verify(hashed, password string) bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithPasswordHasher sets the hasher for password attributes.
func WithPasswordHasher(h PasswordHasher) WriterOption {
	return func(w *Writer) { w.hasher = h }
}

// WithWriterMetrics records writes on m.
func WithWriterMetrics(m *Metrics) WriterOption {
	return func(w *Writer) { w.metrics = m }
}

// WithTransactionCoordinator attaches the controls of coord's open
// transaction to every write.
func WithTransactionCoordinator(coord *TransactionCoordinator) WriterOption {
	return func(w *Writer) { w.txn = coord }
}

// Writer compiles and issues insert, update and delete operations for one model.
type Writer struct {
	session Session
	model   *Model
	hasher  PasswordHasher
	metrics *Metrics
	txn     *TransactionCoordinator
}

// NewWriter returns a writer for model over session.
func NewWriter(session Session, model *Model, opts ...WriterOption) *Writer {
	w := &Writer{
		session: session,
		model:   model,
		hasher:  SSHAHasher{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) controls() ([]ldap.Control, error) {
	if w.txn == nil {
		return nil, nil
	}
	return w.txn.AttachControls(nil)
}

func (w *Writer) checkFields(values map[string]any) error {
	for k := range values {
		if strings.EqualFold(k, DNColumn) {
			continue
		}
		if w.model.Attribute(k) == nil {
			return newQueryError("compile write", ErrorCategoryValidation, "unknown field %q on model %s", k, w.model.Name)
		}
	}
	return nil
}

func (w *Writer) encode(desc *AttributeDescriptor, value any) ([]string, error) {
	encoded, err := desc.EncodeValues(value)
	if err != nil || len(encoded) == 0 || !desc.Password || w.hasher == nil {
		return encoded, err
	}
	return hashPasswords(w.hasher, encoded)
}

// CompileInsert builds the add request for an entry with values. Every
// non-empty writable attribute is included, plus the model's object classes.
func (w *Writer) CompileInsert(values map[string]any) (*ldap.AddRequest, error) {
	if err := w.checkFields(values); err != nil {
		return nil, err
	}
	dn, err := w.model.DNFromValues(values)
	if err != nil {
		return nil, err
	}

	req := ldap.NewAddRequest(dn, nil)
	if len(w.model.ObjectClasses) > 0 {
		req.Attribute("objectClass", slices.Clone(w.model.ObjectClasses))
	}
	for _, desc := range w.model.Attributes {
		if desc.ReadOnly {
			continue
		}
		v, ok := lookupValue(values, desc)
		if !ok {
			continue
		}
		encoded, err := w.encode(desc, v)
		if err != nil {
			return nil, err
		}
		if len(encoded) == 0 {
			continue
		}
		req.Attribute(desc.StorageName(), encoded)
	}
	return req, nil
}

// Insert adds a new entry.
func (w *Writer) Insert(ctx context.Context, values map[string]any) (string, error) {
	req, err := w.CompileInsert(values)
	if err != nil {
		return "", err
	}
	if req.Controls, err = w.controls(); err != nil {
		return "", err
	}

	tflog.SubsystemDebug(ctx, SubsystemLDAPDB, "Adding entry", map[string]any{
		"dn":         req.DN,
		"attributes": len(req.Attributes),
	})
	err = w.session.Add(ctx, req)
	w.metrics.observeWrite("add", err)
	if err != nil {
		return "", err
	}
	return req.DN, nil
}

// CompileUpdate diffs the desired values against existing. Fields absent
// from desired are left untouched; the primary key is handled by a rename.
func (w *Writer) CompileUpdate(existing *ldap.Entry, desired map[string]any) (ModifyPlan, error) {
	var plan ModifyPlan
	if existing == nil {
		return plan, newQueryError("compile update", ErrorCategoryValidation, "existing entry is nil")
	}
	if err := w.checkFields(desired); err != nil {
		return plan, err
	}

	for _, desc := range w.model.Attributes {
		if desc.ReadOnly || desc.PrimaryKey {
			continue
		}
		v, ok := lookupValue(desired, desc)
		if !ok {
			continue
		}
		current := rawStrings(existing.GetEqualFoldRawAttributeValues(desc.StorageName()))

		if desc.Password {
			if err := w.diffPassword(&plan, desc, current, v); err != nil {
				return plan, err
			}
			continue
		}

		encoded, err := desc.EncodeValues(v)
		if err != nil {
			return plan, err
		}
		diffAttribute(&plan, desc, current, encoded)
	}
	return plan, nil
}

// diffPassword keeps a password whose clear text still verifies against
// the stored hash, so unchanged passwords are not rehashed on every update.
func (w *Writer) diffPassword(plan *ModifyPlan, desc *AttributeDescriptor, current []string, value any) error {
	desired, err := desc.EncodeValues(value)
	if err != nil {
		return err
	}
	if len(desired) > 0 && len(current) == len(desired) {
		unchanged := true
		for i, d := range desired {
			if !passwordMatches(w.hasher, current[i], d) {
				unchanged = false
				break
			}
		}
		if unchanged {
			return nil
		}
	}
	if len(desired) > 0 && w.hasher != nil {
		if desired, err = hashPasswords(w.hasher, desired); err != nil {
			return err
		}
	}
	diffAttribute(plan, desc, current, desired)
	return nil
}

func passwordMatches(h PasswordHasher, stored, desired string) bool {
	if stored == desired {
		return true
	}
	if IsHashedPassword(desired) {
		return false
	}
	for _, v := range []any{h, SSHAHasher{}, BcryptHasher{}} {
		if verifier, ok := v.(PasswordVerifier); ok && verifier.Verify(stored, desired) {
			return true
		}
	}
	return false
}

func rawStrings(raw [][]byte) []string {
	out := make([]string, len(raw))
	for i, r := range raw {
		out[i] = string(r)
	}
	return out
}

// fetch reads the entry at dn with the model's attributes. A missing entry
// yields nil.
func (w *Writer) fetch(ctx context.Context, dn string) (*ldap.Entry, error) {
	attrs := make([]string, 0, len(w.model.Attributes))
	for _, d := range w.model.Attributes {
		attrs = append(attrs, d.StorageName())
	}
	if len(attrs) == 0 {
		attrs = []string{"1.1"}
	}
	req := ldap.NewSearchRequest(dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false, DefaultBaseFilter, attrs, nil)

	result, err := w.session.Search(ctx, req)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(result.Entries) == 0 {
		return nil, nil
	}
	return result.Entries[0], nil
}

// Update reconciles the entry at dn with desired and returns the number of
// entries changed: 0 when dn does not exist, else 1. When the primary key
// changes the entry is renamed first and modified at its new DN.
func (w *Writer) Update(ctx context.Context, dn string, desired map[string]any) (int, error) {
	n, _, err := w.update(ctx, dn, desired)
	return n, err
}

// UpdateDN is Update that also returns the DN of the entry afterwards.
func (w *Writer) UpdateDN(ctx context.Context, dn string, desired map[string]any) (int, string, error) {
	return w.update(ctx, dn, desired)
}

func (w *Writer) update(ctx context.Context, dn string, desired map[string]any) (int, string, error) {
	start := time.Now()
	existing, err := w.fetch(ctx, dn)
	if err != nil {
		return 0, "", err
	}
	if existing == nil {
		tflog.SubsystemDebug(ctx, SubsystemLDAPDB, "Entry to update not found", map[string]any{"dn": dn})
		return 0, "", nil
	}

	plan, err := w.CompileUpdate(existing, desired)
	if err != nil {
		return 0, "", err
	}
	controls, err := w.controls()
	if err != nil {
		return 0, "", err
	}

	target := existing.DN
	if target == "" {
		target = dn
	}
	if renamed, newDN, err := w.renameIfNeeded(ctx, target, desired, controls); err != nil {
		return 0, "", err
	} else if renamed {
		target = newDN
	}

	if plan.IsEmpty() {
		return 1, target, nil
	}

	tflog.SubsystemDebug(ctx, SubsystemLDAPDB, "Modifying entry", map[string]any{
		"dn":   target,
		"plan": SanitizeModifyPlan(plan, w.model),
	})
	err = w.session.Modify(ctx, plan.Request(target, controls))
	w.metrics.observeWrite("modify", err)
	if err != nil {
		return 0, "", err
	}
	LogPerformance(ctx, SubsystemLDAPDB, "update", time.Since(start), map[string]any{
		"dn":  target,
		"ops": len(plan.Ops),
	})
	return 1, target, nil
}

func (w *Writer) renameIfNeeded(ctx context.Context, dn string, desired map[string]any, controls []ldap.Control) (bool, string, error) {
	pk := w.model.PrimaryKey()
	if pk == nil {
		return false, "", nil
	}
	value, ok := lookupValue(desired, pk)
	if !ok || value == nil {
		return false, "", nil
	}
	needed, err := NeedsRename(dn, value)
	if err != nil || !needed {
		return false, "", err
	}

	_, _, parent, err := SplitRDN(dn)
	if err != nil {
		return false, "", err
	}
	rdn, err := BuildRDN(pk.StorageName(), value)
	if err != nil {
		return false, "", err
	}

	req := ldap.NewModifyDNRequest(dn, rdn, true, "")
	req.Controls = controls
	tflog.SubsystemDebug(ctx, SubsystemLDAPDB, "Renaming entry", map[string]any{
		"dn":      dn,
		"new_rdn": rdn,
	})
	err = w.session.ModifyDN(ctx, req)
	w.metrics.observeWrite("modify_dn", err)
	if err != nil {
		return false, "", err
	}
	if parent == "" {
		return true, rdn, nil
	}
	return true, rdn + "," + parent, nil
}

// CompileDelete returns the DN addressed by a primary-key value.
func (w *Writer) CompileDelete(pk any) (string, error) {
	return w.model.DNForPrimaryKey(pk)
}

// Delete removes the entry with primary key pk and returns the number of
// entries removed.
func (w *Writer) Delete(ctx context.Context, pk any) (int, error) {
	dn, err := w.CompileDelete(pk)
	if err != nil {
		return 0, err
	}
	return w.DeleteDN(ctx, dn)
}

// DeleteDN removes the entry at dn. A missing entry is not an error.
func (w *Writer) DeleteDN(ctx context.Context, dn string) (int, error) {
	if err := ValidateDNSyntax(dn); err != nil {
		return 0, err
	}
	controls, err := w.controls()
	if err != nil {
		return 0, err
	}
	err = w.session.Del(ctx, ldap.NewDelRequest(dn, controls))
	w.metrics.observeWrite("delete", err)
	if err != nil {
		if IsNotFoundError(err) {
			return 0, nil
		}
		return 0, err
	}
	return 1, nil
}

// DeleteWhere would delete every entry matching where; bulk deletes are
// not supported.
func (w *Writer) DeleteWhere(_ context.Context, _ *Predicate) (int, error) {
	return 0, newQueryError("delete", ErrorCategoryNotSupported, "bulk delete by filter is not supported")
}

// Save updates the entry addressed by the primary key in values and
// inserts it when it does not exist. It reports whether an entry was created.
func (w *Writer) Save(ctx context.Context, values map[string]any) (bool, error) {
	dn, err := w.model.DNFromValues(values)
	if err != nil {
		return false, err
	}
	n, err := w.Update(ctx, dn, values)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if _, err := w.Insert(ctx, values); err != nil {
		return false, err
	}
	return true, nil
}
