// Package ldaptest provides an in-memory directory that implements the
// connection and factory interfaces of package ldap, for tests.
package ldaptest

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/isometry/ldaptx/internal/ldap"
)

// Op names a directory operation for failure injection and the call log.
type Op string

const (
	OpAdd      Op = "add"
	OpDelete   Op = "delete"
	OpModify   Op = "modify"
	OpModifyDN Op = "modifydn"
	OpSearch   Op = "search"
)

// Call records one operation received by the directory.
type Call struct {
	Op Op
	DN string
}

type entry struct {
	dn    string
	attrs []*goldap.EntryAttribute
}

type failure struct {
	op  Op
	dn  string // Normalised; empty matches any DN
	err error
}

// Directory is a thread-safe in-memory DIT.
type Directory struct {
	mu       sync.Mutex
	suffixes []string
	entries  map[string]*entry // Keyed by normalised DN
	failures []failure
	calls    []Call
}

// NewDirectory creates a directory holding one entry per naming context.
func NewDirectory(suffixes ...string) *Directory {
	d := &Directory{entries: make(map[string]*entry)}
	for _, suffix := range suffixes {
		d.suffixes = append(d.suffixes, suffix)
		rdn, _, err := ldap.SplitDN(suffix)
		if err != nil {
			panic(fmt.Sprintf("ldaptest: invalid suffix %q: %v", suffix, err))
		}
		attrs := map[string][]string{"objectClass": {"top", "domain"}}
		for _, a := range rdn.Attributes {
			attrs[a.Type] = append(attrs[a.Type], a.Value)
		}
		d.Put(suffix, attrs)
	}
	return d
}

// Put stores an entry without any checks, replacing an existing one.
func (d *Directory) Put(dn string, attrs map[string][]string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e := &entry{dn: dn}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		e.attrs = append(e.attrs, &goldap.EntryAttribute{Name: k, Values: slices.Clone(attrs[k])})
	}
	d.entries[ldap.NormalizeDN(dn)] = e
}

// Get returns a copy of the entry at dn.
func (d *Directory) Get(dn string) (*goldap.Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[ldap.NormalizeDN(dn)]
	if !ok {
		return nil, false
	}
	return e.export(nil), true
}

// Exists reports whether an entry is stored at dn.
func (d *Directory) Exists(dn string) bool {
	_, ok := d.Get(dn)
	return ok
}

// Values returns the values of attr on the entry at dn.
func (d *Directory) Values(dn, attr string) []string {
	e, ok := d.Get(dn)
	if !ok {
		return nil
	}
	return e.GetAttributeValues(attr)
}

// DNs returns the DNs of all stored entries, sorted by normalised form.
func (d *Directory) DNs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	dns := make([]string, 0, len(keys))
	for _, k := range keys {
		dns = append(dns, d.entries[k].dn)
	}
	return dns
}

// FailOn makes every op on dn return err until ClearFailures is called. An
// empty dn matches every DN.
func (d *Directory) FailOn(op Op, dn string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if dn != "" {
		dn = ldap.NormalizeDN(dn)
	}
	d.failures = append(d.failures, failure{op: op, dn: dn, err: err})
}

// ClearFailures removes all injected failures.
func (d *Directory) ClearFailures() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = nil
}

// Calls returns the operations received so far, in order.
func (d *Directory) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

// ResetCalls clears the call log.
func (d *Directory) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

// begin logs the call and returns an injected failure, if any. Callers hold mu.
func (d *Directory) begin(op Op, dn string) error {
	d.calls = append(d.calls, Call{Op: op, DN: dn})

	norm := ldap.NormalizeDN(dn)
	for _, f := range d.failures {
		if f.op == op && (f.dn == "" || f.dn == norm) {
			return f.err
		}
	}
	return nil
}

func (d *Directory) isSuffix(norm string) bool {
	for _, s := range d.suffixes {
		if ldap.NormalizeDN(s) == norm {
			return true
		}
	}
	return false
}

func (d *Directory) hasChildren(norm string) bool {
	for k := range d.entries {
		if strings.HasSuffix(k, ","+norm) {
			return true
		}
	}
	return false
}

func (d *Directory) add(req *goldap.AddRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.begin(OpAdd, req.DN); err != nil {
		return err
	}

	if _, err := ldap.ParseDN(req.DN); err != nil {
		return goldap.NewError(goldap.LDAPResultInvalidDNSyntax, err)
	}

	norm := ldap.NormalizeDN(req.DN)
	if _, ok := d.entries[norm]; ok {
		return goldap.NewError(goldap.LDAPResultEntryAlreadyExists, fmt.Errorf("entry %s already exists", req.DN))
	}

	parent, _ := ldap.ParentDN(req.DN)
	if !d.isSuffix(norm) {
		if _, ok := d.entries[ldap.NormalizeDN(parent)]; parent == "" || !ok {
			return goldap.NewError(goldap.LDAPResultNoSuchObject, fmt.Errorf("parent of %s does not exist", req.DN))
		}
	}

	e := &entry{dn: req.DN}
	for _, a := range req.Attributes {
		if existing := e.attr(a.Type); existing != nil {
			existing.Values = append(existing.Values, a.Vals...)
			continue
		}
		e.attrs = append(e.attrs, &goldap.EntryAttribute{Name: a.Type, Values: slices.Clone(a.Vals)})
	}
	d.entries[norm] = e
	return nil
}

func (d *Directory) del(req *goldap.DelRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.begin(OpDelete, req.DN); err != nil {
		return err
	}

	norm := ldap.NormalizeDN(req.DN)
	if _, ok := d.entries[norm]; !ok {
		return goldap.NewError(goldap.LDAPResultNoSuchObject, fmt.Errorf("entry %s does not exist", req.DN))
	}
	if d.hasChildren(norm) {
		return goldap.NewError(goldap.LDAPResultNotAllowedOnNonLeaf, fmt.Errorf("entry %s has children", req.DN))
	}

	delete(d.entries, norm)
	return nil
}

func (d *Directory) modify(req *goldap.ModifyRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.begin(OpModify, req.DN); err != nil {
		return err
	}

	norm := ldap.NormalizeDN(req.DN)
	current, ok := d.entries[norm]
	if !ok {
		return goldap.NewError(goldap.LDAPResultNoSuchObject, fmt.Errorf("entry %s does not exist", req.DN))
	}

	// Changes apply to a copy so a failing change leaves the entry untouched.
	e := current.clone()
	for _, change := range req.Changes {
		if err := e.apply(change); err != nil {
			return err
		}
	}

	d.entries[norm] = e
	return nil
}

func (d *Directory) modifyDN(req *goldap.ModifyDNRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.begin(OpModifyDN, req.DN); err != nil {
		return err
	}

	oldNorm := ldap.NormalizeDN(req.DN)
	current, ok := d.entries[oldNorm]
	if !ok {
		return goldap.NewError(goldap.LDAPResultNoSuchObject, fmt.Errorf("entry %s does not exist", req.DN))
	}

	oldParsed, err := ldap.ParseDN(req.DN)
	if err != nil {
		return goldap.NewError(goldap.LDAPResultInvalidDNSyntax, err)
	}
	newRDN, err := ldap.ParseDN(req.NewRDN)
	if err != nil || len(newRDN.RDNs) != 1 {
		return goldap.NewError(goldap.LDAPResultInvalidDNSyntax, fmt.Errorf("invalid new RDN %q", req.NewRDN))
	}

	parent := req.NewSuperior
	if parent == "" {
		parent, _ = ldap.ParentDN(req.DN)
	} else if _, ok := d.entries[ldap.NormalizeDN(parent)]; !ok {
		return goldap.NewError(goldap.LDAPResultNoSuchObject, fmt.Errorf("new superior %s does not exist", parent))
	}

	newDN := ldap.JoinDN(newRDN.RDNs[0], parent)
	newNorm := ldap.NormalizeDN(newDN)
	if newNorm != oldNorm {
		if _, exists := d.entries[newNorm]; exists {
			return goldap.NewError(goldap.LDAPResultEntryAlreadyExists, fmt.Errorf("entry %s already exists", newDN))
		}
	}

	e := current.clone()
	e.dn = newDN
	if req.DeleteOldRDN {
		for _, a := range oldParsed.RDNs[0].Attributes {
			e.removeValue(a.Type, a.Value)
		}
	}
	for _, a := range newRDN.RDNs[0].Attributes {
		e.addValue(a.Type, a.Value)
	}

	// Descendants keep their relative position under the renamed entry.
	depth := len(oldParsed.RDNs)
	moved := make(map[string]*entry)
	for k, child := range d.entries {
		if !strings.HasSuffix(k, ","+oldNorm) {
			continue
		}
		parsed, err := ldap.ParseDN(child.dn)
		if err != nil {
			continue
		}
		relative := &goldap.DN{RDNs: parsed.RDNs[:len(parsed.RDNs)-depth]}
		c := child.clone()
		c.dn = ldap.FormatDN(relative) + "," + newDN
		delete(d.entries, k)
		moved[ldap.NormalizeDN(c.dn)] = c
	}

	delete(d.entries, oldNorm)
	d.entries[newNorm] = e
	for k, c := range moved {
		d.entries[k] = c
	}
	return nil
}

func (d *Directory) search(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.begin(OpSearch, req.BaseDN); err != nil {
		return nil, err
	}

	match, err := compileFilter(req.Filter)
	if err != nil {
		return nil, goldap.NewError(goldap.ErrorFilterCompile, err)
	}

	result := &goldap.SearchResult{}

	if req.BaseDN == "" && req.Scope == goldap.ScopeBaseObject {
		rootDSE := &entry{attrs: []*goldap.EntryAttribute{
			{Name: "objectClass", Values: []string{"top"}},
			{Name: "namingContexts", Values: slices.Clone(d.suffixes)},
		}}
		if match(rootDSE) {
			result.Entries = append(result.Entries, rootDSE.export(req.Attributes))
		}
		return result, nil
	}

	baseNorm := ldap.NormalizeDN(req.BaseDN)
	if _, ok := d.entries[baseNorm]; !ok {
		return nil, goldap.NewError(goldap.LDAPResultNoSuchObject, fmt.Errorf("base %s does not exist", req.BaseDN))
	}

	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		if !inScope(k, baseNorm, req.Scope) {
			continue
		}
		e := d.entries[k]
		if !match(e) {
			continue
		}
		if req.SizeLimit > 0 && len(result.Entries) == req.SizeLimit {
			return result, goldap.NewError(goldap.LDAPResultSizeLimitExceeded, errors.New("size limit exceeded"))
		}
		result.Entries = append(result.Entries, e.export(req.Attributes))
	}

	return result, nil
}

func inScope(norm, base string, scope int) bool {
	switch scope {
	case goldap.ScopeBaseObject:
		return norm == base
	case goldap.ScopeSingleLevel:
		parent, err := ldap.ParentDN(norm)
		return err == nil && parent == base
	default:
		return norm == base || strings.HasSuffix(norm, ","+base)
	}
}

// compileFilter supports presence and equality filters, which is what the
// module issues.
func compileFilter(filter string) (func(*entry) bool, error) {
	if filter == "" {
		return func(*entry) bool { return true }, nil
	}

	inner, ok := strings.CutPrefix(filter, "(")
	if ok {
		inner, ok = strings.CutSuffix(inner, ")")
	}
	if !ok {
		return nil, fmt.Errorf("malformed filter %q", filter)
	}

	attr, value, ok := strings.Cut(inner, "=")
	if !ok || attr == "" || strings.ContainsAny(attr, "()&|!") {
		return nil, fmt.Errorf("unsupported filter %q", filter)
	}

	if value == "*" {
		if strings.EqualFold(attr, "objectClass") {
			return func(*entry) bool { return true }, nil
		}
		return func(e *entry) bool { return e.attr(attr) != nil }, nil
	}

	return func(e *entry) bool {
		a := e.attr(attr)
		return a != nil && slices.ContainsFunc(a.Values, func(v string) bool {
			return strings.EqualFold(v, value)
		})
	}, nil
}

func (e *entry) attr(name string) *goldap.EntryAttribute {
	for _, a := range e.attrs {
		if strings.EqualFold(a.Name, name) {
			return a
		}
	}
	return nil
}

func (e *entry) clone() *entry {
	c := &entry{dn: e.dn, attrs: make([]*goldap.EntryAttribute, 0, len(e.attrs))}
	for _, a := range e.attrs {
		c.attrs = append(c.attrs, &goldap.EntryAttribute{Name: a.Name, Values: slices.Clone(a.Values)})
	}
	return c
}

func (e *entry) export(attributes []string) *goldap.Entry {
	all := len(attributes) == 0 || slices.Contains(attributes, "*")

	out := &goldap.Entry{DN: e.dn}
	for _, a := range e.attrs {
		if !all && !slices.ContainsFunc(attributes, func(n string) bool { return strings.EqualFold(n, a.Name) }) {
			continue
		}
		out.Attributes = append(out.Attributes, &goldap.EntryAttribute{Name: a.Name, Values: slices.Clone(a.Values)})
	}
	return out
}

func (e *entry) addValue(name, value string) {
	a := e.attr(name)
	if a == nil {
		e.attrs = append(e.attrs, &goldap.EntryAttribute{Name: name, Values: []string{value}})
		return
	}
	if !slices.Contains(a.Values, value) {
		a.Values = append(a.Values, value)
	}
}

func (e *entry) removeValue(name, value string) {
	a := e.attr(name)
	if a == nil {
		return
	}
	a.Values = slices.DeleteFunc(a.Values, func(v string) bool { return v == value })
	if len(a.Values) == 0 {
		e.removeAttr(name)
	}
}

func (e *entry) removeAttr(name string) {
	e.attrs = slices.DeleteFunc(e.attrs, func(a *goldap.EntryAttribute) bool {
		return strings.EqualFold(a.Name, name)
	})
}

// apply performs one modification with LDAP result codes for failures.
func (e *entry) apply(change goldap.Change) error {
	name := change.Modification.Type
	values := change.Modification.Vals

	switch change.Operation {
	case goldap.AddAttribute:
		for _, v := range values {
			if a := e.attr(name); a != nil && slices.Contains(a.Values, v) {
				return goldap.NewError(goldap.LDAPResultAttributeOrValueExists, fmt.Errorf("%s already has value %q", name, v))
			}
			e.addValue(name, v)
		}

	case goldap.DeleteAttribute:
		a := e.attr(name)
		if a == nil {
			return goldap.NewError(goldap.LDAPResultNoSuchAttribute, fmt.Errorf("no attribute %s", name))
		}
		if len(values) == 0 {
			e.removeAttr(name)
			return nil
		}
		for _, v := range values {
			if !slices.Contains(a.Values, v) {
				return goldap.NewError(goldap.LDAPResultNoSuchAttribute, fmt.Errorf("%s has no value %q", name, v))
			}
		}
		for _, v := range values {
			e.removeValue(name, v)
		}

	case goldap.ReplaceAttribute:
		e.removeAttr(name)
		if len(values) > 0 {
			e.attrs = append(e.attrs, &goldap.EntryAttribute{Name: name, Values: slices.Clone(values)})
		}

	case goldap.IncrementAttribute:
		a := e.attr(name)
		if a == nil || len(a.Values) != 1 || len(values) != 1 {
			return goldap.NewError(goldap.LDAPResultConstraintViolation, fmt.Errorf("cannot increment %s", name))
		}
		current, err := strconv.ParseInt(a.Values[0], 10, 64)
		if err != nil {
			return goldap.NewError(goldap.LDAPResultConstraintViolation, err)
		}
		delta, err := strconv.ParseInt(values[0], 10, 64)
		if err != nil {
			return goldap.NewError(goldap.LDAPResultInvalidAttributeSyntax, err)
		}
		a.Values[0] = strconv.FormatInt(current+delta, 10)

	default:
		return goldap.NewError(goldap.LDAPResultProtocolError, fmt.Errorf("unknown modify operation %d", change.Operation))
	}

	return nil
}
