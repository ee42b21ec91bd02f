package search

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"docsense/internal/logging"
	"docsense/internal/store"
)

// =============================================================================
// CANONICAL FIELD REGISTRY
// =============================================================================

// Canonical is one cross-template semantic name. Concrete field names are
// resolved either through explicit per-template mappings or, failing that,
// through name-pattern matching against the fields present in the index.
type Canonical struct {
	Name            string
	Aliases         []string
	Patterns        []string          // substrings matched against concrete field names
	FieldMappings   map[string]string // template name -> field name (explicit, wins over patterns)
	AggregationType string
}

// defaultCanonicals is the built-in registry. User-defined mappings from the
// store are layered on top.
var defaultCanonicals = []Canonical{
	{Name: "amount", Aliases: []string{"total", "sum", "cost", "price", "value"}, Patterns: []string{"amount", "total", "price", "cost", "value", "subtotal"}, AggregationType: "sum"},
	{Name: "date", Aliases: []string{"when", "time"}, Patterns: []string{"date", "_at"}, AggregationType: "date_histogram"},
	{Name: "start_date", Aliases: []string{"effective", "begin"}, Patterns: []string{"start_date", "effective_date", "begin_date", "issue_date"}, AggregationType: "date_histogram"},
	{Name: "end_date", Aliases: []string{"expiry", "expiration", "until"}, Patterns: []string{"end_date", "expiry_date", "expiration_date", "due_date", "termination_date"}, AggregationType: "date_histogram"},
	{Name: "entity_name", Aliases: []string{"vendor", "supplier", "company", "party", "customer", "client"}, Patterns: []string{"vendor", "supplier", "company", "party", "customer", "client", "payee", "name"}, AggregationType: "terms"},
	{Name: "identifier", Aliases: []string{"number", "id", "reference", "ref"}, Patterns: []string{"number", "_id", "reference", "invoice_no", "po_no", "sku"}, AggregationType: "terms"},
	{Name: "status", Aliases: []string{"state"}, Patterns: []string{"status", "state"}, AggregationType: "terms"},
	{Name: "description", Aliases: []string{"details", "notes", "memo"}, Patterns: []string{"description", "details", "notes", "memo"}, AggregationType: "terms"},
	{Name: "quantity", Aliases: []string{"qty", "count", "units"}, Patterns: []string{"quantity", "qty", "count", "units"}, AggregationType: "sum"},
	{Name: "address", Aliases: []string{"location"}, Patterns: []string{"address", "street", "city", "location"}, AggregationType: "terms"},
	{Name: "contact", Aliases: []string{"email", "phone"}, Patterns: []string{"contact", "email", "phone"}, AggregationType: "terms"},
}

// Registry resolves canonical names and aliases. Readers get an immutable
// snapshot; Reload swaps the snapshot atomically so query threads never see
// a half-built table (copy-on-write).
type Registry struct {
	snapshot atomic.Pointer[registrySnapshot]
	mu       sync.Mutex // serializes Reload
}

type registrySnapshot struct {
	byName  map[string]*Canonical
	byAlias map[string]string // alias -> canonical name
}

// NewRegistry builds a registry with the default canonicals only.
func NewRegistry() *Registry {
	r := &Registry{}
	r.install(nil)
	return r
}

// Reload layers user-defined mappings from the store onto the defaults.
func (r *Registry) Reload(st *store.Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, err := st.ListCanonicalMappings()
	if err != nil {
		return err
	}
	r.install(user)
	logging.Index("Canonical registry reloaded: %d built-in + %d user-defined", len(defaultCanonicals), len(user))
	return nil
}

func (r *Registry) install(user []*store.CanonicalMapping) {
	snap := &registrySnapshot{
		byName:  make(map[string]*Canonical),
		byAlias: make(map[string]string),
	}
	for i := range defaultCanonicals {
		c := defaultCanonicals[i] // copy
		snap.byName[c.Name] = &c
		for _, a := range c.Aliases {
			snap.byAlias[a] = c.Name
		}
	}
	for _, m := range user {
		c := &Canonical{
			Name:            m.CanonicalName,
			Aliases:         m.Aliases,
			FieldMappings:   m.FieldMappings,
			AggregationType: m.AggregationType,
		}
		if existing, ok := snap.byName[c.Name]; ok {
			// User definition extends a built-in: keep patterns, override
			// mappings and aggregation.
			c.Patterns = existing.Patterns
		}
		snap.byName[c.Name] = c
		for _, a := range m.Aliases {
			snap.byAlias[a] = c.Name
		}
	}
	r.snapshot.Store(snap)
}

// Resolve finds the canonical for a name or alias.
func (r *Registry) Resolve(term string) (*Canonical, bool) {
	snap := r.snapshot.Load()
	term = strings.ToLower(strings.TrimSpace(term))
	if c, ok := snap.byName[term]; ok {
		return c, true
	}
	if name, ok := snap.byAlias[term]; ok {
		return snap.byName[name], true
	}
	return nil, false
}

// Names returns all canonical names, sorted.
func (r *Registry) Names() []string {
	snap := r.snapshot.Load()
	names := make([]string, 0, len(snap.byName))
	for n := range snap.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ExpandFields rewrites a canonical reference into the concrete field names
// it covers, given the fields known to the index per template. When
// pinTemplate is non-empty, resolution is restricted to that template.
func (c *Canonical) ExpandFields(templateFields map[string][]string, pinTemplate string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	for tmpl, fields := range templateFields {
		if pinTemplate != "" && tmpl != pinTemplate {
			continue
		}
		if mapped, ok := c.FieldMappings[tmpl]; ok {
			add(mapped)
			continue
		}
		for _, f := range fields {
			if c.matchesPattern(f) {
				add(f)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (c *Canonical) matchesPattern(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, p := range c.Patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
