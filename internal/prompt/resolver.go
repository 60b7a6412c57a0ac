// Package prompt substitutes named variables into prompt templates.
//
// Two placeholder syntaxes coexist in stored templates: double-brace ({{KEY}}) and
// brace-bracket ({[KEY]}). Every registered syntax is attempted for every key, so callers
// never need to know which one a template uses.
package prompt

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ashureev/draftsmith/internal/failure"
)

// Match is one placeholder occurrence: the byte span [Start, End) and its key.
type Match struct {
	Start, End int
	Key        string
}

// Syntax is one placeholder notation.
type Syntax interface {
	// Name identifies the syntax in diagnostics.
	Name() string
	// Find returns every placeholder in text, in order of appearance.
	Find(text string) []Match
}

type delimited struct {
	name    string
	pattern *regexp.Regexp
}

func newDelimited(name, open, close string) *delimited {
	return &delimited{
		name:    name,
		pattern: regexp.MustCompile(regexp.QuoteMeta(open) + `\s*([A-Za-z0-9_.\-]+)\s*` + regexp.QuoteMeta(close)),
	}
}

func (d *delimited) Name() string { return d.name }

func (d *delimited) Find(text string) []Match {
	idx := d.pattern.FindAllStringSubmatchIndex(text, -1)
	out := make([]Match, 0, len(idx))
	for _, m := range idx {
		out = append(out, Match{Start: m[0], End: m[1], Key: text[m[2]:m[3]]})
	}
	return out
}

var (
	// DoubleBrace matches {{KEY}}.
	DoubleBrace Syntax = newDelimited("double_brace", "{{", "}}")
	// BraceBracket matches {[KEY]}.
	BraceBracket Syntax = newDelimited("brace_bracket", "{[", "]}")
)

// Resolver applies a set of registered syntaxes.
type Resolver struct {
	mu       sync.RWMutex
	syntaxes []Syntax
}

// NewResolver creates a resolver. With no arguments it registers both stock syntaxes.
func NewResolver(syntaxes ...Syntax) *Resolver {
	if len(syntaxes) == 0 {
		syntaxes = []Syntax{DoubleBrace, BraceBracket}
	}
	return &Resolver{syntaxes: syntaxes}
}

// Register adds a syntax. Existing call sites pick it up automatically.
func (r *Resolver) Register(s Syntax) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syntaxes = append(r.syntaxes, s)
}

// placeholders returns the non-overlapping placeholders of text across every syntax,
// ordered by position. On overlap the earlier, then longer, match wins.
func (r *Resolver) placeholders(text string) []Match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []Match
	for _, s := range r.syntaxes {
		all = append(all, s.Find(text)...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Start != all[j].Start {
			return all[i].Start < all[j].Start
		}
		return all[i].End > all[j].End
	})

	out := all[:0]
	end := 0
	for _, m := range all {
		if m.Start < end {
			continue
		}
		out = append(out, m)
		end = m.End
	}
	return out
}

// expand rewrites template in a single pass. Inserted values are never scanned again,
// so a value that looks like a placeholder stays literal.
func expand(template string, matches []Match, vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(template))
	last := 0
	for _, m := range matches {
		v, ok := vars[m.Key]
		if !ok {
			continue
		}
		b.WriteString(template[last:m.Start])
		b.WriteString(v)
		last = m.End
	}
	b.WriteString(template[last:])
	return b.String()
}

// Resolve substitutes the placeholders of template whose keys are in vars, in every
// registered syntax. Placeholders whose keys are absent from vars are left verbatim.
func (r *Resolver) Resolve(template string, vars map[string]string) string {
	return expand(template, r.placeholders(template), vars)
}

// Unresolved returns the distinct keys of placeholders in text, in any syntax.
func (r *Resolver) Unresolved(text string) []string {
	return missingKeys(r.placeholders(text), nil)
}

func missingKeys(matches []Match, vars map[string]string) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, m := range matches {
		if _, ok := vars[m.Key]; ok || seen[m.Key] {
			continue
		}
		seen[m.Key] = true
		keys = append(keys, m.Key)
	}
	sort.Strings(keys)
	return keys
}

// ResolveStrict resolves template and fails with a template error if the template names
// a placeholder that vars does not supply. Only the template is checked; values may
// contain anything.
func (r *Resolver) ResolveStrict(template string, vars map[string]string) (string, error) {
	matches := r.placeholders(template)
	if left := missingKeys(matches, vars); len(left) > 0 {
		return "", failure.Template(nil, "prompt template has unresolved placeholders: %s", strings.Join(left, ", "))
	}
	return expand(template, matches, vars), nil
}

var defaultResolver = NewResolver()

// Resolve substitutes vars using both stock syntaxes.
func Resolve(template string, vars map[string]string) string {
	return defaultResolver.Resolve(template, vars)
}

// Unresolved reports leftover placeholders using both stock syntaxes.
func Unresolved(text string) []string {
	return defaultResolver.Unresolved(text)
}
