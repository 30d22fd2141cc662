// Package store implements C3: a typed accessor facade over the tabular
// datastore, with filter predicates composed from a small typed algebra
// (eq, ne, empty, len_lt, is_after_now, and, or) that compiles to an
// `expr-lang/expr` program instead of ever crossing the boundary as a raw
// formula string (spec §4.3, §9 "string-formula queries -> predicate
// algebra").
package store

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Predicate is a node in the typed filter algebra. Compile turns it into an
// expr source fragment plus the literal parameters it references; no user
// value is ever interpolated directly into the source string.
type Predicate interface {
	compile(p *params) string
}

type params struct {
	values map[string]interface{}
	n      int
}

func newParams() *params { return &params{values: map[string]interface{}{}} }

func (p *params) add(v interface{}) string {
	key := fmt.Sprintf("p%d", p.n)
	p.n++
	p.values[key] = v
	return key
}

type eqPredicate struct {
	field string
	value interface{}
}

// Eq matches rows where field equals value.
func Eq(field string, value interface{}) Predicate { return &eqPredicate{field, value} }

func (e *eqPredicate) compile(p *params) string {
	k := p.add(e.value)
	return fmt.Sprintf(`row[%q] == params[%q]`, e.field, k)
}

type nePredicate struct {
	field string
	value interface{}
}

// Ne matches rows where field does not equal value.
func Ne(field string, value interface{}) Predicate { return &nePredicate{field, value} }

func (e *nePredicate) compile(p *params) string {
	k := p.add(e.value)
	return fmt.Sprintf(`row[%q] != params[%q]`, e.field, k)
}

type emptyPredicate struct{ field string }

// Empty matches rows where field is an empty/zero string or nil.
func Empty(field string) Predicate { return &emptyPredicate{field} }

func (e *emptyPredicate) compile(p *params) string {
	return fmt.Sprintf(`(row[%q] == nil || row[%q] == "")`, e.field, e.field)
}

type lenLtPredicate struct {
	field string
	n     int
}

// LenLt matches rows where len(field) < n (field must be a string or slice).
func LenLt(field string, n int) Predicate { return &lenLtPredicate{field, n} }

func (e *lenLtPredicate) compile(p *params) string {
	k := p.add(e.n)
	return fmt.Sprintf(`len(row[%q]) < params[%q]`, e.field, k)
}

type isAfterNowPredicate struct {
	field      string
	hoursDelta float64
}

// IsAfterNow matches rows where field (a time.Time) is after now +
// hoursDelta hours. hoursDelta is typically negative (a lookback window).
func IsAfterNow(field string, hoursDelta float64) Predicate {
	return &isAfterNowPredicate{field, hoursDelta}
}

func (e *isAfterNowPredicate) compile(p *params) string {
	k := p.add(time.Duration(e.hoursDelta * float64(time.Hour)))
	return fmt.Sprintf(`row[%q].After(now.Add(params[%q]))`, e.field, k)
}

type truePredicate struct{}

// True matches every row. Useful for a full-table scan through Find's
// paginated stream, e.g. collecting every known fingerprint for dedup.
func True() Predicate { return truePredicate{} }

func (truePredicate) compile(p *params) string { return "true" }

type andPredicate struct{ operands []Predicate }

// And matches rows where every operand matches.
func And(operands ...Predicate) Predicate { return &andPredicate{operands} }

func (e *andPredicate) compile(p *params) string {
	return joinOperands(e.operands, p, "&&")
}

type orPredicate struct{ operands []Predicate }

// Or matches rows where at least one operand matches.
func Or(operands ...Predicate) Predicate { return &orPredicate{operands} }

func (e *orPredicate) compile(p *params) string {
	return joinOperands(e.operands, p, "||")
}

func joinOperands(operands []Predicate, p *params, op string) string {
	parts := make([]string, len(operands))
	for i, o := range operands {
		parts[i] = "(" + o.compile(p) + ")"
	}
	return strings.Join(parts, " "+op+" ")
}

// compiledPredicate is a Predicate reduced to an expr program plus the
// literal parameter values its source references.
type compiledPredicate struct {
	program *vm.Program
	params  map[string]interface{}
}

// Match evaluates the compiled predicate against one row as of `now`.
func (c *compiledPredicate) Match(row map[string]interface{}, now time.Time) (bool, error) {
	env := map[string]interface{}{
		"row":    row,
		"params": c.params,
		"now":    now,
	}
	out, err := expr.Run(c.program, env)
	if err != nil {
		return false, err
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("predicate did not evaluate to bool")
	}
	return matched, nil
}

// predicateCache is an LRU cache of compiled expr programs keyed by their
// source string, mirroring the DAG engine's condition_cache so predicate
// compilation is never repeated for the same filter shape.
type predicateCache struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
	mu       sync.RWMutex
}

type predicateCacheEntry struct {
	key     string
	program *vm.Program
}

func newPredicateCache(capacity int) *predicateCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &predicateCache{capacity: capacity, cache: map[string]*list.Element{}, lruList: list.New()}
}

func (pc *predicateCache) get(source string) (*vm.Program, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	if el, found := pc.cache[source]; found {
		pc.lruList.MoveToFront(el)
		return el.Value.(*predicateCacheEntry).program, true
	}
	return nil, false
}

func (pc *predicateCache) put(source string, program *vm.Program) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if el, found := pc.cache[source]; found {
		pc.lruList.MoveToFront(el)
		el.Value.(*predicateCacheEntry).program = program
		return
	}
	el := pc.lruList.PushFront(&predicateCacheEntry{key: source, program: program})
	pc.cache[source] = el
	if pc.lruList.Len() > pc.capacity {
		oldest := pc.lruList.Back()
		if oldest != nil {
			pc.lruList.Remove(oldest)
			delete(pc.cache, oldest.Value.(*predicateCacheEntry).key)
		}
	}
}

var globalPredicateCache = newPredicateCache(100)

// Compile reduces a Predicate tree to a compiledPredicate, reusing a cached
// expr program when the same source has been compiled before.
func Compile(p Predicate) (*compiledPredicate, error) {
	ps := newParams()
	source := p.compile(ps)

	program, found := globalPredicateCache.get(source)
	if !found {
		env := map[string]interface{}{
			"row":    map[string]interface{}{},
			"params": map[string]interface{}{},
			"now":    time.Time{},
		}
		compiled, err := expr.Compile(source, expr.Env(env), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("store: compiling predicate %q: %w", source, err)
		}
		program = compiled
		globalPredicateCache.put(source, program)
	}

	return &compiledPredicate{program: program, params: ps.values}, nil
}
