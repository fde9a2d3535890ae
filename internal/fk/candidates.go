// Package fk discovers and validates foreign-key relationships: naming
// pattern matchers propose candidate edges, and a progressive-sampling
// validator measures their integrity against the source.
package fk

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// TableInfo is the slice of catalog state the matchers need.
type TableInfo struct {
	QualifiedName string
	Columns       []string
	PrimaryKey    []string // confirmed grain; empty when unknown
}

// Entity returns the table part of the qualified name.
func (t TableInfo) Entity() string {
	if i := strings.LastIndex(t.QualifiedName, "."); i >= 0 {
		return t.QualifiedName[i+1:]
	}
	return t.QualifiedName
}

// Candidate is a proposed parent -> referenced edge.
type Candidate struct {
	ParentTable       string
	ParentColumns     []string
	ReferencedTable   string
	ReferencedColumns []string
	PatternName       string
	Priority          int
	Confidence        float64
}

func (c Candidate) key() string {
	return fmt.Sprintf("%s:%s->%s:%s",
		c.ParentTable, strings.Join(c.ParentColumns, ","),
		c.ReferencedTable, strings.Join(c.ReferencedColumns, ","))
}

func (c Candidate) columnKey() string {
	return strings.Join(c.ParentColumns, "|")
}

// Matcher tests one naming convention.
type Matcher interface {
	Name() string
	// Match proposes edges from column colName of source to target's
	// primary key.
	Match(colName string, source, target TableInfo) []Candidate
}

func normalize(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, " ", "_"))
}

// sameNameMatcher matches an FK column whose name equals a PK column of
// the target, exactly or after normalisation.
type sameNameMatcher struct{}

func (sameNameMatcher) Name() string { return "same_name" }

func (m sameNameMatcher) Match(colName string, source, target TableInfo) []Candidate {
	var out []Candidate
	for _, pkCol := range target.PrimaryKey {
		switch {
		case colName == pkCol:
			out = append(out, Candidate{
				ParentTable:       source.QualifiedName,
				ParentColumns:     []string{colName},
				ReferencedTable:   target.QualifiedName,
				ReferencedColumns: []string{pkCol},
				PatternName:       m.Name(),
				Priority:          1,
				Confidence:        0.9,
			})
		case normalize(colName) == normalize(pkCol):
			out = append(out, Candidate{
				ParentTable:       source.QualifiedName,
				ParentColumns:     []string{colName},
				ReferencedTable:   target.QualifiedName,
				ReferencedColumns: []string{pkCol},
				PatternName:       m.Name(),
				Priority:          2,
				Confidence:        0.7,
			})
		}
	}
	return out
}

// entityNameMatcher matches <Entity><suffix> columns against the target
// entity's PK (e.g. Customer_ID -> Customers.CustomerID).
type entityNameMatcher struct{}

func (entityNameMatcher) Name() string { return "entity_name" }

var entitySuffixes = []string{"_ID", "_KEY", "_SK", "_SID", "ID", "KEY"}

func (m entityNameMatcher) Match(colName string, source, target TableInfo) []Candidate {
	if len(target.PrimaryKey) == 0 {
		return nil
	}
	entity := normalize(target.Entity())
	singular := strings.TrimSuffix(entity, "S")
	norm := normalize(colName)

	for _, suffix := range entitySuffixes {
		if norm == entity+suffix || norm == singular+suffix {
			return []Candidate{{
				ParentTable:       source.QualifiedName,
				ParentColumns:     []string{colName},
				ReferencedTable:   target.QualifiedName,
				ReferencedColumns: []string{target.PrimaryKey[0]},
				PatternName:       m.Name(),
				Priority:          2,
				Confidence:        0.8,
			}}
		}
	}
	return nil
}

// suffixMatcher strips a trailing key suffix off the column name and
// matches the bare stem against the target entity (Cust_ID ->
// Customers). Broader than entityNameMatcher: the stem only has to be a
// prefix of the entity, so abbreviations still land.
type suffixMatcher struct{}

func (suffixMatcher) Name() string { return "suffix" }

var keySuffixRe = regexp.MustCompile(`(?i)^(.+?)_?(ID|KEY|SK|SID)$`)

func (m suffixMatcher) Match(colName string, source, target TableInfo) []Candidate {
	if len(target.PrimaryKey) == 0 {
		return nil
	}
	groups := keySuffixRe.FindStringSubmatch(colName)
	if groups == nil {
		return nil
	}
	stem := normalize(groups[1])
	entity := normalize(target.Entity())

	if stem != entity && !strings.HasPrefix(entity, stem) {
		return nil
	}
	return []Candidate{{
		ParentTable:       source.QualifiedName,
		ParentColumns:     []string{colName},
		ReferencedTable:   target.QualifiedName,
		ReferencedColumns: []string{target.PrimaryKey[0]},
		PatternName:       m.Name(),
		Priority:          3,
		Confidence:        0.5,
	}}
}

// compositeMatcher proposes a multi-column edge when every PK column of
// the target appears (by normalized name) in the source. It fires once
// per table pair, keyed off the first PK column.
type compositeMatcher struct{}

func (compositeMatcher) Name() string { return "composite" }

func (m compositeMatcher) Match(colName string, source, target TableInfo) []Candidate {
	if len(target.PrimaryKey) < 2 || normalize(colName) != normalize(target.PrimaryKey[0]) {
		return nil
	}
	have := make(map[string]string, len(source.Columns))
	for _, c := range source.Columns {
		have[normalize(c)] = c
	}
	parentCols := make([]string, 0, len(target.PrimaryKey))
	for _, pkCol := range target.PrimaryKey {
		src, ok := have[normalize(pkCol)]
		if !ok {
			return nil
		}
		parentCols = append(parentCols, src)
	}
	return []Candidate{{
		ParentTable:       source.QualifiedName,
		ParentColumns:     parentCols,
		ReferencedTable:   target.QualifiedName,
		ReferencedColumns: append([]string(nil), target.PrimaryKey...),
		PatternName:       m.Name(),
		Priority:          1,
		Confidence:        0.85,
	}}
}

// Registry runs every matcher over every (column, target) pair and
// returns ranked, deduplicated candidates.
type Registry struct {
	matchers []Matcher
}

// NewRegistry returns the default matcher set.
func NewRegistry() *Registry {
	return &Registry{matchers: []Matcher{
		sameNameMatcher{},
		entityNameMatcher{},
		suffixMatcher{},
		compositeMatcher{},
	}}
}

// DefaultTopNPerColumn caps candidates per source column set.
const DefaultTopNPerColumn = 3

// Discover proposes edges from source into targets, ranked by
// (priority, -confidence), deduplicated, and capped per source column.
func (r *Registry) Discover(source TableInfo, targets []TableInfo, topNPerColumn int) []Candidate {
	if topNPerColumn <= 0 {
		topNPerColumn = DefaultTopNPerColumn
	}

	var candidates []Candidate
	seen := make(map[string]struct{})
	for _, m := range r.matchers {
		for _, colName := range source.Columns {
			for _, target := range targets {
				if target.QualifiedName == source.QualifiedName || len(target.PrimaryKey) == 0 {
					continue
				}
				for _, cand := range m.Match(colName, source, target) {
					if _, dup := seen[cand.key()]; dup {
						continue
					}
					seen[cand.key()] = struct{}{}
					candidates = append(candidates, cand)
				}
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].Confidence > candidates[j].Confidence
	})

	perColumn := make(map[string]int)
	filtered := candidates[:0]
	for _, cand := range candidates {
		if perColumn[cand.columnKey()] >= topNPerColumn {
			continue
		}
		perColumn[cand.columnKey()]++
		filtered = append(filtered, cand)
	}
	return filtered
}
