// Package deps validates story dependency graphs and levels them into
// execution phases.
package deps

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hay-kot/criterio"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/parser"
)

// EdgeKind classifies an invalid dependency edge
type EdgeKind string

const (
	EdgeUnknown EdgeKind = "unknown"
	EdgeSelf    EdgeKind = "self"
	EdgeOutside EdgeKind = "outside-set"
	EdgeCycle   EdgeKind = "cycle"
	EdgeBlocked EdgeKind = "unsatisfiable"
)

// Edge is one offending dependency
type Edge struct {
	StoryID   string
	DependsOn string
	Kind      EdgeKind
}

func (e Edge) String() string {
	return fmt.Sprintf("%s -> %s (%s)", e.StoryID, e.DependsOn, e.Kind)
}

// ValidationError lists every invalid edge in a dependency graph
type ValidationError struct {
	Edges []Edge
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Edges))
	for i, edge := range e.Edges {
		parts[i] = edge.String()
	}
	return fmt.Sprintf("invalid dependency graph: %s", strings.Join(parts, "; "))
}

// Unwrap exposes the edges as per-story field errors
func (e *ValidationError) Unwrap() error {
	var errs criterio.FieldErrorsBuilder
	for _, edge := range e.Edges {
		errs = errs.Append(edge.StoryID+".dependencies", fmt.Errorf("%s: %s", edge.Kind, edge.DependsOn))
	}
	return errs.ToError()
}

// Option configures validation
type Option func(*options)

type options struct {
	known map[string]bool
}

// WithKnownIDs names stories that exist outside the selected set. A
// dependency on one of them is reported as outside-set rather than unknown.
func WithKnownIDs(ids ...string) Option {
	return func(o *options) {
		for _, id := range ids {
			o.known[id] = true
		}
	}
}

// Validate checks that every dependency of stories is either pre-satisfied or
// another story in the set, and that the graph is acyclic. All problems are
// reported together.
func Validate(stories []domain.Story, preSatisfied []string, opts ...Option) error {
	o := &options{known: make(map[string]bool)}
	for _, opt := range opts {
		opt(o)
	}

	inSet := make(map[string]bool, len(stories))
	for _, s := range stories {
		inSet[s.ID] = true
	}
	satisfied := toSet(preSatisfied)

	var edges []Edge
	for _, s := range stories {
		for _, dep := range s.Dependencies {
			switch {
			case dep == s.ID:
				edges = append(edges, Edge{s.ID, dep, EdgeSelf})
			case inSet[dep], satisfied[dep]:
			case o.known[dep]:
				edges = append(edges, Edge{s.ID, dep, EdgeOutside})
			default:
				edges = append(edges, Edge{s.ID, dep, EdgeUnknown})
			}
		}
	}

	edges = append(edges, cycleEdges(stories, inSet)...)

	if len(edges) == 0 {
		return nil
	}
	return &ValidationError{Edges: edges}
}

// Group levels stories into phases: phase 0 holds stories whose dependencies
// are all pre-satisfied, phase k those satisfied by phases before k. Stories
// within a phase are ordered by priority, creation time and id.
func Group(stories []domain.Story, preSatisfied []string, opts ...Option) ([][]domain.Story, error) {
	if err := Validate(stories, preSatisfied, opts...); err != nil {
		return nil, err
	}

	satisfied := toSet(preSatisfied)
	remaining := make([]domain.Story, len(stories))
	copy(remaining, stories)

	var phases [][]domain.Story
	for len(remaining) > 0 {
		var level, rest []domain.Story
		for _, s := range remaining {
			if allSatisfied(s, satisfied) {
				level = append(level, s)
			} else {
				rest = append(rest, s)
			}
		}

		if len(level) == 0 {
			edges := make([]Edge, 0, len(rest))
			for _, s := range rest {
				for _, dep := range s.Dependencies {
					if !satisfied[dep] {
						edges = append(edges, Edge{s.ID, dep, EdgeBlocked})
					}
				}
			}
			return nil, &ValidationError{Edges: edges}
		}

		parser.SortByPriority(level)
		for _, s := range level {
			satisfied[s.ID] = true
		}
		phases = append(phases, level)
		remaining = rest
	}

	return phases, nil
}

func allSatisfied(s domain.Story, satisfied map[string]bool) bool {
	for _, dep := range s.Dependencies {
		if !satisfied[dep] {
			return false
		}
	}
	return true
}

// cycleEdges returns the in-set edges that lie on a cycle, found as strongly
// connected components with more than one member.
func cycleEdges(stories []domain.Story, inSet map[string]bool) []Edge {
	ids := make([]string, 0, len(stories))
	graph := make(map[string][]string, len(stories))
	for _, s := range stories {
		ids = append(ids, s.ID)
		for _, dep := range s.Dependencies {
			if dep != s.ID && inSet[dep] {
				graph[s.ID] = append(graph[s.ID], dep)
			}
		}
	}
	sort.Strings(ids)

	component := tarjan(ids, graph)
	size := make(map[int]int)
	for _, c := range component {
		size[c]++
	}

	var edges []Edge
	for _, id := range ids {
		for _, dep := range graph[id] {
			c := component[id]
			if size[c] > 1 && component[dep] == c {
				edges = append(edges, Edge{id, dep, EdgeCycle})
			}
		}
	}
	return edges
}

// tarjan assigns each node the index of its strongly connected component
func tarjan(ids []string, graph map[string][]string) map[string]int {
	var (
		index    = 0
		indices  = make(map[string]int)
		lowlink  = make(map[string]int)
		onStack  = make(map[string]bool)
		stack    []string
		comp     = make(map[string]int)
		nextComp = 0
		visit    func(v string)
	)

	visit = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, seen := indices[w]; !seen {
				visit(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp[w] = nextComp
				if w == v {
					break
				}
			}
			nextComp++
		}
	}

	for _, id := range ids {
		if _, seen := indices[id]; !seen {
			visit(id)
		}
	}
	return comp
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
