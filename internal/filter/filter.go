// Package filter implements worker subscription predicates of the form
// field=value and field!=value, evaluated against the entity an event is
// about.
package filter

import (
	"fmt"
	"strings"

	"gaffer/internal/domain"
)

type Op string

const (
	OpEq  Op = "="
	OpNeq Op = "!="
)

type Predicate struct {
	Field string
	Op    Op
	Value string
}

func (p Predicate) String() string {
	return p.Field + string(p.Op) + p.Value
}

// Parse reads a single field=value or field!=value expression. The != check
// runs first so "a!=b" is not misread as field "a!" equals "b".
func Parse(expr string) (Predicate, error) {
	if i := strings.Index(expr, "!="); i > 0 {
		return normalize(Predicate{Field: expr[:i], Op: OpNeq, Value: expr[i+2:]}), nil
	}
	if i := strings.Index(expr, "="); i > 0 {
		return normalize(Predicate{Field: expr[:i], Op: OpEq, Value: expr[i+1:]}), nil
	}
	return Predicate{}, fmt.Errorf("invalid filter %q: want field=value or field!=value", expr)
}

func ParseAll(exprs []string) ([]Predicate, error) {
	var preds []Predicate
	for _, expr := range exprs {
		p, err := Parse(expr)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func normalize(p Predicate) Predicate {
	p.Field = strings.TrimSpace(strings.ToLower(p.Field))
	p.Value = strings.TrimSpace(p.Value)
	if p.Field == "priority" {
		if n, err := domain.ParsePriority(p.Value); err == nil {
			p.Value = domain.PriorityLabel(n)
		}
	}
	return p
}

// Fields maps resolvable field names to their values for one entity.
type Fields map[string]string

func TaskFields(t domain.Task) Fields {
	return Fields{
		"id":          t.ID,
		"project_id":  t.ProjectID,
		"title":       t.Title,
		"description": t.Description,
		"status":      t.Status,
		"priority":    domain.PriorityLabel(t.Priority),
		"output":      t.Output,
	}
}

func ProjectFields(p domain.Project) Fields {
	return Fields{
		"id":          p.ID,
		"slug":        p.Slug,
		"name":        p.Name,
		"description": p.Description,
		"owner":       p.Owner,
		"status":      p.Status,
	}
}

func InitiativeFields(in domain.Initiative) Fields {
	return Fields{
		"id":     in.ID,
		"slug":   in.Slug,
		"name":   in.Name,
		"status": in.Status,
	}
}

// Match evaluates every predicate against the fields and reports whether all
// match. A predicate whose field is not resolvable never matches; its name is
// returned so the caller can log a warning. A nil fields map resolves nothing.
func Match(preds []Predicate, fields Fields) (bool, []string) {
	var unresolved []string
	ok := true
	for _, p := range preds {
		v, found := fields[p.Field]
		if !found {
			unresolved = append(unresolved, p.Field)
			ok = false
			continue
		}
		switch p.Op {
		case OpEq:
			if v != p.Value {
				ok = false
			}
		case OpNeq:
			if v == p.Value {
				ok = false
			}
		}
	}
	return ok, unresolved
}
