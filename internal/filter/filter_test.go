package filter_test

import (
	"testing"

	"gaffer/internal/domain"
	"gaffer/internal/filter"
)

func TestParse(t *testing.T) {
	p, err := filter.Parse("status=todo")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Field != "status" || p.Op != filter.OpEq || p.Value != "todo" {
		t.Fatalf("unexpected predicate: %+v", p)
	}

	p, err = filter.Parse("status!=done")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Field != "status" || p.Op != filter.OpNeq || p.Value != "done" {
		t.Fatalf("unexpected predicate: %+v", p)
	}

	if _, err := filter.Parse("nonsense"); err == nil {
		t.Fatal("expected error for expression without operator")
	}
	if _, err := filter.Parse("=value"); err == nil {
		t.Fatal("expected error for empty field")
	}
}

func TestParseNormalizesPriority(t *testing.T) {
	for _, raw := range []string{"priority=2", "priority=P2", "priority=p2"} {
		p, err := filter.Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if p.Value != "P2" {
			t.Fatalf("parse %q: value = %q, want P2", raw, p.Value)
		}
	}
}

func TestMatchTask(t *testing.T) {
	task := domain.Task{ID: "task-1", ProjectID: "proj-1", Title: "Ship it", Status: domain.TaskTodo, Priority: 1}
	fields := filter.TaskFields(task)

	preds, err := filter.ParseAll([]string{"status=todo", "priority=P1"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ok, warns := filter.Match(preds, fields)
	if !ok {
		t.Fatal("expected match")
	}
	if len(warns) != 0 {
		t.Fatalf("unexpected warnings: %v", warns)
	}

	preds, _ = filter.ParseAll([]string{"status!=todo"})
	if ok, _ := filter.Match(preds, fields); ok {
		t.Fatal("status!=todo should not match a todo task")
	}

	preds, _ = filter.ParseAll([]string{"status=todo", "project_id=proj-other"})
	if ok, _ := filter.Match(preds, fields); ok {
		t.Fatal("all predicates must match")
	}
}

func TestMatchUnresolvableField(t *testing.T) {
	fields := filter.ProjectFields(domain.Project{ID: "proj-1", Slug: "api", Status: "active"})

	preds, err := filter.ParseAll([]string{"flavor=blue"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ok, warns := filter.Match(preds, fields)
	if ok {
		t.Fatal("unresolvable field must not match")
	}
	if len(warns) != 1 || warns[0] != "flavor" {
		t.Fatalf("warnings = %v, want [flavor]", warns)
	}

	// Unresolvable applies to != as well: no resolution means no match.
	preds, _ = filter.ParseAll([]string{"flavor!=blue"})
	if ok, _ := filter.Match(preds, fields); ok {
		t.Fatal("unresolvable field must not match even with !=")
	}
}

func TestMatchNilFields(t *testing.T) {
	preds, _ := filter.ParseAll([]string{"status=todo"})
	if ok, _ := filter.Match(preds, nil); ok {
		t.Fatal("nil fields resolve nothing")
	}
	if ok, _ := filter.Match(nil, nil); !ok {
		t.Fatal("zero predicates match vacuously")
	}
}
