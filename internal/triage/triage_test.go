package triage

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"taskbridge/internal/config"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestNormalizeTrimsAndCanonicalizes(t *testing.T) {
	task, err := Normalize(Intake{
		Title:       "  Fix broken export  ",
		Description: " nightly export fails ",
		Client:      " ACME ",
	}, now)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if task.Title != "Fix broken export" {
		t.Errorf("title = %q", task.Title)
	}
	if task.Description != "nightly export fails" {
		t.Errorf("description = %q", task.Description)
	}
	if task.Client != "acme" {
		t.Errorf("client = %q", task.Client)
	}
	if !strings.HasPrefix(task.ID, "tsk_") || len(task.ID) != 16 {
		t.Errorf("id = %q", task.ID)
	}
	if task.CreatedAt != "2024-06-01T12:00:00Z" {
		t.Errorf("created_at = %q", task.CreatedAt)
	}
}

func TestNormalizeClientPrefix(t *testing.T) {
	task, err := Normalize(Intake{Title: "[ACME] Fix broken export"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if task.Client != "acme" {
		t.Errorf("client = %q", task.Client)
	}
	if task.Title != "Fix broken export" {
		t.Errorf("title = %q", task.Title)
	}

	// An explicit client wins over the prefix.
	task, err = Normalize(Intake{Title: "[ACME] Fix broken export", Client: "globex"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if task.Client != "globex" {
		t.Errorf("client = %q", task.Client)
	}
}

func TestNormalizeDeadlineInvariant(t *testing.T) {
	past := now.Add(-time.Hour).Format(time.RFC3339)
	if _, err := Normalize(Intake{Title: "x", Deadline: past}, now); err == nil {
		t.Fatal("expected rejection of past deadline")
	}
	if _, err := Normalize(Intake{Title: "x", Deadline: "not-a-date"}, now); err == nil {
		t.Fatal("expected rejection of unparseable deadline")
	}
	future := now.Add(time.Hour).Format(time.RFC3339)
	task, err := Normalize(Intake{Title: "x", Deadline: future}, now)
	if err != nil {
		t.Fatal(err)
	}
	if task.Deadline == nil || *task.Deadline != future {
		t.Errorf("deadline = %v", task.Deadline)
	}
}

func TestClassify(t *testing.T) {
	cfg := config.Default("test")
	cases := []struct {
		title, desc, want string
	}{
		{"API returns 500 on login", "", "bugfix"},
		{"Monthly metrics report", "dashboard numbers", "report"},
		{"Provision access for new hire", "setup accounts", "onboarding"},
		{"Think about roadmap", "", "general"},
	}
	for _, tc := range cases {
		task, err := Normalize(Intake{Title: tc.title, Description: tc.desc}, now)
		if err != nil {
			t.Fatal(err)
		}
		if got := Classify(task, cfg); got != tc.want {
			t.Errorf("Classify(%q) = %q, want %q", tc.title, got, tc.want)
		}
	}
}

func TestFillDefaultsAndFixedPoint(t *testing.T) {
	cfg := config.Default("test")
	task, err := Normalize(Intake{Title: "API returns 500 on login"}, now)
	if err != nil {
		t.Fatal(err)
	}
	task.Type = Classify(task, cfg)
	filled := FillDefaults(task, cfg)
	if filled.EffortHours != 2 {
		t.Errorf("effort = %v", filled.EffortHours)
	}
	if filled.Importance != 4 {
		t.Errorf("importance = %v", filled.Importance)
	}
	wantLabels := []string{"bug", "triaged"}
	if !reflect.DeepEqual(filled.Labels, wantLabels) {
		t.Errorf("labels = %v", filled.Labels)
	}
	// Re-running the triage transform on its own output changes nothing.
	again := FillDefaults(filled, cfg)
	again.Type = Classify(again, cfg)
	if !reflect.DeepEqual(filled, again) {
		t.Errorf("fill_defaults not a fixed point:\n%+v\n%+v", filled, again)
	}
}

func TestImportanceBiasClamped(t *testing.T) {
	cfg := config.Default("test")
	cfg.Clients["bigco"] = config.Client{SLAHours: 24, DailyCapacityHours: 4, ImportanceBias: 2.0, TargetShare: 0.5}
	task, err := Normalize(Intake{Title: "API returns 500", Client: "bigco"}, now)
	if err != nil {
		t.Fatal(err)
	}
	task.Type = Classify(task, cfg)
	filled := FillDefaults(task, cfg)
	if filled.Importance != 5 {
		t.Errorf("importance = %d, want clamp to 5", filled.Importance)
	}
}

func TestDeriveChildrenSubstitution(t *testing.T) {
	cfg := config.Default("test")
	task, err := Normalize(Intake{Title: "Export crash", Client: "acme"}, now)
	if err != nil {
		t.Fatal(err)
	}
	task.Type = "bugfix"
	subtasks, checklist := DeriveChildren(task, cfg)
	if len(subtasks) != 2 || subtasks[0] != "Investigate: Export crash" {
		t.Errorf("subtasks = %v", subtasks)
	}
	found := false
	for _, item := range checklist {
		if item == "Verify fix for acme" {
			found = true
		}
	}
	if !found {
		t.Errorf("checklist missing client substitution: %v", checklist)
	}

	// Explicit overrides are preserved.
	task.Subtasks = []string{"custom"}
	subtasks, _ = DeriveChildren(task, cfg)
	if !reflect.DeepEqual(subtasks, []string{"custom"}) {
		t.Errorf("override not kept: %v", subtasks)
	}
}
