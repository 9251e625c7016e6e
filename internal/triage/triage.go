// Package triage turns a raw intake record into a normalized, classified,
// fully-defaulted task. Every function here is pure over (input, config,
// now): re-running triage on its own output is a fixed point.
package triage

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskbridge/internal/config"
	"taskbridge/internal/domain"
)

// Intake is a raw work item as received from an intake channel.
type Intake struct {
	Title       string
	Description string
	Client      string
	Deadline    string
	Importance  int
	EffortHours float64
	Labels      []string
}

var clientPrefixRe = regexp.MustCompile(`^\[(\w+)\]\s*`)

// Normalize trims and canonicalizes the intake into a task. The deadline is
// parsed as UTC; a deadline at or before now violates the data model and is
// rejected here, synchronously, before anything is persisted.
func Normalize(in Intake, now time.Time) (domain.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Task{}, fmt.Errorf("title is required")
	}
	client := strings.ToLower(strings.TrimSpace(in.Client))
	// A leading [CLIENT] tag in the title wins when no client was supplied.
	if client == "" || client == "unknown" {
		if m := clientPrefixRe.FindStringSubmatch(title); m != nil {
			client = strings.ToLower(m[1])
			title = strings.TrimSpace(clientPrefixRe.ReplaceAllString(title, ""))
		}
	}
	if client == "" {
		client = "unknown"
	}
	ts := now.UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:             "tsk_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Title:          title,
		Description:    strings.TrimSpace(in.Description),
		Client:         client,
		Importance:     in.Importance,
		EffortHours:    in.EffortHours,
		Status:         domain.TaskPending,
		Labels:         append([]string(nil), in.Labels...),
		CreatedAt:      ts,
		UpdatedAt:      ts,
		LastActivityAt: ts,
	}
	if strings.TrimSpace(in.Deadline) != "" {
		d, err := time.Parse(time.RFC3339, strings.TrimSpace(in.Deadline))
		if err != nil {
			return domain.Task{}, fmt.Errorf("invalid deadline: %w", err)
		}
		if !d.After(now) {
			return domain.Task{}, fmt.Errorf("deadline must be after creation time")
		}
		iso := d.UTC().Format(time.RFC3339)
		t.Deadline = &iso
	}
	if in.Importance != 0 && (in.Importance < 1 || in.Importance > 5) {
		return domain.Task{}, fmt.Errorf("importance must be in [1,5]")
	}
	if in.EffortHours < 0 {
		return domain.Task{}, fmt.Errorf("effort_hours must be > 0")
	}
	return t, nil
}

// Classify matches title+description against each type's keyword set. The
// first type (in deterministic order) with the most keyword hits wins;
// anything without a hit falls back to general.
func Classify(t domain.Task, cfg *config.Config) string {
	text := strings.ToLower(t.Title + " " + t.Description)
	best := "general"
	bestHits := 0
	for _, name := range cfg.TypeNames() {
		tt := cfg.TaskTypes[name]
		hits := 0
		for _, kw := range tt.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits > bestHits {
			best = name
			bestHits = hits
		}
	}
	return best
}

// FillDefaults populates missing effort, importance and labels from the
// type's defaults. The client importance bias is applied multiplicatively,
// clamped to [1,5], at fill time only: a task that already carries an
// importance keeps it, which makes the whole triage pipeline a fixed point.
func FillDefaults(t domain.Task, cfg *config.Config) domain.Task {
	tt := cfg.TypeFor(t.Type)
	cl := cfg.ClientFor(t.Client)
	if t.EffortHours == 0 {
		t.EffortHours = tt.DefaultEffortHours
	}
	if t.Importance == 0 {
		bias := cl.ImportanceBias
		if bias == 0 {
			bias = 1.0
		}
		biased := int(float64(tt.DefaultImportance)*bias + 0.5)
		if biased < 1 {
			biased = 1
		}
		if biased > 5 {
			biased = 5
		}
		t.Importance = biased
	}
	t.Labels = mergeLabels(t.Labels, tt.Labels)
	return t
}

// DeriveChildren instantiates the type's checklist and subtask templates,
// substituting {client} and {title}. Existing overrides are kept as-is.
func DeriveChildren(t domain.Task, cfg *config.Config) (subtasks, checklist []string) {
	tt := cfg.TypeFor(t.Type)
	if len(t.Subtasks) > 0 {
		subtasks = t.Subtasks
	} else {
		subtasks = instantiate(tt.Subtasks, t)
	}
	if len(t.Checklist) > 0 {
		checklist = t.Checklist
	} else {
		checklist = instantiate(tt.Checklist, t)
	}
	return subtasks, checklist
}

func instantiate(templates []string, t domain.Task) []string {
	out := make([]string, 0, len(templates))
	for _, tpl := range templates {
		s := strings.ReplaceAll(tpl, "{client}", t.Client)
		s = strings.ReplaceAll(s, "{title}", t.Title)
		out = append(out, s)
	}
	return out
}

func mergeLabels(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, l := range existing {
		seen[l] = true
	}
	for _, l := range add {
		if !seen[l] {
			out = append(out, l)
			seen[l] = true
		}
	}
	return out
}
