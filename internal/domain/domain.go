package domain

// Task statuses. Transitions are monotonic except blocked<->in_progress.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskBlocked    = "blocked"
	TaskCompleted  = "completed"
	TaskCancelled  = "cancelled"
)

// Outbox row statuses.
const (
	OutboxPending    = "pending"
	OutboxInflight   = "inflight"
	OutboxDelivered  = "delivered"
	OutboxFailed     = "failed"
	OutboxDeadLetter = "dead_letter"
)

type Task struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Client          string   `json:"client"`
	Type            string   `json:"type"`
	Importance      int      `json:"importance"`
	EffortHours     float64  `json:"effort_hours"`
	Deadline        *string  `json:"deadline,omitempty" format:"date-time"`
	Status          string   `json:"status" enum:"pending,in_progress,blocked,completed,cancelled"`
	Score           *float64 `json:"score,omitempty"`
	Labels          []string `json:"labels,omitempty"`
	Checklist       []string `json:"checklist,omitempty"`
	Subtasks        []string `json:"subtasks,omitempty"`
	UrgencyLevel    string   `json:"urgency_level,omitempty"`
	ComplexityLevel string   `json:"complexity_level,omitempty"`
	ScoringMethod   string   `json:"scoring_method,omitempty"`
	RequiresReview  bool     `json:"requires_review,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
	LastActivityAt  string   `json:"last_activity_at" format:"date-time"`
}

// TerminalStatus reports whether a task status is terminal.
func TerminalStatus(s string) bool {
	return s == TaskCompleted || s == TaskCancelled
}

// statusRank orders task statuses for the monotonicity rule. blocked and
// in_progress share a rank so the pair can flip back and forth.
func statusRank(s string) int {
	switch s {
	case TaskPending:
		return 0
	case TaskInProgress, TaskBlocked:
		return 1
	case TaskCompleted, TaskCancelled:
		return 2
	default:
		return -1
	}
}

// ValidTransition reports whether from->to respects the monotonicity rule.
func ValidTransition(from, to string) bool {
	rf, rt := statusRank(from), statusRank(to)
	if rf < 0 || rt < 0 {
		return false
	}
	if from == to {
		return true
	}
	if TerminalStatus(from) {
		return false
	}
	return rt >= rf
}

type OutboxRow struct {
	ID             int64   `json:"id"`
	Backend        string  `json:"backend"`
	Operation      string  `json:"operation"`
	Endpoint       string  `json:"endpoint"`
	Payload        string  `json:"payload"`
	Headers        string  `json:"headers,omitempty"`
	IdempotencyKey string  `json:"idempotency_key"`
	Status         string  `json:"status" enum:"pending,inflight,delivered,failed,dead_letter"`
	RetryCount     int     `json:"retry_count"`
	MaxRetries     int     `json:"max_retries"`
	NextRetryAt    *string `json:"next_retry_at,omitempty" format:"date-time"`
	LeaseExpiresAt *string `json:"lease_expires_at,omitempty" format:"date-time"`
	LastError      *string `json:"last_error,omitempty"`
	TaskID         string  `json:"task_id,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Delivery is one accepted webhook delivery in the seen-delivery ledger.
type Delivery struct {
	ID        string `json:"id"`
	Backend   string `json:"backend"`
	Payload   string `json:"payload,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Mapping binds a backend task id to an internal task id.
type Mapping struct {
	Backend    string `json:"backend"`
	ExternalID string `json:"external_id"`
	TaskID     string `json:"task_id"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Trace is one append-only audit/decision row.
type Trace struct {
	ID        int64   `json:"id"`
	TS        string  `json:"ts" format:"date-time"`
	SessionID string  `json:"session_id"`
	Kind      string  `json:"kind"`
	TaskID    string  `json:"task_id,omitempty"`
	OtherID   string  `json:"other_id,omitempty"`
	Deltas    string  `json:"deltas,omitempty"`
	Total     float64 `json:"total"`
	RankOld   int     `json:"rank_old"`
	RankNew   int     `json:"rank_new"`
	Rationale string  `json:"rationale,omitempty"`
}

// PlanEntry is one scheduled task inside a day plan.
type PlanEntry struct {
	TaskID      string  `json:"task_id"`
	Client      string  `json:"client"`
	Rank        int     `json:"rank"`
	Score       float64 `json:"score"`
	EffortHours float64 `json:"effort_hours"`
}

type Plan struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"session_id"`
	AvailableHours float64     `json:"available_hours"`
	Entries        []PlanEntry `json:"entries"`
	CreatedAt      string      `json:"created_at" format:"date-time"`
}
