// Package webhook ingests backend-originated change events: signature
// verification, replay dedup against the seen-delivery ledger, and applying
// the event to the mapped internal task.
package webhook

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskbridge/internal/backend"
	"taskbridge/internal/domain"
	"taskbridge/internal/repo"
)

var (
	// ErrSignature means verification failed; nothing was changed.
	ErrSignature = errors.New("webhook signature mismatch")
	// ErrUnknownBackend means no backend is registered under that name.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrMalformed means the body could not be decoded into an event.
	ErrMalformed = errors.New("malformed webhook event")
)

// Event is the normalized change event extracted from a delivery body.
type Event struct {
	DeliveryID string `json:"delivery_id"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status,omitempty"`
	Timestamp  string `json:"ts,omitempty"`
}

// Outcome of processing one delivery.
type Outcome struct {
	Duplicate bool
	TaskID    string
}

// Processor handles inbound deliveries for all configured backends.
type Processor struct {
	Repo     repo.Repo
	Backends *backend.Registry
	Now      func() time.Time
	Log      *slog.Logger
}

func NewProcessor(r repo.Repo, backends *backend.Registry) *Processor {
	return &Processor{Repo: r, Backends: backends, Now: time.Now, Log: slog.Default()}
}

// Verify checks the delivery signature for a backend. Constant-time
// comparison happens inside the backend's verifier.
func (p *Processor) Verify(backendName string, headers http.Header, body []byte) error {
	b, ok := p.Backends.Get(backendName)
	if !ok {
		return ErrUnknownBackend
	}
	if !b.VerifyWebhook(headers, body) {
		p.Log.Warn("webhook rejected", "backend", backendName, "delivery", HashID(headers.Get("X-Delivery-Id")))
		return ErrSignature
	}
	return nil
}

// Process verifies, dedups and applies one delivery. The dedup insert and
// the task mutation commit atomically: a crash between them cannot leave a
// consumed delivery id with an unapplied event.
func (p *Processor) Process(ctx context.Context, backendName string, headers http.Header, body []byte) (Outcome, error) {
	if err := p.Verify(backendName, headers, body); err != nil {
		return Outcome{}, err
	}
	evt, err := parseEvent(headers, body)
	if err != nil {
		return Outcome{}, err
	}

	now := p.Now().UTC()
	nowISO := now.Format(time.RFC3339)

	tx, err := p.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()

	fresh, err := p.Repo.InsertDeliveryTx(ctx, tx, domain.Delivery{
		ID:        evt.DeliveryID,
		Backend:   backendName,
		Payload:   string(body),
		CreatedAt: nowISO,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("ledger insert: %w", err)
	}
	if !fresh {
		// Replay: success with zero side effects.
		return Outcome{Duplicate: true}, nil
	}

	out := Outcome{}
	taskID, err := p.Repo.ResolveMappingTx(ctx, tx, backendName, evt.ExternalID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		// Event for a task we do not own. Consume the delivery id anyway so
		// a replay stays a no-op.
	case err != nil:
		return Outcome{}, err
	default:
		out.TaskID = taskID
		if err := p.apply(ctx, tx, taskID, evt, nowISO); err != nil {
			return Outcome{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	p.Log.Info("webhook applied", "backend", backendName, "delivery", HashID(evt.DeliveryID), "duplicate", false)
	return out, nil
}

// apply updates activity and, when the event carries a status, applies it
// under the monotonicity rule. A regression (e.g. completed->in_progress)
// is ignored unless the event timestamp is newer than the stored activity.
func (p *Processor) apply(ctx context.Context, tx *sql.Tx, taskID string, evt Event, nowISO string) error {
	var status, lastActivity string
	err := tx.QueryRowContext(ctx, `SELECT status, last_activity_at FROM tasks WHERE id=?`, taskID).Scan(&status, &lastActivity)
	if err == sql.ErrNoRows {
		return repo.ErrNotFound
	}
	if err != nil {
		return err
	}

	newStatus := status
	if knownStatus(evt.Status) && evt.Status != status {
		switch {
		case domain.ValidTransition(status, evt.Status):
			newStatus = evt.Status
		case evt.Timestamp != "" && evt.Timestamp > lastActivity:
			// Out-of-order regression with a genuinely newer event clock:
			// trust the backend.
			newStatus = evt.Status
		default:
			// Stale regression, ignore the status but still record activity.
		}
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, last_activity_at=?, updated_at=? WHERE id=?`,
		newStatus, nowISO, nowISO, taskID)
	return err
}

func parseEvent(headers http.Header, body []byte) (Event, error) {
	var raw struct {
		DeliveryID string `json:"delivery_id"`
		ID         string `json:"id"`
		ExternalID string `json:"external_id"`
		TaskID     string `json:"task_id"`
		Status     string `json:"status"`
		TS         string `json:"ts"`
		Timestamp  string `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, ErrMalformed
	}
	evt := Event{
		DeliveryID: firstNonEmpty(raw.DeliveryID, headers.Get("X-Delivery-Id"), raw.ID),
		ExternalID: firstNonEmpty(raw.ExternalID, raw.TaskID),
		Status:     raw.Status,
		Timestamp:  firstNonEmpty(raw.TS, raw.Timestamp),
	}
	if evt.DeliveryID == "" {
		return Event{}, fmt.Errorf("%w: missing delivery id", ErrMalformed)
	}
	if evt.ExternalID == "" {
		return Event{}, fmt.Errorf("%w: missing external id", ErrMalformed)
	}
	return evt, nil
}

func knownStatus(s string) bool {
	switch s {
	case domain.TaskPending, domain.TaskInProgress, domain.TaskBlocked, domain.TaskCompleted, domain.TaskCancelled:
		return true
	}
	return false
}

// HashID returns a short hash of a delivery id for logs; raw ids never
// appear in log output.
func HashID(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:12]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
