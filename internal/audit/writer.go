package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends rows to the append-only audit/decision-trace log. Writes
// happen inside the caller's transaction so an audit row never exists
// without the mutation it describes.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Deltas holds per-factor score deltas for a rank-change trace.
type Deltas map[string]float64

// Row is one audit record. Kind names the decision: triage.scored,
// triage.rescored, triage.advisor_unavailable, advisor.merged, plan.swap,
// plan.emitted.
type Row struct {
	SessionID string
	Kind      string
	TaskID    string
	OtherID   string
	Deltas    Deltas
	Total     float64
	RankOld   int
	RankNew   int
	Rationale string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, row Row) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	var deltas any
	if len(row.Deltas) > 0 {
		data, err := json.Marshal(row.Deltas)
		if err != nil {
			return fmt.Errorf("marshal trace deltas: %w", err)
		}
		deltas = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_traces(ts,session_id,kind,task_id,other_id,deltas_json,total,rank_old,rank_new,rationale) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ts, row.SessionID, row.Kind, nullable(row.TaskID), nullable(row.OtherID), deltas,
		row.Total, row.RankOld, row.RankNew, nullable(row.Rationale))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
