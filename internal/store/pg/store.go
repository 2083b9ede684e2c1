package pg

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callblast/internal/domain"
	"callblast/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const campaignCols = `
	id, owner_id, COALESCE(parent_id,''), name, status, caller_id,
	concurrency, rate_per_second, max_attempts, scheduled_at,
	COALESCE(recurrence,''), run_count,
	COALESCE(window_start,''), COALESCE(window_end,''), window_days,
	started_at, completed_at, cancelled_at,
	total_recipients, completed_count, failed_count, skipped_count, in_progress_count,
	COALESCE(last_error,''), created_at, updated_at`

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var c domain.Campaign
	var days []int32
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.ParentID, &c.Name, &c.Status, &c.CallerID,
		&c.Concurrency, &c.RatePerSecond, &c.MaxAttempts, &c.ScheduledAt,
		&c.Recurrence, &c.RunCount,
		&c.WindowStart, &c.WindowEnd, &days,
		&c.StartedAt, &c.CompletedAt, &c.CancelledAt,
		&c.TotalCount, &c.CompletedCount, &c.FailedCount, &c.SkippedCount, &c.InProgress,
		&c.LastError, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return domain.Campaign{}, err
	}
	c.WindowDays = fromInt32(days)
	return c, nil
}

func (s *Store) CreateCampaign(ctx context.Context, c domain.Campaign, recipients []domain.Recipient) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO campaigns (
			id, owner_id, parent_id, name, status, caller_id,
			concurrency, rate_per_second, max_attempts, scheduled_at,
			recurrence, run_count, window_start, window_end, window_days,
			total_recipients, completed_count, failed_count, skipped_count, in_progress_count,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,0,0,0,0,$17,$17)
	`, c.ID, c.OwnerID, nullIfEmpty(c.ParentID), c.Name, c.Status, c.CallerID,
		c.Concurrency, c.RatePerSecond, c.MaxAttempts, c.ScheduledAt,
		nullIfEmpty(c.Recurrence), c.RunCount, c.WindowStart, c.WindowEnd, toInt32(c.WindowDays),
		len(recipients), c.CreatedAt)
	if err != nil {
		return err
	}

	for _, r := range recipients {
		_, err = tx.Exec(ctx, `
			INSERT INTO recipients (id, campaign_id, contact_ref, destination, sort_order, status, attempt_count, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,0,$7)
		`, r.ID, c.ID, nullIfEmpty(r.ContactRef), r.Destination, r.SortOrder, domain.RecipientPending, c.CreatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, false, nil
		}
		return domain.Campaign{}, false, err
	}
	return c, true, nil
}

func (s *Store) ListCampaigns(ctx context.Context, f store.ListFilter) ([]domain.Campaign, error) {
	q := `SELECT ` + campaignCols + ` FROM campaigns WHERE 1=1`
	args := []any{}
	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		q += ` AND owner_id=$` + itoa(len(args))
	}
	if len(f.Statuses) > 0 {
		args = append(args, statusStrings(f.Statuses))
		q += ` AND status = ANY($` + itoa(len(args)) + `)`
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += ` LIMIT $` + itoa(len(args))
	}

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateDraft applies a partial update to a campaign that is still in draft.
// Nil fields keep their current values. The status guard rides the UPDATE so
// a concurrent start cannot race the edit.
func (s *Store) UpdateDraft(ctx context.Context, id string, upd domain.UpdateCampaignRequest, now time.Time) (domain.Campaign, error) {
	var days any
	if len(upd.WindowDays) > 0 {
		days = toInt32(upd.WindowDays)
	}
	row := s.DB.QueryRow(ctx, `
		UPDATE campaigns SET
			name=COALESCE($2, name),
			caller_id=COALESCE($3, caller_id),
			concurrency=COALESCE($4, concurrency),
			rate_per_second=COALESCE($5, rate_per_second),
			max_attempts=COALESCE($6, max_attempts),
			scheduled_at=COALESCE($7, scheduled_at),
			window_start=COALESCE($8, window_start),
			window_end=COALESCE($9, window_end),
			window_days=COALESCE($10, window_days),
			updated_at=$11
		WHERE id=$1 AND status=$12
		RETURNING `+campaignCols+`
	`, id, upd.Name, upd.CallerID, upd.Concurrency, upd.RatePerSecond, upd.MaxAttempts,
		upd.ScheduledAt, upd.WindowStart, upd.WindowEnd, days, now, domain.StatusDraft)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, ok, gerr := s.GetCampaign(ctx, id); gerr == nil && ok {
				return domain.Campaign{}, domain.ErrDraftOnlyUpdate
			} else if gerr != nil {
				return domain.Campaign{}, gerr
			}
			return domain.Campaign{}, domain.ErrNotFound
		}
		return domain.Campaign{}, err
	}
	return c, nil
}

// Transition atomically moves a campaign from one of the given statuses to the
// target, stamping the lifecycle timestamp that belongs to the target in the
// same update. Returns false when the campaign was in none of the from
// statuses (CAS lost or already transitioned).
func (s *Store) Transition(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, lastError string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET
			status=$3,
			last_error=COALESCE(NULLIF($4,''), last_error),
			started_at=CASE WHEN $3='running' AND started_at IS NULL THEN $5 ELSE started_at END,
			completed_at=CASE WHEN $3='completed' THEN $5 ELSE completed_at END,
			cancelled_at=CASE WHEN $3='cancelled' THEN $5 ELSE cancelled_at END,
			updated_at=$5
		WHERE id=$1 AND status = ANY($2)
	`, id, statusStrings(from), string(to), lastError, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) DueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+campaignCols+` FROM campaigns
		WHERE status=$1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
		ORDER BY scheduled_at
		LIMIT $3
	`, domain.StatusScheduled, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListByStatus(ctx context.Context, statuses []domain.CampaignStatus, limit int) ([]domain.Campaign, error) {
	return s.ListCampaigns(ctx, store.ListFilter{Statuses: statuses, Limit: limit})
}

// ClaimNext atomically claims the first pending recipient of a campaign
// (pending -> in_progress) and bumps the campaign's in-flight counter in the
// same transaction. SKIP LOCKED keeps concurrent claimers from ever holding
// the same recipient.
func (s *Store) ClaimNext(ctx context.Context, campaignID string, now time.Time) (domain.Recipient, bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.Recipient{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE recipients SET status=$2, attempted_at=$3, updated_at=$3
		WHERE id = (
			SELECT id FROM recipients
			WHERE campaign_id=$1 AND status=$4
			ORDER BY sort_order
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, campaign_id, COALESCE(contact_ref,''), destination, sort_order,
		          status, attempt_count, COALESCE(last_error,''), COALESCE(result_ref,''),
		          attempted_at, completed_at
	`, campaignID, domain.RecipientInProgress, now, domain.RecipientPending)

	var r domain.Recipient
	err = row.Scan(&r.ID, &r.CampaignID, &r.ContactRef, &r.Destination, &r.SortOrder,
		&r.Status, &r.AttemptCount, &r.LastError, &r.ResultRef, &r.AttemptedAt, &r.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Recipient{}, false, nil
		}
		return domain.Recipient{}, false, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE campaigns SET in_progress_count = in_progress_count + 1, updated_at=$2 WHERE id=$1
	`, campaignID, now)
	if err != nil {
		return domain.Recipient{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Recipient{}, false, err
	}
	return r, true, nil
}

// Release puts a claimed recipient back to pending without consuming an
// attempt. Used when dispatch is backing off (open breaker) rather than
// failing the recipient.
func (s *Store) Release(ctx context.Context, recipientID string, now time.Time) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE recipients SET status=$2, attempted_at=NULL, updated_at=$3
		WHERE id=$1 AND status=$4
	`, recipientID, domain.RecipientPending, now, domain.RecipientInProgress)
	if err != nil {
		return err
	}
	if ct.RowsAffected() > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE campaigns SET in_progress_count = in_progress_count - 1, updated_at=$2
			WHERE id = (SELECT campaign_id FROM recipients WHERE id=$1)
		`, recipientID, now)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) MarkOutcome(ctx context.Context, o store.Outcome) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE recipients SET status=$2, attempt_count=$3, last_error=$4, result_ref=$5, completed_at=$6, updated_at=$6
		WHERE id=$1 AND status=$7
	`, o.RecipientID, o.Status, o.Attempts, nullIfEmpty(o.LastError), nullIfEmpty(o.ResultRef), o.Now, domain.RecipientInProgress)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		// Already terminal or reclaimed; nothing to account for.
		return tx.Rollback(ctx)
	}

	col := "completed_count"
	if o.Status == domain.RecipientFailed {
		col = "failed_count"
	}
	_, err = tx.Exec(ctx, `
		UPDATE campaigns SET `+col+` = `+col+` + 1, in_progress_count = in_progress_count - 1, updated_at=$2
		WHERE id=$1
	`, o.CampaignID, o.Now)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SkipPending moves every still-pending recipient to skipped. Recipients in
// any other status are untouched.
func (s *Store) SkipPending(ctx context.Context, campaignID string, now time.Time) (int, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE recipients SET status=$2, updated_at=$3
		WHERE campaign_id=$1 AND status=$4
	`, campaignID, domain.RecipientSkipped, now, domain.RecipientPending)
	if err != nil {
		return 0, err
	}
	n := int(ct.RowsAffected())
	if n > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE campaigns SET skipped_count = skipped_count + $2, updated_at=$3 WHERE id=$1
		`, campaignID, n, now)
		if err != nil {
			return 0, err
		}
	}
	return n, tx.Commit(ctx)
}

func (s *Store) ListRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, campaign_id, COALESCE(contact_ref,''), destination, sort_order,
		       status, attempt_count, COALESCE(last_error,''), COALESCE(result_ref,''),
		       attempted_at, completed_at
		FROM recipients WHERE campaign_id=$1 ORDER BY sort_order
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var r domain.Recipient
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.ContactRef, &r.Destination, &r.SortOrder,
			&r.Status, &r.AttemptCount, &r.LastError, &r.ResultRef, &r.AttemptedAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Rerun resets a terminal campaign for another full pass: recipients back to
// pending, counters zeroed, status back to running. The status CAS and the
// reset ride the same transaction so a halfway-reset queue is never
// observable.
func (s *Store) Rerun(ctx context.Context, campaignID string, now time.Time) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE campaigns SET
			status=$2, completed_count=0, failed_count=0, skipped_count=0, in_progress_count=0,
			completed_at=NULL, cancelled_at=NULL, last_error=NULL, started_at=$3, updated_at=$3
		WHERE id=$1 AND status = ANY($4)
	`, campaignID, domain.StatusRunning, now,
		statusStrings([]domain.CampaignStatus{domain.StatusCompleted, domain.StatusCancelled, domain.StatusFailed}))
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		return false, tx.Rollback(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE recipients SET status=$2, attempt_count=0, last_error=NULL, result_ref=NULL,
			attempted_at=NULL, completed_at=NULL, updated_at=$3
		WHERE campaign_id=$1
	`, campaignID, domain.RecipientPending, now)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// ReclaimStale returns recipients stuck in_progress since before staleBefore
// to pending, so a dispatcher restart can pick them up again.
func (s *Store) ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE recipients SET status=$1, attempted_at=NULL, updated_at=$2
		WHERE status=$3 AND updated_at < $4
		RETURNING campaign_id
	`, domain.RecipientPending, now, domain.RecipientInProgress, staleBefore)
	if err != nil {
		return 0, err
	}
	perCampaign := map[string]int{}
	total := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		perCampaign[id]++
		total++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for id, n := range perCampaign {
		_, err = tx.Exec(ctx, `
			UPDATE campaigns SET in_progress_count = in_progress_count - $2, updated_at=$3 WHERE id=$1
		`, id, n, now)
		if err != nil {
			return 0, err
		}
	}
	return total, tx.Commit(ctx)
}

func (s *Store) RecordAttempt(ctx context.Context, a store.Attempt) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO call_attempts (id, recipient_id, campaign_id, attempt, outcome, result_ref, message, latency_ms, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, a.ID, a.RecipientID, a.CampaignID, a.Attempt, a.Outcome,
		nullIfEmpty(a.ResultRef), nullIfEmpty(a.Message), a.Latency.Milliseconds(), a.At)
	return err
}

// CreateChild clones the parent's recipient set into a fresh campaign row and
// bumps the parent's run counter. Recipient IDs are minted by the caller.
func (s *Store) CreateChild(ctx context.Context, parentID string, child domain.Campaign, newID func() string, now time.Time) error {
	parentRecipients, err := s.ListRecipients(ctx, parentID)
	if err != nil {
		return err
	}

	recipients := make([]domain.Recipient, 0, len(parentRecipients))
	for _, r := range parentRecipients {
		recipients = append(recipients, domain.Recipient{
			ID:          newID(),
			CampaignID:  child.ID,
			ContactRef:  r.ContactRef,
			Destination: r.Destination,
			SortOrder:   r.SortOrder,
			Status:      domain.RecipientPending,
		})
	}

	if err := s.CreateCampaign(ctx, child, recipients); err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		UPDATE campaigns SET run_count = run_count + 1, scheduled_at=$2, updated_at=$3 WHERE id=$1
	`, parentID, child.ScheduledAt, now)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func statusStrings(in []domain.CampaignStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func toInt32(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

func fromInt32(in []int32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

func itoa(i int) string { return strconv.Itoa(i) }
