package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"listgate/internal/models"
)

var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("conflict")

type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store { return &Store{db: db} }

// q rewrites ? placeholders for the active driver (pgx wants $n).
func (s *Store) q(query string) string { return s.db.Rebind(query) }

// insert runs an INSERT and returns the new row id, papering over the
// LastInsertId gap in the pgx driver.
func (s *Store) insert(ctx context.Context, query string, args ...any) (int64, error) {
	if s.db.DriverName() == "pgx" {
		var id int64
		err := s.db.QueryRowContext(ctx, s.q(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// --- submissions ---

func (s *Store) CreateSubmission(ctx context.Context, email, handle string) (models.Submission, error) {
	now := time.Now().UTC()
	sub := models.Submission{
		Email:       email,
		Handle:      handle,
		Status:      models.SubmissionPending,
		SubmittedAt: now,
	}
	id, err := s.insert(ctx,
		`INSERT INTO submissions(email,handle,status,submitted_at) VALUES(?,?,?,?)`,
		sub.Email, sub.Handle, sub.Status, sub.SubmittedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Submission{}, ErrConflict
		}
		return models.Submission{}, err
	}
	sub.ID = id
	return sub, nil
}

func (s *Store) GetSubmissionByID(ctx context.Context, id int64) (models.Submission, error) {
	var sub models.Submission
	err := s.db.GetContext(ctx, &sub, s.q(
		`SELECT id,email,handle,status,submitted_at,decided_at,note FROM submissions WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Submission{}, ErrNotFound
	}
	return sub, err
}

// GetSubmissionForHandle returns the most recent submission for a handle.
func (s *Store) GetSubmissionForHandle(ctx context.Context, handle string) (models.Submission, error) {
	var sub models.Submission
	err := s.db.GetContext(ctx, &sub, s.q(
		`SELECT id,email,handle,status,submitted_at,decided_at,note FROM submissions WHERE handle=? ORDER BY submitted_at DESC, id DESC LIMIT 1`), handle)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Submission{}, ErrNotFound
	}
	return sub, err
}

func (s *Store) ListSubmissions(ctx context.Context, query models.SubmissionQuery) ([]models.Submission, int, error) {
	where := []string{}
	args := []any{}
	if query.Status != "" && query.Status != "all" {
		where = append(where, "status=?")
		args = append(args, query.Status)
	}
	if query.Q != "" {
		where = append(where, "(email LIKE ? OR handle LIKE ?)")
		like := "%" + strings.ToLower(query.Q) + "%"
		args = append(args, like, like)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.q(`SELECT COUNT(1) FROM submissions`+clause), args...); err != nil {
		return nil, 0, err
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, query.Offset)
	var out []models.Submission
	err := s.db.SelectContext(ctx, &out, s.q(
		`SELECT id,email,handle,status,submitted_at,decided_at,note FROM submissions`+clause+
			` ORDER BY submitted_at ASC, id ASC LIMIT ? OFFSET ?`), args...)
	return out, total, err
}

func (s *Store) CountSubmissionsByStatus(ctx context.Context, status models.SubmissionStatus) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.q(`SELECT COUNT(1) FROM submissions WHERE status=?`), status)
	return count, err
}

// DecideSubmission performs the single allowed pending->decided transition.
// Racing or repeated decisions lose via the status guard and get ErrConflict.
func (s *Store) DecideSubmission(ctx context.Context, id int64, status models.SubmissionStatus, note *string, decidedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE submissions SET status=?, decided_at=?, note=? WHERE id=? AND status='pending'`),
		status, decidedAt, note, id,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

// ApproveSubmission commits the pending->approved transition and the list
// membership record together. The member upsert keeps an existing row's
// source and only refreshes last_confirmed_at.
func (s *Store) ApproveSubmission(ctx context.Context, id int64, handle string, now time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(
		`UPDATE submissions SET status=?, decided_at=? WHERE id=? AND status='pending'`),
		models.SubmissionApproved, now, id,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConflict
	}

	if err := upsertMemberTx(ctx, tx, s.q, handle, "", models.SourceAppSubmitted, now); err != nil {
		return err
	}
	return tx.Commit()
}

// --- list members ---

func upsertMemberTx(ctx context.Context, tx *sqlx.Tx, q func(string) string, handle, displayName string, source models.MemberSource, now time.Time) error {
	res, err := tx.ExecContext(ctx, q(
		`UPDATE list_members SET last_confirmed_at=? WHERE handle=?`), now, handle)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, q(
		`INSERT INTO list_members(handle,display_name,source,added_at,last_confirmed_at) VALUES(?,?,?,?,?)`),
		handle, displayName, source, now, now,
	)
	return err
}

// UpsertMember records membership outside the approval transaction (bulk add).
func (s *Store) UpsertMember(ctx context.Context, handle, displayName string, source models.MemberSource, now time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertMemberTx(ctx, tx, s.q, handle, displayName, source, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetMemberByID(ctx context.Context, id int64) (models.ListMember, error) {
	var m models.ListMember
	err := s.db.GetContext(ctx, &m, s.q(
		`SELECT id,handle,display_name,source,added_at,last_confirmed_at FROM list_members WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ListMember{}, ErrNotFound
	}
	return m, err
}

func (s *Store) GetMemberByHandle(ctx context.Context, handle string) (models.ListMember, error) {
	var m models.ListMember
	err := s.db.GetContext(ctx, &m, s.q(
		`SELECT id,handle,display_name,source,added_at,last_confirmed_at FROM list_members WHERE handle=?`), handle)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ListMember{}, ErrNotFound
	}
	return m, err
}

func (s *Store) AllMembers(ctx context.Context) ([]models.ListMember, error) {
	var out []models.ListMember
	err := s.db.SelectContext(ctx, &out, s.q(
		`SELECT id,handle,display_name,source,added_at,last_confirmed_at FROM list_members`))
	return out, err
}

func (s *Store) ListMembers(ctx context.Context, limit, offset int) ([]models.ListMember, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, s.q(`SELECT COUNT(1) FROM list_members`)); err != nil {
		return nil, 0, err
	}
	var out []models.ListMember
	err := s.db.SelectContext(ctx, &out, s.q(
		`SELECT id,handle,display_name,source,added_at,last_confirmed_at FROM list_members ORDER BY last_confirmed_at DESC, id DESC LIMIT ? OFFSET ?`),
		limit, offset)
	return out, total, err
}

func (s *Store) DeleteMemberByHandle(ctx context.Context, handle string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM list_members WHERE handle=?`), handle)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CountMembersBySource(ctx context.Context) (map[models.MemberSource]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(1) FROM list_members GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[models.MemberSource]int{}
	for rows.Next() {
		var source models.MemberSource
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return nil, err
		}
		out[source] = count
	}
	return out, rows.Err()
}

// --- sync application ---

// MemberUpdate confirms an existing member during sync. Changed marks a
// display-name drift, which counts as updated rather than unchanged.
type MemberUpdate struct {
	Handle      string
	DisplayName string
	Changed     bool
}

type SyncChanges struct {
	Add     []models.ListMember
	Remove  []string
	Confirm []MemberUpdate
}

type SyncCounts struct {
	Fetched   int
	Added     int
	Removed   int
	Updated   int
	Unchanged int
}

// ApplySyncChanges applies a computed diff inside one transaction, tolerating
// individual row failures: succeeding rows commit, failing rows are reported
// so the caller can record a partial outcome.
func (s *Store) ApplySyncChanges(ctx context.Context, changes SyncChanges) (SyncCounts, []error) {
	var counts SyncCounts
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return counts, []error{err}
	}
	defer func() { _ = tx.Rollback() }()

	var rowErrs []error
	for _, m := range changes.Add {
		_, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO list_members(handle,display_name,source,added_at,last_confirmed_at) VALUES(?,?,?,?,?)`),
			m.Handle, m.DisplayName, m.Source, m.AddedAt, m.LastConfirmedAt,
		)
		if err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("add @%s: %w", m.Handle, err))
			continue
		}
		counts.Added++
	}
	for _, handle := range changes.Remove {
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM list_members WHERE handle=?`), handle)
		if err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("remove @%s: %w", handle, err))
			continue
		}
		if rows, _ := res.RowsAffected(); rows > 0 {
			counts.Removed++
		}
	}
	now := time.Now().UTC()
	for _, u := range changes.Confirm {
		_, err := tx.ExecContext(ctx, s.q(
			`UPDATE list_members SET display_name=?, last_confirmed_at=? WHERE handle=?`),
			u.DisplayName, now, u.Handle,
		)
		if err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("confirm @%s: %w", u.Handle, err))
			continue
		}
		if u.Changed {
			counts.Updated++
		} else {
			counts.Unchanged++
		}
	}

	if err := tx.Commit(); err != nil {
		return SyncCounts{}, append(rowErrs, err)
	}
	return counts, rowErrs
}

// --- sync logs ---

func (s *Store) CreateSyncLog(ctx context.Context, startedAt time.Time) (int64, error) {
	return s.insert(ctx,
		`INSERT INTO sync_logs(started_at,outcome) VALUES(?,?)`,
		startedAt, models.SyncRunning,
	)
}

func (s *Store) FinalizeSyncLog(ctx context.Context, id int64, outcome models.SyncOutcome, counts SyncCounts, errDetail *string, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE sync_logs SET finished_at=?, outcome=?, fetched=?, added=?, removed=?, updated=?, unchanged=?, error_detail=? WHERE id=?`),
		finishedAt, outcome, counts.Fetched, counts.Added, counts.Removed, counts.Updated, counts.Unchanged, errDetail, id,
	)
	return err
}

func (s *Store) LastSyncLog(ctx context.Context) (models.SyncLog, error) {
	var l models.SyncLog
	err := s.db.GetContext(ctx, &l, s.q(
		`SELECT id,started_at,finished_at,outcome,fetched,added,removed,updated,unchanged,error_detail FROM sync_logs ORDER BY started_at DESC, id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncLog{}, ErrNotFound
	}
	return l, err
}

func (s *Store) ListSyncLogs(ctx context.Context, limit, offset int) ([]models.SyncLog, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, s.q(`SELECT COUNT(1) FROM sync_logs`)); err != nil {
		return nil, 0, err
	}
	var out []models.SyncLog
	err := s.db.SelectContext(ctx, &out, s.q(
		`SELECT id,started_at,finished_at,outcome,fetched,added,removed,updated,unchanged,error_detail FROM sync_logs ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`),
		limit, offset)
	return out, total, err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
