package models

import (
	"regexp"
	"strings"
	"time"
)

type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "pending"
	SubmissionApproved SubmissionStatus = "approved"
	SubmissionRejected SubmissionStatus = "rejected"
)

// Submission is one intake request asking for a handle to be added to the
// remote list. Rows are never deleted once decided.
type Submission struct {
	ID          int64            `db:"id" json:"id"`
	Email       string           `db:"email" json:"email"`
	Handle      string           `db:"handle" json:"handle"`
	Status      SubmissionStatus `db:"status" json:"status"`
	SubmittedAt time.Time        `db:"submitted_at" json:"submitted_at"`
	DecidedAt   *time.Time       `db:"decided_at" json:"decided_at,omitempty"`
	Note        *string          `db:"note" json:"note,omitempty"`
}

type MemberSource string

const (
	SourceAppSubmitted MemberSource = "app_submitted"
	SourcePreExisting  MemberSource = "pre_existing"
	SourceSynced       MemberSource = "synced"
	SourceBulkAdded    MemberSource = "bulk_added"
)

// ListMember mirrors one account currently on the remote list. A row exists
// iff the system believes the handle is on the list; removal is a hard delete.
type ListMember struct {
	ID              int64        `db:"id" json:"id"`
	Handle          string       `db:"handle" json:"handle"`
	DisplayName     string       `db:"display_name" json:"display_name"`
	Source          MemberSource `db:"source" json:"source"`
	AddedAt         time.Time    `db:"added_at" json:"added_at"`
	LastConfirmedAt time.Time    `db:"last_confirmed_at" json:"last_confirmed_at"`
}

type SyncOutcome string

const (
	SyncRunning SyncOutcome = "running"
	SyncSuccess SyncOutcome = "success"
	SyncPartial SyncOutcome = "partial"
	SyncFailed  SyncOutcome = "failed"
)

// SyncLog is the append-only audit record of one sync attempt. Created when a
// sync starts and finalized exactly once when it ends.
type SyncLog struct {
	ID          int64       `db:"id" json:"id"`
	StartedAt   time.Time   `db:"started_at" json:"started_at"`
	FinishedAt  *time.Time  `db:"finished_at" json:"finished_at,omitempty"`
	Outcome     SyncOutcome `db:"outcome" json:"outcome"`
	Fetched     int         `db:"fetched" json:"fetched"`
	Added       int         `db:"added" json:"added"`
	Removed     int         `db:"removed" json:"removed"`
	Updated     int         `db:"updated" json:"updated"`
	Unchanged   int         `db:"unchanged" json:"unchanged"`
	ErrorDetail *string     `db:"error_detail" json:"error_detail,omitempty"`
}

type SubmissionQuery struct {
	Q      string
	Status string
	Limit  int
	Offset int
}

var handleRx = regexp.MustCompile(`^[a-z0-9_]{1,15}$`)

// NormalizeHandle strips a leading @ and lowercases the handle.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// ValidHandle reports whether a normalized handle is acceptable: 1-15
// characters of [a-z0-9_].
func ValidHandle(handle string) bool {
	return handleRx.MatchString(handle)
}
