package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"listgate/internal/models"
	"listgate/internal/rate"
	"listgate/internal/store"
	"listgate/internal/twitter"
)

var (
	ErrNotFound     = errors.New("submission not found")
	ErrInvalidState = errors.New("submission is already decided")
)

// PartialFailureError means the remote list was changed but the matching
// local write failed, so remote and local state disagree. Running a sync
// repairs the divergence from the remote ground truth.
type PartialFailureError struct {
	Handle string
	Err    error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("remote list updated for @%s but recording it locally failed: %v; run sync to reconcile", e.Handle, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// Store is the persistence surface the workflow needs. *store.Store
// implements it; tests substitute fakes to force failure paths.
type Store interface {
	GetSubmissionByID(ctx context.Context, id int64) (models.Submission, error)
	DecideSubmission(ctx context.Context, id int64, status models.SubmissionStatus, note *string, decidedAt time.Time) error
	ApproveSubmission(ctx context.Context, id int64, handle string, now time.Time) error
	GetMemberByID(ctx context.Context, id int64) (models.ListMember, error)
	GetSubmissionForHandle(ctx context.Context, handle string) (models.Submission, error)
	DeleteMemberByHandle(ctx context.Context, handle string) error
	UpsertMember(ctx context.Context, handle, displayName string, source models.MemberSource, now time.Time) error
}

// Workflow drives the submission lifecycle and the admin-initiated list
// mutations. All remote calls run through the shared rate-limit tracker.
type Workflow struct {
	st      Store
	remote  twitter.Client
	tracker *rate.Tracker
	now     func() time.Time
}

func New(st Store, remote twitter.Client, tracker *rate.Tracker) *Workflow {
	return &Workflow{
		st:      st,
		remote:  remote,
		tracker: tracker,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Approve adds the submission's handle to the remote list and, only after a
// confirmed remote success, commits approved status plus the local membership
// row in one transaction. The submission stays pending on any remote failure.
// The handle is returned for caller messages when it is known.
func (w *Workflow) Approve(ctx context.Context, id int64) (string, error) {
	return w.approveOne(ctx, id)
}

func (w *Workflow) approveOne(ctx context.Context, id int64) (string, error) {
	sub, err := w.st.GetSubmissionByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	if sub.Status != models.SubmissionPending {
		return sub.Handle, fmt.Errorf("%w: @%s is %s", ErrInvalidState, sub.Handle, sub.Status)
	}
	if !w.tracker.CanCall() {
		return sub.Handle, &twitter.RateLimitedError{ResetAt: w.tracker.Snapshot().ResetAt}
	}

	info, err := w.remote.AddMember(ctx, sub.Handle)
	w.record(info, err)
	if err != nil {
		return sub.Handle, err
	}

	if err := w.st.ApproveSubmission(ctx, id, sub.Handle, w.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return sub.Handle, ErrInvalidState
		}
		log.Printf("partial failure: remote add succeeded but local write failed submission_id=%d handle=%s err=%v", id, sub.Handle, err)
		return sub.Handle, &PartialFailureError{Handle: sub.Handle, Err: err}
	}
	return sub.Handle, nil
}

// Reject decides a pending submission without touching the remote list.
func (w *Workflow) Reject(ctx context.Context, id int64, note string) error {
	sub, err := w.st.GetSubmissionByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if sub.Status != models.SubmissionPending {
		return fmt.Errorf("%w: @%s is %s", ErrInvalidState, sub.Handle, sub.Status)
	}
	var notePtr *string
	if note != "" {
		notePtr = &note
	}
	if err := w.st.DecideSubmission(ctx, id, models.SubmissionRejected, notePtr, w.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrInvalidState
		}
		return err
	}
	return nil
}

type BulkItem struct {
	ID     int64  `json:"id"`
	Handle string `json:"handle,omitempty"`
	Error  string `json:"error,omitempty"`
}

type BulkResult struct {
	Succeeded []BulkItem `json:"success"`
	Failed    []BulkItem `json:"failed"`
}

// BulkApprove applies Approve to each id sequentially, sharing the single
// remote budget. The first RateLimited failure stops all further remote
// calls; the remaining ids fail with the same reason.
func (w *Workflow) BulkApprove(ctx context.Context, ids []int64) BulkResult {
	var out BulkResult
	var limited *twitter.RateLimitedError
	for _, id := range ids {
		if limited != nil {
			out.Failed = append(out.Failed, BulkItem{ID: id, Error: limited.Error()})
			continue
		}
		handle, err := w.approveOne(ctx, id)
		if err == nil {
			out.Succeeded = append(out.Succeeded, BulkItem{ID: id, Handle: handle})
			continue
		}
		if errors.As(err, &limited) {
			log.Printf("bulk approve hit rate limit at submission_id=%d, failing remaining items", id)
		}
		out.Failed = append(out.Failed, BulkItem{ID: id, Handle: handle, Error: err.Error()})
	}
	return out
}

// BulkAddMembers adds handles straight to the remote list (no submission),
// recording them locally with source=bulk_added. Same sequential fail-fast
// policy as BulkApprove.
func (w *Workflow) BulkAddMembers(ctx context.Context, handles []string) BulkResult {
	var out BulkResult
	var limited *twitter.RateLimitedError
	for _, raw := range handles {
		handle := models.NormalizeHandle(raw)
		if limited != nil {
			out.Failed = append(out.Failed, BulkItem{Handle: handle, Error: limited.Error()})
			continue
		}
		if !models.ValidHandle(handle) {
			out.Failed = append(out.Failed, BulkItem{Handle: handle, Error: "invalid handle"})
			continue
		}
		if !w.tracker.CanCall() {
			limited = &twitter.RateLimitedError{ResetAt: w.tracker.Snapshot().ResetAt}
			out.Failed = append(out.Failed, BulkItem{Handle: handle, Error: limited.Error()})
			continue
		}
		info, err := w.remote.AddMember(ctx, handle)
		w.record(info, err)
		if err != nil {
			errors.As(err, &limited)
			out.Failed = append(out.Failed, BulkItem{Handle: handle, Error: err.Error()})
			continue
		}
		if err := w.st.UpsertMember(ctx, handle, "", models.SourceBulkAdded, w.now()); err != nil {
			pf := &PartialFailureError{Handle: handle, Err: err}
			log.Printf("partial failure: bulk add succeeded remotely but local write failed handle=%s err=%v", handle, err)
			out.Failed = append(out.Failed, BulkItem{Handle: handle, Error: pf.Error()})
			continue
		}
		out.Succeeded = append(out.Succeeded, BulkItem{Handle: handle})
	}
	return out
}

// RemoveMember removes a tracked member from the remote list and deletes the
// local row. Any remote failure leaves local state untouched.
func (w *Workflow) RemoveMember(ctx context.Context, memberID int64) error {
	m, err := w.st.GetMemberByID(ctx, memberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return w.removeHandle(ctx, m.Handle)
}

// RemoveBySubmission removes the member that an approved submission created.
// The submission keeps its approved status as a historical record; only a
// fresh submission can put the handle back through review.
func (w *Workflow) RemoveBySubmission(ctx context.Context, submissionID int64) error {
	sub, err := w.st.GetSubmissionByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if sub.Status != models.SubmissionApproved {
		return fmt.Errorf("%w: @%s is %s, not approved", ErrInvalidState, sub.Handle, sub.Status)
	}
	return w.removeHandle(ctx, sub.Handle)
}

func (w *Workflow) removeHandle(ctx context.Context, handle string) error {
	if !w.tracker.CanCall() {
		return &twitter.RateLimitedError{ResetAt: w.tracker.Snapshot().ResetAt}
	}
	info, err := w.remote.RemoveMember(ctx, handle)
	w.record(info, err)
	if err != nil {
		return err
	}
	if err := w.st.DeleteMemberByHandle(ctx, handle); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("partial failure: remote remove succeeded but local delete failed handle=%s err=%v", handle, err)
		return &PartialFailureError{Handle: handle, Err: err}
	}
	return nil
}

// record forwards rate-limit metadata from a remote response to the tracker.
func (w *Workflow) record(info twitter.RateInfo, err error) {
	var rl *twitter.RateLimitedError
	if errors.As(err, &rl) {
		w.tracker.RecordRateLimited(rl.ResetAt)
		return
	}
	if info.Present {
		w.tracker.RecordResponse(info.Remaining, info.Limit, info.ResetAt)
	}
}

// WithClock overrides the workflow clock. Tests only.
func (w *Workflow) WithClock(now func() time.Time) *Workflow {
	w.now = now
	return w
}
