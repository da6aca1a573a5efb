package listsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"listgate/internal/models"
	"listgate/internal/rate"
	"listgate/internal/store"
	"listgate/internal/twitter"
)

// ErrSyncInProgress rejects a sync request that arrives while another sync is
// still running. The caller retries later; nothing is queued.
var ErrSyncInProgress = errors.New("a sync is already in progress")

// CooloffError rejects a sync started too soon after the previous one.
type CooloffError struct {
	NextAllowedAt time.Time
	Wait          time.Duration
}

func (e *CooloffError) Error() string {
	mins := int((e.Wait + time.Minute - 1) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	return fmt.Sprintf("please wait %d more minute(s) before syncing again", mins)
}

// Store is the persistence surface the engine needs.
type Store interface {
	LastSyncLog(ctx context.Context) (models.SyncLog, error)
	CreateSyncLog(ctx context.Context, startedAt time.Time) (int64, error)
	FinalizeSyncLog(ctx context.Context, id int64, outcome models.SyncOutcome, counts store.SyncCounts, errDetail *string, finishedAt time.Time) error
	AllMembers(ctx context.Context) ([]models.ListMember, error)
	ApplySyncChanges(ctx context.Context, changes store.SyncChanges) (store.SyncCounts, []error)
	GetSubmissionForHandle(ctx context.Context, handle string) (models.Submission, error)
}

// Engine reconciles the local membership table against the remote list. The
// remote list is ground truth: local rows missing remotely are deleted, remote
// members missing locally are inserted with source=synced.
type Engine struct {
	st      Store
	remote  twitter.Client
	tracker *rate.Tracker
	cooloff time.Duration
	now     func() time.Time

	busy sync.Mutex
}

func NewEngine(st Store, remote twitter.Client, tracker *rate.Tracker, cooloff time.Duration) *Engine {
	return &Engine{
		st:      st,
		remote:  remote,
		tracker: tracker,
		cooloff: cooloff,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Result summarizes one completed sync run.
type Result struct {
	SyncID    int64              `json:"sync_id"`
	Outcome   models.SyncOutcome `json:"outcome"`
	Fetched   int                `json:"fetched"`
	Added     int                `json:"added"`
	Removed   int                `json:"removed"`
	Updated   int                `json:"updated"`
	Unchanged int                `json:"unchanged"`
}

// Sync runs one reconciliation pass. A run blocked by the cooloff window or
// by another in-flight sync writes no sync log and touches no state.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	if !e.busy.TryLock() {
		return Result{}, ErrSyncInProgress
	}
	defer e.busy.Unlock()

	now := e.now()
	if err := e.checkCooloff(ctx, now); err != nil {
		return Result{}, err
	}
	if !e.tracker.CanCall() {
		return Result{}, &twitter.RateLimitedError{ResetAt: e.tracker.Snapshot().ResetAt}
	}

	syncID, err := e.st.CreateSyncLog(ctx, now)
	if err != nil {
		return Result{}, err
	}

	remote, info, err := e.remote.ListMembers(ctx)
	e.record(info, err)
	if err != nil {
		detail := err.Error()
		if ferr := e.st.FinalizeSyncLog(ctx, syncID, models.SyncFailed, store.SyncCounts{}, &detail, e.now()); ferr != nil {
			log.Printf("sync %d: recording failure also failed: %v", syncID, ferr)
		}
		return Result{SyncID: syncID, Outcome: models.SyncFailed}, err
	}

	local, err := e.st.AllMembers(ctx)
	if err != nil {
		detail := err.Error()
		if ferr := e.st.FinalizeSyncLog(ctx, syncID, models.SyncFailed, store.SyncCounts{}, &detail, e.now()); ferr != nil {
			log.Printf("sync %d: recording failure also failed: %v", syncID, ferr)
		}
		return Result{SyncID: syncID, Outcome: models.SyncFailed}, err
	}

	changes := Diff(remote, local, e.now())
	e.attributeSources(ctx, changes.Add)
	counts, rowErrs := e.st.ApplySyncChanges(ctx, changes)
	counts.Fetched = len(remote)

	outcome := models.SyncSuccess
	var detail *string
	if len(rowErrs) > 0 {
		outcome = models.SyncPartial
		msgs := make([]string, len(rowErrs))
		for i, re := range rowErrs {
			msgs[i] = re.Error()
		}
		joined := strings.Join(msgs, "; ")
		detail = &joined
	}
	if err := e.st.FinalizeSyncLog(ctx, syncID, outcome, counts, detail, e.now()); err != nil {
		return Result{SyncID: syncID, Outcome: outcome}, err
	}

	log.Printf("sync %d finished outcome=%s fetched=%d added=%d removed=%d updated=%d unchanged=%d",
		syncID, outcome, counts.Fetched, counts.Added, counts.Removed, counts.Updated, counts.Unchanged)
	return Result{
		SyncID:    syncID,
		Outcome:   outcome,
		Fetched:   counts.Fetched,
		Added:     counts.Added,
		Removed:   counts.Removed,
		Updated:   counts.Updated,
		Unchanged: counts.Unchanged,
	}, nil
}

// attributeSources upgrades sync-created rows that trace back to an approved
// submission from the synced fallback to app_submitted. Handles with no
// submission history stay synced.
func (e *Engine) attributeSources(ctx context.Context, add []models.ListMember) {
	for i := range add {
		sub, err := e.st.GetSubmissionForHandle(ctx, add[i].Handle)
		if err != nil {
			continue
		}
		if sub.Status == models.SubmissionApproved {
			add[i].Source = models.SourceAppSubmitted
		}
	}
}

// checkCooloff measures from the previous run's start, including failed runs.
func (e *Engine) checkCooloff(ctx context.Context, now time.Time) error {
	last, err := e.st.LastSyncLog(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	next := last.StartedAt.Add(e.cooloff)
	if now.Before(next) {
		return &CooloffError{NextAllowedAt: next, Wait: next.Sub(now)}
	}
	return nil
}

func (e *Engine) record(info twitter.RateInfo, err error) {
	var rl *twitter.RateLimitedError
	if errors.As(err, &rl) {
		e.tracker.RecordRateLimited(rl.ResetAt)
		return
	}
	if info.Present {
		e.tracker.RecordResponse(info.Remaining, info.Limit, info.ResetAt)
	}
}

// WithClock overrides the engine clock. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}
