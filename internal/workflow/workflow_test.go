package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"listgate/internal/db"
	"listgate/internal/models"
	"listgate/internal/rate"
	"listgate/internal/store"
	"listgate/internal/twitter"
)

type fakeRemote struct {
	mu          sync.Mutex
	addCalls    int
	removeCalls int
	rateLimitOn int // 1-based add-call number that starts returning 429s
	removeErr   error
	resetAt     time.Time
	members     []twitter.Member
}

func (f *fakeRemote) info() twitter.RateInfo {
	return twitter.RateInfo{Remaining: 10, Limit: 300, ResetAt: f.resetAt, Present: true}
}

func (f *fakeRemote) AddMember(ctx context.Context, handle string) (twitter.RateInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if f.rateLimitOn > 0 && f.addCalls >= f.rateLimitOn {
		return twitter.RateInfo{}, &twitter.RateLimitedError{ResetAt: f.resetAt}
	}
	return f.info(), nil
}

func (f *fakeRemote) RemoveMember(ctx context.Context, handle string) (twitter.RateInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	if f.removeErr != nil {
		return twitter.RateInfo{}, f.removeErr
	}
	return f.info(), nil
}

func (f *fakeRemote) ListMembers(ctx context.Context) ([]twitter.Member, twitter.RateInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members, f.info(), nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	sqdb, err := db.Open("sqlite", filepath.Join(t.TempDir(), "app.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	if err := db.ApplyMigrationFile(sqdb, filepath.Join("..", "..", "migrations", "sqlite_001_init.sql")); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	return store.New(sqdb)
}

func TestApproveHappyPath(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	remote := &fakeRemote{resetAt: time.Now().UTC().Add(15 * time.Minute)}
	wf := New(st, remote, rate.NewTracker())

	sub, err := st.CreateSubmission(ctx, "a@example.com", "newcomer")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	handle, err := wf.Approve(ctx, sub.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if handle != "newcomer" {
		t.Fatalf("handle = %q", handle)
	}
	if remote.addCalls != 1 {
		t.Fatalf("remote add calls = %d, want 1", remote.addCalls)
	}
	m, err := st.GetMemberByHandle(ctx, "newcomer")
	if err != nil {
		t.Fatalf("member missing: %v", err)
	}
	if m.Source != models.SourceAppSubmitted {
		t.Fatalf("source = %s", m.Source)
	}

	// Approving a decided submission is invalid and makes no remote call.
	if _, err := wf.Approve(ctx, sub.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("re-approve should be invalid state, got %v", err)
	}
	if remote.addCalls != 1 {
		t.Fatalf("re-approve should not call remote, calls = %d", remote.addCalls)
	}
}

func TestApproveBlockedByTracker(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	remote := &fakeRemote{}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := rate.NewTrackerWithClock(func() time.Time { return now })
	tracker.RecordRateLimited(now.Add(10 * time.Minute))
	wf := New(st, remote, tracker)

	sub, err := st.CreateSubmission(ctx, "a@example.com", "blocked")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = wf.Approve(ctx, sub.ID)
	var rl *twitter.RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("want RateLimitedError, got %v", err)
	}
	if remote.addCalls != 0 {
		t.Fatalf("blocked approve must not call remote, calls = %d", remote.addCalls)
	}
	got, _ := st.GetSubmissionByID(ctx, sub.ID)
	if got.Status != models.SubmissionPending {
		t.Fatalf("submission should stay pending, got %s", got.Status)
	}
}

func TestRejectMakesNoRemoteCall(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	remote := &fakeRemote{}
	wf := New(st, remote, rate.NewTracker())

	sub, err := st.CreateSubmission(ctx, "a@example.com", "unwanted")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := wf.Reject(ctx, sub.ID, "not a fit"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if remote.addCalls != 0 || remote.removeCalls != 0 {
		t.Fatal("reject must not touch the remote list")
	}
	got, _ := st.GetSubmissionByID(ctx, sub.ID)
	if got.Status != models.SubmissionRejected || got.Note == nil || *got.Note != "not a fit" {
		t.Fatalf("unexpected submission: %+v", got)
	}
	if err := wf.Reject(ctx, sub.ID, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("re-reject should be invalid state, got %v", err)
	}
}

func TestBulkApproveFailFast(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	remote := &fakeRemote{rateLimitOn: 2, resetAt: time.Now().UTC().Add(15 * time.Minute)}
	wf := New(st, remote, rate.NewTracker())

	ids := make([]int64, 0, 4)
	for _, h := range []string{"aaa", "bbb", "ccc", "ddd"} {
		sub, err := st.CreateSubmission(ctx, "a@example.com", h)
		if err != nil {
			t.Fatalf("create %s: %v", h, err)
		}
		ids = append(ids, sub.ID)
	}

	res := wf.BulkApprove(ctx, ids)
	if len(res.Succeeded) != 1 || res.Succeeded[0].Handle != "aaa" {
		t.Fatalf("succeeded = %+v, want only aaa", res.Succeeded)
	}
	if len(res.Failed) != 3 {
		t.Fatalf("failed = %+v, want 3 entries", res.Failed)
	}
	want := (&twitter.RateLimitedError{ResetAt: remote.resetAt}).Error()
	for _, f := range res.Failed {
		if f.Error != want {
			t.Fatalf("failed reason = %q, want %q", f.Error, want)
		}
	}
	if remote.addCalls != 2 {
		t.Fatalf("remote add calls = %d, want exactly 2", remote.addCalls)
	}

	// bbb through ddd remain pending for a retry after the window resets.
	for _, id := range ids[1:] {
		got, _ := st.GetSubmissionByID(ctx, id)
		if got.Status != models.SubmissionPending {
			t.Fatalf("submission %d should stay pending, got %s", id, got.Status)
		}
	}
}

func TestRemoveLeavesSubmissionApproved(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	remote := &fakeRemote{resetAt: time.Now().UTC().Add(15 * time.Minute)}
	wf := New(st, remote, rate.NewTracker())

	sub, err := st.CreateSubmission(ctx, "a@example.com", "departing")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := wf.Approve(ctx, sub.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := wf.RemoveBySubmission(ctx, sub.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if remote.removeCalls != 1 {
		t.Fatalf("remote remove calls = %d, want 1", remote.removeCalls)
	}
	if _, err := st.GetMemberByHandle(ctx, "departing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("member row should be deleted, got %v", err)
	}
	got, _ := st.GetSubmissionByID(ctx, sub.ID)
	if got.Status != models.SubmissionApproved {
		t.Fatalf("removal must not revert the submission, got %s", got.Status)
	}
}

func TestRemoveRemoteFailureLeavesLocalState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	remote := &fakeRemote{resetAt: time.Now().UTC().Add(15 * time.Minute)}
	wf := New(st, remote, rate.NewTracker())

	if err := st.UpsertMember(ctx, "sticky", "Sticky", models.SourceBulkAdded, time.Now().UTC()); err != nil {
		t.Fatalf("seed member: %v", err)
	}
	m, err := st.GetMemberByHandle(ctx, "sticky")
	if err != nil {
		t.Fatalf("get member: %v", err)
	}

	remote.removeErr = &twitter.TransientError{Err: errors.New("dial timeout")}
	err = wf.RemoveMember(ctx, m.ID)
	var transient *twitter.TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("want TransientError, got %v", err)
	}
	if _, err := st.GetMemberByHandle(ctx, "sticky"); err != nil {
		t.Fatalf("member must survive a failed remote remove: %v", err)
	}
}

// failingStore wraps the real store but fails the local approve write,
// simulating a crash between the remote add and the local commit.
type failingStore struct {
	Store
	approveErr error
}

func (f *failingStore) ApproveSubmission(ctx context.Context, id int64, handle string, now time.Time) error {
	return f.approveErr
}

func TestApprovePartialFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	remote := &fakeRemote{resetAt: time.Now().UTC().Add(15 * time.Minute)}

	sub, err := st.CreateSubmission(ctx, "a@example.com", "divergent")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	broken := &failingStore{Store: st, approveErr: errors.New("disk full")}
	wf := New(broken, remote, rate.NewTracker())

	_, err = wf.Approve(ctx, sub.ID)
	var pf *PartialFailureError
	if !errors.As(err, &pf) {
		t.Fatalf("want PartialFailureError, got %v", err)
	}
	if pf.Handle != "divergent" {
		t.Fatalf("partial failure handle = %q", pf.Handle)
	}
	if remote.addCalls != 1 {
		t.Fatalf("remote add calls = %d, want 1", remote.addCalls)
	}
}
