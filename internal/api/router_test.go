package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"listgate/internal/config"
	"listgate/internal/db"
	"listgate/internal/listsync"
	"listgate/internal/models"
	"listgate/internal/rate"
	"listgate/internal/store"
	"listgate/internal/twitter"
	"listgate/internal/workflow"
)

type fakeRemote struct {
	mu          sync.Mutex
	addCalls    int
	rateLimitOn int
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
	return f.info(), nil
}

func (f *fakeRemote) ListMembers(ctx context.Context) ([]twitter.Member, twitter.RateInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members, f.info(), nil
}

func newTestRouter(t *testing.T, remote twitter.Client) (http.Handler, *store.Store, *rate.Tracker) {
	t.Helper()
	sqdb, err := db.Open("sqlite", filepath.Join(t.TempDir(), "app.db"), 2, 2, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	if err := db.ApplyMigrationFile(sqdb, filepath.Join("..", "..", "migrations", "sqlite_001_init.sql")); err != nil {
		t.Fatalf("apply migration: %v", err)
	}

	cfg := config.Config{
		ListenAddr:          ":0",
		DBDriver:            "sqlite",
		ItemsPerPage:        20,
		SubmitRateLimit:     100,
		SubmitRateWindowSec: 60,
		TwitterListID:       "12345",
	}
	st := store.New(sqdb)
	tracker := rate.NewTracker()
	wf := workflow.New(st, remote, tracker)
	engine := listsync.NewEngine(st, remote, tracker, 0)
	return NewRouter(cfg, st, wf, engine, tracker), st, tracker
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestSubmitDeduplicates(t *testing.T) {
	remote := &fakeRemote{resetAt: time.Now().UTC().Add(15 * time.Minute)}
	h, st, _ := newTestRouter(t, remote)

	rec := doJSON(t, h, http.MethodPost, "/submit", map[string]string{
		"email":   "fan@example.com",
		"handles": "@alpha\nbeta\n@alpha\nbad-handle!",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool `json:"success"`
		Results []struct {
			Handle string `json:"handle"`
			Status string `json:"status"`
			Reason string `json:"reason"`
		} `json:"results"`
	}
	decode(t, rec, &resp)
	if !resp.Success {
		t.Fatalf("success = false: %s", rec.Body.String())
	}
	statuses := map[string]string{}
	for _, r := range resp.Results {
		statuses[r.Handle] = r.Status
	}
	if statuses["alpha"] != "submitted" || statuses["beta"] != "submitted" {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}

	// Same handles again: both now pending, so both are skipped.
	rec = doJSON(t, h, http.MethodPost, "/submit", map[string]string{
		"email":   "fan@example.com",
		"handles": "alpha beta",
	})
	decode(t, rec, &resp)
	for _, r := range resp.Results {
		if r.Status != "skipped" || r.Reason != "Already pending approval" {
			t.Fatalf("resubmission should be skipped as pending: %+v", r)
		}
	}

	subs, total, err := st.ListSubmissions(context.Background(), models.SubmissionQuery{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(subs) != 2 {
		t.Fatalf("expected 2 submissions, got %d", total)
	}
}

func TestSubmitRejectsBadEmail(t *testing.T) {
	h, _, _ := newTestRouter(t, &fakeRemote{})
	rec := doJSON(t, h, http.MethodPost, "/submit", map[string]string{
		"email":   "not-an-email",
		"handles": "alpha",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestApproveEndpoint(t *testing.T) {
	remote := &fakeRemote{resetAt: time.Now().UTC().Add(15 * time.Minute)}
	h, st, _ := newTestRouter(t, remote)

	sub, err := st.CreateSubmission(context.Background(), "fan@example.com", "winner")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/admin/approve/"+strconv.FormatInt(sub.ID, 10), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	decode(t, rec, &resp)
	if !resp.Success || !strings.Contains(resp.Message, "winner") {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// Second approve conflicts.
	rec = doJSON(t, h, http.MethodPost, "/admin/approve/"+strconv.FormatInt(sub.ID, 10), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("re-approve status = %d, want 409", rec.Code)
	}

	// Unknown id is a 404.
	rec = doJSON(t, h, http.MethodPost, "/admin/approve/999999", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing id status = %d, want 404", rec.Code)
	}
}

func TestBulkApproveEndpointShape(t *testing.T) {
	remote := &fakeRemote{rateLimitOn: 2, resetAt: time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)}
	h, st, _ := newTestRouter(t, remote)

	ids := []int64{}
	for _, handle := range []string{"one", "two", "three"} {
		sub, err := st.CreateSubmission(context.Background(), "fan@example.com", handle)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, sub.ID)
	}

	rec := doJSON(t, h, http.MethodPost, "/admin/bulk-approve", map[string]any{"submission_ids": ids})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Results struct {
			Success []struct {
				ID int64 `json:"id"`
			} `json:"success"`
			Failed []struct {
				ID    int64  `json:"id"`
				Error string `json:"error"`
			} `json:"failed"`
		} `json:"results"`
	}
	decode(t, rec, &resp)
	if resp.Success {
		t.Fatal("partial bulk should not report overall success")
	}
	if len(resp.Results.Success) != 1 || resp.Results.Success[0].ID != ids[0] {
		t.Fatalf("unexpected successes: %+v", resp.Results.Success)
	}
	if len(resp.Results.Failed) != 2 {
		t.Fatalf("unexpected failures: %+v", resp.Results.Failed)
	}
	for _, f := range resp.Results.Failed {
		if !strings.Contains(f.Error, "Resets at 2025-03-01 12:30:00") {
			t.Fatalf("rate-limit message lost its reset timestamp: %q", f.Error)
		}
	}
}

func TestCheckRateLimitMessageFormat(t *testing.T) {
	h, _, tracker := newTestRouter(t, &fakeRemote{})
	reset := time.Now().UTC().Add(30 * time.Minute).Truncate(time.Second)
	tracker.RecordRateLimited(reset)

	rec := doJSON(t, h, http.MethodPost, "/admin/check-rate-limit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Success       bool   `json:"success"`
		Message       string `json:"message"`
		RateLimitInfo struct {
			Remaining int   `json:"remaining"`
			Limit     int   `json:"limit"`
			Reset     int64 `json:"reset"`
		} `json:"rate_limit_info"`
	}
	decode(t, rec, &resp)
	if resp.Success {
		t.Fatal("limited tracker should report success=false")
	}
	if !strings.Contains(resp.Message, "Resets at "+reset.Format(twitter.ResetTimeLayout)) {
		t.Fatalf("message = %q, want the literal reset pattern", resp.Message)
	}
	if resp.RateLimitInfo.Reset != reset.Unix() {
		t.Fatalf("reset = %d, want %d", resp.RateLimitInfo.Reset, reset.Unix())
	}
}

func TestSyncEndpointAndHistory(t *testing.T) {
	remote := &fakeRemote{members: []twitter.Member{{Handle: "existing", DisplayName: "Existing"}}}
	h, _, _ := newTestRouter(t, remote)

	rec := doJSON(t, h, http.MethodPost, "/admin/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Result  struct {
			Outcome string `json:"outcome"`
			Added   int    `json:"added"`
		} `json:"result"`
	}
	decode(t, rec, &resp)
	if !resp.Success || resp.Result.Outcome != "success" || resp.Result.Added != 1 {
		t.Fatalf("unexpected sync response: %s", rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/admin/sync-history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var hist struct {
		Items []struct {
			Outcome string `json:"outcome"`
		} `json:"items"`
		Total int `json:"total"`
	}
	decode(t, rec, &hist)
	if hist.Total != 1 || len(hist.Items) != 1 || hist.Items[0].Outcome != "success" {
		t.Fatalf("unexpected history: %s", rec.Body.String())
	}
}

func TestPendingAndMembersEndpoints(t *testing.T) {
	remote := &fakeRemote{resetAt: time.Now().UTC().Add(15 * time.Minute)}
	h, st, _ := newTestRouter(t, remote)
	ctx := context.Background()

	first, err := st.CreateSubmission(ctx, "fan@example.com", "queued")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	approved, err := st.CreateSubmission(ctx, "fan@example.com", "listed")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.ApproveSubmission(ctx, approved.ID, approved.Handle, time.Now().UTC()); err != nil {
		t.Fatalf("approve: %v", err)
	}

	rec := doJSON(t, h, http.MethodGet, "/admin/pending", nil)
	var pending struct {
		Items []struct {
			ID     int64  `json:"id"`
			Handle string `json:"handle"`
		} `json:"items"`
		Total int `json:"total"`
	}
	decode(t, rec, &pending)
	if pending.Total != 1 || pending.Items[0].ID != first.ID {
		t.Fatalf("unexpected pending list: %s", rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/admin/members", nil)
	var members struct {
		Items []struct {
			Handle string `json:"handle"`
			Source string `json:"source"`
		} `json:"items"`
		Total int `json:"total"`
	}
	decode(t, rec, &members)
	if members.Total != 1 || members.Items[0].Handle != "listed" || members.Items[0].Source != "app_submitted" {
		t.Fatalf("unexpected members list: %s", rec.Body.String())
	}
}

func TestRemoveEndpointKeepsSubmissionApproved(t *testing.T) {
	remote := &fakeRemote{resetAt: time.Now().UTC().Add(15 * time.Minute)}
	h, st, _ := newTestRouter(t, remote)
	ctx := context.Background()

	sub, err := st.CreateSubmission(ctx, "fan@example.com", "leaver")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.ApproveSubmission(ctx, sub.ID, sub.Handle, time.Now().UTC()); err != nil {
		t.Fatalf("approve: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/admin/remove/"+strconv.FormatInt(sub.ID, 10), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if _, err := st.GetMemberByHandle(ctx, "leaver"); err == nil {
		t.Fatal("member row should be deleted")
	}
	got, _ := st.GetSubmissionByID(ctx, sub.ID)
	if got.Status != models.SubmissionApproved {
		t.Fatalf("submission status = %s, want approved", got.Status)
	}
}

func TestHealthLive(t *testing.T) {
	h, _, _ := newTestRouter(t, &fakeRemote{})
	rec := doJSON(t, h, http.MethodGet, "/health/live", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
