package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"listgate/internal/listsync"
	"listgate/internal/models"
	"listgate/internal/store"
	"listgate/internal/twitter"
	"listgate/internal/util"
	"listgate/internal/workflow"
)

const maxBodyBytes = 64 << 10

// errStatus maps workflow and sync errors onto HTTP statuses and a
// user-facing message.
func errStatus(err error) (int, string) {
	var rl *twitter.RateLimitedError
	var cool *listsync.CooloffError
	var pf *workflow.PartialFailureError
	var transient *twitter.TransientError
	var apiErr *twitter.APIError

	switch {
	case errors.Is(err, workflow.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, workflow.ErrInvalidState), errors.Is(err, store.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, listsync.ErrSyncInProgress):
		return http.StatusConflict, err.Error()
	case errors.Is(err, twitter.ErrAlreadyMember):
		return http.StatusConflict, err.Error()
	case errors.Is(err, twitter.ErrNotMember):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, twitter.ErrInvalidHandle):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, rl.Error()
	case errors.As(err, &cool):
		return http.StatusTooManyRequests, cool.Error()
	case errors.As(err, &pf):
		return http.StatusInternalServerError, pf.Error()
	case errors.As(err, &transient), errors.As(err, &apiErr):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// --- public intake ---

type submitRequest struct {
	Email   string `json:"email"`
	Handles string `json:"handles"`
}

type submitItem struct {
	Handle string `json:"handle"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(req.Email)); err != nil {
		util.WriteError(w, http.StatusBadRequest, "a valid email address is required")
		return
	}
	handles := splitHandles(req.Handles)
	if len(handles) == 0 {
		util.WriteError(w, http.StatusBadRequest, "at least one handle is required")
		return
	}

	results := make([]submitItem, 0, len(handles))
	submitted := 0
	for _, raw := range handles {
		handle := models.NormalizeHandle(raw)
		if !models.ValidHandle(handle) {
			results = append(results, submitItem{Handle: handle, Status: "failed", Reason: "invalid handle"})
			continue
		}
		if _, err := h.st.GetMemberByHandle(r.Context(), handle); err == nil {
			results = append(results, submitItem{Handle: handle, Status: "skipped", Reason: "Already a list member"})
			continue
		}
		prev, err := h.st.GetSubmissionForHandle(r.Context(), handle)
		if err == nil {
			switch prev.Status {
			case models.SubmissionPending:
				results = append(results, submitItem{Handle: handle, Status: "skipped", Reason: "Already pending approval"})
				continue
			case models.SubmissionApproved:
				results = append(results, submitItem{Handle: handle, Status: "skipped", Reason: "Already approved"})
				continue
			}
			// Rejected history does not block a fresh submission.
		} else if !errors.Is(err, store.ErrNotFound) {
			results = append(results, submitItem{Handle: handle, Status: "failed", Reason: "internal error"})
			continue
		}
		if _, err := h.st.CreateSubmission(r.Context(), strings.TrimSpace(req.Email), handle); err != nil {
			if errors.Is(err, store.ErrConflict) {
				results = append(results, submitItem{Handle: handle, Status: "skipped", Reason: "Already pending approval"})
				continue
			}
			results = append(results, submitItem{Handle: handle, Status: "failed", Reason: "internal error"})
			continue
		}
		submitted++
		results = append(results, submitItem{Handle: handle, Status: "submitted"})
	}

	util.WriteJSON(w, http.StatusOK, struct {
		util.Response
		Results []submitItem `json:"results"`
	}{
		Response: util.Response{Success: true, Message: fmt.Sprintf("%d handle(s) submitted for review", submitted)},
		Results:  results,
	})
}

func splitHandles(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ' ' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	seen := map[string]bool{}
	for _, f := range fields {
		h := models.NormalizeHandle(f)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, f)
	}
	return out
}

// --- admin decisions ---

func (h *Handlers) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid submission id")
		return
	}
	handle, err := h.wf.Approve(r.Context(), id)
	if err != nil {
		status, msg := errStatus(err)
		util.WriteError(w, status, msg)
		return
	}
	util.WriteOK(w, fmt.Sprintf("@%s approved and added to the list", handle))
}

func (h *Handlers) Reject(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid submission id")
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	if err := h.wf.Reject(r.Context(), id, req.Note); err != nil {
		status, msg := errStatus(err)
		util.WriteError(w, status, msg)
		return
	}
	util.WriteOK(w, "submission rejected")
}

func (h *Handlers) BulkApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubmissionIDs []int64 `json:"submission_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.SubmissionIDs) == 0 {
		util.WriteError(w, http.StatusBadRequest, "submission_ids is required")
		return
	}
	res := h.wf.BulkApprove(r.Context(), req.SubmissionIDs)
	util.WriteJSON(w, http.StatusOK, struct {
		util.Response
		Results workflow.BulkResult `json:"results"`
	}{
		Response: util.Response{
			Success: len(res.Failed) == 0,
			Message: fmt.Sprintf("%d approved, %d failed", len(res.Succeeded), len(res.Failed)),
		},
		Results: res,
	})
}

func (h *Handlers) BulkAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handles []string `json:"handles"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Handles) == 0 {
		util.WriteError(w, http.StatusBadRequest, "handles is required")
		return
	}
	res := h.wf.BulkAddMembers(r.Context(), req.Handles)
	util.WriteJSON(w, http.StatusOK, struct {
		util.Response
		Results workflow.BulkResult `json:"results"`
	}{
		Response: util.Response{
			Success: len(res.Failed) == 0,
			Message: fmt.Sprintf("%d added, %d failed", len(res.Succeeded), len(res.Failed)),
		},
		Results: res,
	})
}

func (h *Handlers) RemoveBySubmission(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid submission id")
		return
	}
	if err := h.wf.RemoveBySubmission(r.Context(), id); err != nil {
		status, msg := errStatus(err)
		util.WriteError(w, status, msg)
		return
	}
	util.WriteOK(w, "member removed from the list")
}

func (h *Handlers) RemoveMember(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid member id")
		return
	}
	if err := h.wf.RemoveMember(r.Context(), id); err != nil {
		status, msg := errStatus(err)
		util.WriteError(w, status, msg)
		return
	}
	util.WriteOK(w, "member removed from the list")
}

// --- sync and rate limit ---

func (h *Handlers) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Sync(r.Context())
	if err != nil {
		status, msg := errStatus(err)
		util.WriteError(w, status, msg)
		return
	}
	util.WriteJSON(w, http.StatusOK, struct {
		util.Response
		Result listsync.Result `json:"result"`
	}{
		Response: util.Response{
			Success: res.Outcome == models.SyncSuccess,
			Message: fmt.Sprintf("sync %s: %d fetched, %d added, %d removed, %d updated, %d unchanged",
				res.Outcome, res.Fetched, res.Added, res.Removed, res.Updated, res.Unchanged),
		},
		Result: res,
	})
}

func (h *Handlers) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	snap := h.tracker.Snapshot()
	msg := "no rate limit information recorded yet"
	if snap.Known {
		if snap.Limited {
			msg = (&twitter.RateLimitedError{ResetAt: snap.ResetAt}).Error()
		} else {
			msg = fmt.Sprintf("%d of %d calls remaining", snap.Remaining, snap.Limit)
		}
	}
	util.WriteJSON(w, http.StatusOK, struct {
		util.Response
		RateLimitInfo map[string]any `json:"rate_limit_info"`
	}{
		Response: util.Response{Success: !snap.Limited, Message: msg},
		RateLimitInfo: map[string]any{
			"remaining": snap.Remaining,
			"limit":     snap.Limit,
			"reset":     snap.ResetAt.UTC().Unix(),
		},
	})
}

// --- admin read endpoints ---

type pageParams struct {
	Page     int
	PageSize int
	Offset   int
}

func (h *Handlers) pagination(r *http.Request) pageParams {
	p := pageParams{Page: 1, PageSize: h.cfg.ItemsPerPage}
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		p.Page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && v > 0 && v <= 100 {
		p.PageSize = v
	}
	p.Offset = (p.Page - 1) * p.PageSize
	return p
}

type listResponse struct {
	Items    any `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func (h *Handlers) Pending(w http.ResponseWriter, r *http.Request) {
	p := h.pagination(r)
	items, total, err := h.st.ListSubmissions(r.Context(), models.SubmissionQuery{
		Status: string(models.SubmissionPending),
		Limit:  p.PageSize,
		Offset: p.Offset,
	})
	if err != nil {
		util.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []models.Submission{}
	}
	util.WriteJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Page: p.Page, PageSize: p.PageSize})
}

func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	p := h.pagination(r)
	items, total, err := h.st.ListSubmissions(r.Context(), models.SubmissionQuery{
		Q:      strings.TrimSpace(r.URL.Query().Get("q")),
		Status: r.URL.Query().Get("status"),
		Limit:  p.PageSize,
		Offset: p.Offset,
	})
	if err != nil {
		util.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []models.Submission{}
	}
	util.WriteJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Page: p.Page, PageSize: p.PageSize})
}

func (h *Handlers) Members(w http.ResponseWriter, r *http.Request) {
	p := h.pagination(r)
	items, total, err := h.st.ListMembers(r.Context(), p.PageSize, p.Offset)
	if err != nil {
		util.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []models.ListMember{}
	}
	util.WriteJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Page: p.Page, PageSize: p.PageSize})
}

func (h *Handlers) SyncHistory(w http.ResponseWriter, r *http.Request) {
	p := h.pagination(r)
	items, total, err := h.st.ListSyncLogs(r.Context(), p.PageSize, p.Offset)
	if err != nil {
		util.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []models.SyncLog{}
	}
	util.WriteJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Page: p.Page, PageSize: p.PageSize})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := map[string]any{}

	byStatus := map[string]int{}
	for _, s := range []models.SubmissionStatus{models.SubmissionPending, models.SubmissionApproved, models.SubmissionRejected} {
		n, err := h.st.CountSubmissionsByStatus(ctx, s)
		if err != nil {
			util.WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}
		byStatus[string(s)] = n
	}
	stats["submissions"] = byStatus

	bySource, err := h.st.CountMembersBySource(ctx)
	if err != nil {
		util.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	sources := map[string]int{}
	members := 0
	for src, n := range bySource {
		sources[string(src)] = n
		members += n
	}
	stats["members"] = map[string]any{"total": members, "by_source": sources}

	if last, err := h.st.LastSyncLog(ctx); err == nil {
		stats["last_sync"] = last
	}

	util.WriteJSON(w, http.StatusOK, stats)
}
