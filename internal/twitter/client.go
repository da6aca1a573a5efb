package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dghubble/oauth1"

	"listgate/internal/config"
	"listgate/internal/models"
)

const defaultBaseURL = "https://api.twitter.com/2"

// pageSize is the API maximum for list-member pages.
const pageSize = 100

// APIClient talks to the Twitter API v2 list endpoints with OAuth 1.0a
// user-context signing. Add and remove resolve the handle to a user id first,
// so each costs two requests against the shared budget.
type APIClient struct {
	http   *http.Client
	listID string
	base   string
}

var _ Client = (*APIClient)(nil)

func NewAPIClient(cfg config.Config) *APIClient {
	oc := oauth1.NewConfig(cfg.TwitterAPIKey, cfg.TwitterAPISecret)
	token := oauth1.NewToken(cfg.TwitterAccessToken, cfg.TwitterAccessTokenSecret)
	hc := oc.Client(oauth1.NoContext, token)
	hc.Timeout = cfg.TwitterTimeout()
	return &APIClient{http: hc, listID: cfg.TwitterListID, base: defaultBaseURL}
}

func (c *APIClient) AddMember(ctx context.Context, handle string) (RateInfo, error) {
	userID, info, err := c.lookupUserID(ctx, handle)
	if err != nil {
		return info, err
	}
	body, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/lists/%s/members", c.base, c.listID), bytes.NewReader(body))
	if err != nil {
		return info, &TransientError{Err: err}
	}
	defer resp.Body.Close()
	info = rateInfoFrom(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return info, nil
	case http.StatusTooManyRequests:
		return info, &RateLimitedError{ResetAt: resetAtFrom(resp)}
	case http.StatusForbidden:
		if hasAPIErrorContaining(resp.Body, "already a member") {
			return info, ErrAlreadyMember
		}
		return info, readAPIError(resp)
	default:
		return info, classifyStatus(resp)
	}
}

func (c *APIClient) RemoveMember(ctx context.Context, handle string) (RateInfo, error) {
	userID, info, err := c.lookupUserID(ctx, handle)
	if err != nil {
		return info, err
	}
	resp, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/lists/%s/members/%s", c.base, c.listID, userID), nil)
	if err != nil {
		return info, &TransientError{Err: err}
	}
	defer resp.Body.Close()
	info = rateInfoFrom(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return info, nil
	case http.StatusNotFound:
		return info, ErrNotMember
	case http.StatusTooManyRequests:
		return info, &RateLimitedError{ResetAt: resetAtFrom(resp)}
	default:
		return info, classifyStatus(resp)
	}
}

func (c *APIClient) ListMembers(ctx context.Context) ([]Member, RateInfo, error) {
	var (
		members []Member
		info    RateInfo
		token   string
	)
	for {
		q := url.Values{}
		q.Set("max_results", strconv.Itoa(pageSize))
		q.Set("user.fields", "username,name")
		if token != "" {
			q.Set("pagination_token", token)
		}
		resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/lists/%s/members?%s", c.base, c.listID, q.Encode()), nil)
		if err != nil {
			return nil, info, &TransientError{Err: err}
		}
		info = rateInfoFrom(resp)

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return nil, info, &RateLimitedError{ResetAt: resetAtFrom(resp)}
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return nil, info, classifyStatus(resp)
		}

		var page struct {
			Data []struct {
				Username string `json:"username"`
				Name     string `json:"name"`
			} `json:"data"`
			Meta struct {
				NextToken string `json:"next_token"`
			} `json:"meta"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, info, &APIError{StatusCode: http.StatusOK, Body: "undecodable member page"}
		}
		for _, u := range page.Data {
			members = append(members, Member{Handle: models.NormalizeHandle(u.Username), DisplayName: u.Name})
		}
		log.Printf("remote list page fetched members=%d total=%d", len(page.Data), len(members))

		token = page.Meta.NextToken
		if token == "" {
			return members, info, nil
		}
	}
}

func (c *APIClient) lookupUserID(ctx context.Context, handle string) (string, RateInfo, error) {
	handle = models.NormalizeHandle(handle)
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/users/by/username/%s", c.base, url.PathEscape(handle)), nil)
	if err != nil {
		return "", RateInfo{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()
	info := rateInfoFrom(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", info, fmt.Errorf("%w: @%s", ErrInvalidHandle, handle)
	case http.StatusTooManyRequests:
		return "", info, &RateLimitedError{ResetAt: resetAtFrom(resp)}
	default:
		return "", info, classifyStatus(resp)
	}

	var payload struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Data.ID == "" {
		return "", info, fmt.Errorf("%w: @%s", ErrInvalidHandle, handle)
	}
	return payload.Data.ID, info, nil
}

func (c *APIClient) do(ctx context.Context, method, rawURL string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func rateInfoFrom(resp *http.Response) RateInfo {
	remaining, errR := strconv.Atoi(resp.Header.Get("x-rate-limit-remaining"))
	limit, errL := strconv.Atoi(resp.Header.Get("x-rate-limit-limit"))
	if errR != nil || errL != nil {
		return RateInfo{}
	}
	return RateInfo{
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   resetAtFrom(resp),
		Present:   true,
	}
}

func resetAtFrom(resp *http.Response) time.Time {
	unix, err := strconv.ParseInt(resp.Header.Get("x-rate-limit-reset"), 10, 64)
	if err != nil {
		// Header missing or garbled; assume a standard 15 minute window.
		return time.Now().UTC().Add(15 * time.Minute)
	}
	return time.Unix(unix, 0).UTC()
}

func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 500 {
		return &TransientError{Err: fmt.Errorf("remote API status %d", resp.StatusCode)}
	}
	return readAPIError(resp)
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

func hasAPIErrorContaining(body io.Reader, substr string) bool {
	var payload struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return false
	}
	for _, e := range payload.Errors {
		if strings.Contains(strings.ToLower(e.Message), substr) {
			return true
		}
	}
	return false
}
