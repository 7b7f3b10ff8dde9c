// Package twitter polls the X/Twitter v2 recent search API for tracked
// accounts and hands new posts to the dispatcher.
package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL    = "https://api.twitter.com"
	searchRecentPath  = "/2/tweets/search/recent"
	defaultMaxResults = 10
	maxBodyBytes      = 4 << 20
)

var ErrRateLimited = errors.New("twitter: rate limited")

// RateLimitError is returned for HTTP 429. RetryAfter is zero when the
// upstream sent no usable hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("twitter: rate limited (retry after %s)", e.RetryAfter)
	}
	return "twitter: rate limited"
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// APIError is a non-2xx response other than 429.
type APIError struct {
	Status int
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	msg := e.Title
	if e.Detail != "" {
		msg = strings.TrimSpace(msg + ": " + e.Detail)
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("twitter: http %d: %s", e.Status, msg)
}

// Transient reports whether a retry on the next pass may succeed.
func (e *APIError) Transient() bool { return e.Status >= 500 }

// Quota is what the upstream reported about the current window. Known is
// false when the headers were missing.
type Quota struct {
	Known     bool
	Remaining int
	ResetUnix int64
}

// SearchResult is one page of recent posts plus the quota headers.
type SearchResult struct {
	Tweets []Tweet
	Quota  Quota
}

type Tweet struct {
	ID        string
	Text      string
	CreatedAt time.Time
	Author    User
	Media     []MediaItem
	Metrics   PublicMetrics
}

type User struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Username        string `json:"username"`
	ProfileImageURL string `json:"profile_image_url"`
}

type MediaItem struct {
	Key        string `json:"media_key"`
	Type       string `json:"type"`
	URL        string `json:"url"`
	PreviewURL string `json:"preview_image_url"`
}

type PublicMetrics struct {
	Retweets    int64 `json:"retweet_count"`
	Replies     int64 `json:"reply_count"`
	Likes       int64 `json:"like_count"`
	Quotes      int64 `json:"quote_count"`
	Impressions int64 `json:"impression_count"`
}

type ClientConfig struct {
	BaseURL     string
	BearerToken string
	MaxResults  int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client talks to the v2 recent search endpoint with app-only auth.
type Client struct {
	base       string
	token      string
	maxResults int
	http       *http.Client
	now        func() time.Time
}

func NewClient(cfg ClientConfig) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	n := cfg.MaxResults
	if n < 10 || n > 100 {
		n = defaultMaxResults
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{base: base, token: cfg.BearerToken, maxResults: n, http: hc, now: time.Now}
}

type searchResponse struct {
	Data []struct {
		ID          string        `json:"id"`
		Text        string        `json:"text"`
		AuthorID    string        `json:"author_id"`
		CreatedAt   time.Time     `json:"created_at"`
		Metrics     PublicMetrics `json:"public_metrics"`
		Attachments struct {
			MediaKeys []string `json:"media_keys"`
		} `json:"attachments"`
	} `json:"data"`
	Includes struct {
		Media []MediaItem `json:"media"`
		Users []User      `json:"users"`
	} `json:"includes"`
	Meta struct {
		NewestID    string `json:"newest_id"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
}

type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// SearchRecent returns posts authored by handle, newer than sinceID when it
// is set. An empty result is not an error.
func (c *Client) SearchRecent(ctx context.Context, handle, sinceID string) (SearchResult, error) {
	q := url.Values{}
	q.Set("query", "from:"+handle)
	q.Set("max_results", strconv.Itoa(c.maxResults))
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	q.Set("expansions", "author_id,attachments.media_keys")
	q.Set("tweet.fields", "created_at,author_id,public_metrics,attachments")
	q.Set("media.fields", "type,url,preview_image_url")
	q.Set("user.fields", "name,username,profile_image_url")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+searchRecentPath+"?"+q.Encode(), nil)
	if err != nil {
		return SearchResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return SearchResult{}, fmt.Errorf("twitter: search %s: %w", handle, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return SearchResult{}, fmt.Errorf("twitter: read body: %w", err)
	}
	quota := parseQuota(resp.Header)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return SearchResult{Quota: quota}, &RateLimitError{RetryAfter: c.retryAfter(resp.Header)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var p problem
		_ = json.Unmarshal(body, &p)
		return SearchResult{Quota: quota}, &APIError{Status: resp.StatusCode, Title: p.Title, Detail: p.Detail}
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return SearchResult{Quota: quota}, fmt.Errorf("twitter: decode search: %w", err)
	}
	return SearchResult{Tweets: joinIncludes(sr), Quota: quota}, nil
}

// joinIncludes resolves authors and media from the expansion blocks.
func joinIncludes(sr searchResponse) []Tweet {
	users := make(map[string]User, len(sr.Includes.Users))
	for _, u := range sr.Includes.Users {
		users[u.ID] = u
	}
	media := make(map[string]MediaItem, len(sr.Includes.Media))
	for _, m := range sr.Includes.Media {
		media[m.Key] = m
	}

	out := make([]Tweet, 0, len(sr.Data))
	for _, d := range sr.Data {
		t := Tweet{
			ID:        d.ID,
			Text:      d.Text,
			CreatedAt: d.CreatedAt,
			Author:    users[d.AuthorID],
			Metrics:   d.Metrics,
		}
		if t.Author.ID == "" {
			t.Author.ID = d.AuthorID
		}
		for _, k := range d.Attachments.MediaKeys {
			if m, ok := media[k]; ok {
				t.Media = append(t.Media, m)
			}
		}
		out = append(out, t)
	}
	return out
}

func parseQuota(h http.Header) Quota {
	rem, err := strconv.Atoi(strings.TrimSpace(h.Get("x-rate-limit-remaining")))
	if err != nil {
		return Quota{}
	}
	reset, _ := strconv.ParseInt(strings.TrimSpace(h.Get("x-rate-limit-reset")), 10, 64)
	return Quota{Known: true, Remaining: rem, ResetUnix: reset}
}

// retryAfter prefers Retry-After seconds, then the window reset header.
func (c *Client) retryAfter(h http.Header) time.Duration {
	if s, err := strconv.Atoi(strings.TrimSpace(h.Get("retry-after"))); err == nil && s > 0 {
		return time.Duration(s) * time.Second
	}
	if ts, err := strconv.ParseInt(strings.TrimSpace(h.Get("x-rate-limit-reset")), 10, 64); err == nil {
		if d := time.Unix(ts, 0).Sub(c.now()); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}
