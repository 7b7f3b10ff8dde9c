// Package youtube polls channel upload playlists through the YouTube Data
// API and hands recently published videos to the dispatcher.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

var ErrChannelNotFound = errors.New("youtube: channel not found")

type ClientConfig struct {
	APIKey string
	// Endpoint overrides the API base URL (tests, proxies).
	Endpoint   string
	MaxResults int64
	Timeout    time.Duration

	RetryMax  int
	RetryBase time.Duration
	RetryCap  time.Duration
}

type ChannelInfo struct {
	ID                string
	Title             string
	UploadsPlaylistID string
	ThumbnailURL      string
}

type Video struct {
	ID           string
	Title        string
	Description  string
	ChannelID    string
	ChannelTitle string
	PublishedAt  time.Time
	ThumbnailURL string
	Views        uint64
	Likes        uint64
	Comments     uint64
}

// Client wraps the generated youtube/v3 service with a retry policy for
// transient failures.
type Client struct {
	svc        *yt.Service
	maxResults int64
	timeout    time.Duration
	retry      retrypolicy.RetryPolicy[any]
}

func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube: new service: %w", err)
	}

	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	} else if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryCap < cfg.RetryBase {
		cfg.RetryCap = max(5*time.Second, cfg.RetryBase)
	}

	return &Client{
		svc:        svc,
		maxResults: cfg.MaxResults,
		timeout:    cfg.Timeout,
		retry: retrypolicy.NewBuilder[any]().
			WithBackoff(cfg.RetryBase, cfg.RetryCap).
			WithMaxRetries(cfg.RetryMax).
			WithJitterFactor(0.1).
			HandleIf(func(_ any, err error) bool { return isTransient(err) }).
			ReturnLastFailure().
			Build(),
	}, nil
}

// isTransient matches network errors and upstream 5xx.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code >= http.StatusInternalServerError
	}
	return true
}

func (c *Client) run(ctx context.Context, fn func(ctx context.Context) error) error {
	return failsafe.With(c.retry).WithContext(ctx).Run(func() error {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(cctx)
	})
}

// ResolveChannel verifies that a channel exists and returns its uploads
// playlist.
func (c *Client) ResolveChannel(ctx context.Context, channelID string) (ChannelInfo, error) {
	var resp *yt.ChannelListResponse
	err := c.run(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.svc.Channels.List([]string{"snippet", "contentDetails"}).
			Id(channelID).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return ChannelInfo{}, ErrChannelNotFound
		}
		return ChannelInfo{}, fmt.Errorf("youtube: channels.list %s: %w", channelID, err)
	}
	if resp == nil || len(resp.Items) == 0 {
		return ChannelInfo{}, ErrChannelNotFound
	}

	ch := resp.Items[0]
	info := ChannelInfo{ID: ch.Id}
	if ch.Snippet != nil {
		info.Title = ch.Snippet.Title
		info.ThumbnailURL = bestThumbnail(ch.Snippet.Thumbnails)
	}
	if ch.ContentDetails != nil && ch.ContentDetails.RelatedPlaylists != nil {
		info.UploadsPlaylistID = ch.ContentDetails.RelatedPlaylists.Uploads
	}
	if info.UploadsPlaylistID == "" {
		return info, fmt.Errorf("youtube: channel %s has no uploads playlist", channelID)
	}
	return info, nil
}

// RecentUploads returns the ids of the newest items in an uploads playlist.
func (c *Client) RecentUploads(ctx context.Context, playlistID string) ([]string, error) {
	var resp *yt.PlaylistItemListResponse
	err := c.run(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.svc.PlaylistItems.List([]string{"contentDetails"}).
			PlaylistId(playlistID).
			MaxResults(c.maxResults).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("youtube: playlistItems.list %s: %w", playlistID, err)
	}
	ids := make([]string, 0, len(resp.Items))
	for _, it := range resp.Items {
		if it.ContentDetails != nil && it.ContentDetails.VideoId != "" {
			ids = append(ids, it.ContentDetails.VideoId)
		}
	}
	return ids, nil
}

// Videos fetches full details for the given ids. Unknown ids are omitted.
func (c *Client) Videos(ctx context.Context, ids []string) ([]Video, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var resp *yt.VideoListResponse
	err := c.run(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.svc.Videos.List([]string{"snippet", "statistics"}).
			Id(ids...).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("youtube: videos.list: %w", err)
	}

	out := make([]Video, 0, len(resp.Items))
	for _, v := range resp.Items {
		if v.Snippet == nil {
			continue
		}
		pub, err := time.Parse(time.RFC3339, v.Snippet.PublishedAt)
		if err != nil {
			return nil, fmt.Errorf("youtube: video %s: bad publishedAt %q", v.Id, v.Snippet.PublishedAt)
		}
		vid := Video{
			ID:           v.Id,
			Title:        v.Snippet.Title,
			Description:  v.Snippet.Description,
			ChannelID:    v.Snippet.ChannelId,
			ChannelTitle: v.Snippet.ChannelTitle,
			PublishedAt:  pub,
			ThumbnailURL: bestThumbnail(v.Snippet.Thumbnails),
		}
		if s := v.Statistics; s != nil {
			vid.Views, vid.Likes, vid.Comments = s.ViewCount, s.LikeCount, s.CommentCount
		}
		out = append(out, vid)
	}
	return out, nil
}

func bestThumbnail(t *yt.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	for _, th := range []*yt.Thumbnail{t.Maxres, t.Standard, t.High, t.Medium, t.Default} {
		if th != nil && th.Url != "" {
			return th.Url
		}
	}
	return ""
}
