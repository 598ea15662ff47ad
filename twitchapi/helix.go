package twitchapi

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/onnwee/shoutclip/tenant"
)

// Clip is a Helix clip object.
type Clip struct {
	ID              string  `json:"id"`
	URL             string  `json:"url"`
	EmbedURL        string  `json:"embed_url"`
	BroadcasterID   string  `json:"broadcaster_id"`
	BroadcasterName string  `json:"broadcaster_name"`
	CreatorName     string  `json:"creator_name"`
	Title           string  `json:"title"`
	ThumbnailURL    string  `json:"thumbnail_url"`
	ViewCount       int     `json:"view_count"`
	CreatedAt       string  `json:"created_at"`
	Duration        float64 `json:"duration"` // seconds
}

// DurationMs is the clip length in whole milliseconds.
func (c Clip) DurationMs() int64 { return int64(c.Duration * 1000) }

type clipsPage struct {
	Data       []Clip `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// ResolveUserID looks up a login name. An unknown login is found=false with a nil error.
func (c *Client) ResolveUserID(ctx context.Context, t *tenant.Tenant, login string) (string, bool, error) {
	if login == "" {
		return "", false, errors.New("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := c.Call(ctx, t, "users", url.Values{"login": {login}}, &body); err != nil {
		return "", false, err
	}
	if len(body.Data) == 0 {
		return "", false, nil
	}
	return body.Data[0].ID, true, nil
}

// PickRandomClip collects up to ClipMaxPages pages of the broadcaster's clips and
// returns one chosen uniformly. A broadcaster without clips is found=false with a nil error.
func (c *Client) PickRandomClip(ctx context.Context, t *tenant.Tenant, broadcasterID string) (Clip, bool, error) {
	if broadcasterID == "" {
		return Clip{}, false, errors.New("broadcasterID empty")
	}
	var (
		all    []Clip
		cursor string
	)
	for page := 0; page < c.clipMaxPages; page++ {
		q := url.Values{}
		q.Set("broadcaster_id", broadcasterID)
		q.Set("first", strconv.Itoa(c.clipPageSize))
		if cursor != "" {
			q.Set("after", cursor)
		}
		var body clipsPage
		if err := c.Call(ctx, t, "clips", q, &body); err != nil {
			return Clip{}, false, err
		}
		all = append(all, body.Data...)
		cursor = body.Pagination.Cursor
		if cursor == "" || len(body.Data) == 0 {
			break
		}
	}
	if len(all) == 0 {
		return Clip{}, false, nil
	}
	return all[c.intn(len(all))], true, nil
}
