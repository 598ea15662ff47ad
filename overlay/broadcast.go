package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/shoutclip/tenant"
)

// Envelope is the JSON frame sent to overlays.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ClipEvent is the payload of a "newClip" envelope.
type ClipEvent struct {
	VideoURL     string  `json:"videoUrl"`
	EmbedURL     string  `json:"embedUrl,omitempty"`
	ThumbnailURL string  `json:"thumbnailUrl,omitempty"`
	ClipID       string  `json:"clipId"`
	Title        string  `json:"title,omitempty"`
	Duration     float64 `json:"duration"` // seconds
	DurationMs   int64   `json:"durationMs"`
	Channel      string  `json:"channel"`
	Target       string  `json:"target"`
	RequestedBy  string  `json:"requestedBy,omitempty"`
}

// ProjectLister returns a tenant's overlay projects.
type ProjectLister interface {
	ListProjects(ctx context.Context, tenantID string) ([]tenant.Project, error)
}

// Broadcaster fans clip events out to every overlay project of a tenant.
type Broadcaster struct {
	pub      Publisher
	projects ProjectLister
	log      *slog.Logger
}

func NewBroadcaster(pub Publisher, projects ProjectLister) *Broadcaster {
	return &Broadcaster{pub: pub, projects: projects, log: slog.Default().With(slog.String("component", "overlay"))}
}

// PublishClip sends ev to each project topic of tenantID. A failure on one
// topic does not stop delivery to the others.
func (b *Broadcaster) PublishClip(ctx context.Context, tenantID string, ev ClipEvent) error {
	projects, err := b.projects.ListProjects(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("list overlay projects: %w", err)
	}
	if len(projects) == 0 {
		return nil
	}
	payload, err := json.Marshal(Envelope{Type: "newClip", Data: ev})
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range projects {
		if err := b.pub.Publish(ctx, p.ID, payload); err != nil {
			errs = append(errs, fmt.Errorf("project %s: %w", p.ID, err))
		}
	}
	b.log.Debug("clip published", slog.String("tenant", tenantID), slog.String("clip", ev.ClipID), slog.Int("projects", len(projects)))
	return errors.Join(errs...)
}
