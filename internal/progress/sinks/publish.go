package sinks

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/progress"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

// RunNotification is the payload published when a run finishes.
type RunNotification struct {
	RunID      string          `json:"run_id"`
	Label      string          `json:"label,omitempty"`
	State      tracks.RunState `json:"state"`
	Total      int             `json:"total"`
	Downloaded int             `json:"downloaded"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	Error      string          `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// ItemNotification is the payload published when an item reaches a final status.
type ItemNotification struct {
	RunID    string            `json:"run_id"`
	Index    int               `json:"index"`
	Key      string            `json:"key,omitempty"`
	Title    string            `json:"title,omitempty"`
	Artists  string            `json:"artists,omitempty"`
	Status   tracks.ItemStatus `json:"status"`
	Locators []string          `json:"locators,omitempty"`
	Error    string            `json:"error,omitempty"`
	At       time.Time         `json:"at"`
}

// PublishSink announces item outcomes and finished runs on a message topic.
type PublishSink struct {
	publisher tracks.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink constructs a PublishSink. An empty topic disables publishing.
func NewPublishSink(publisher tracks.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one notification per item_finish, item_error, and
// run_finish event in the batch.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil || s.topic == "" {
		return nil
	}
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindItemFinish, progress.KindItemError:
			if _, err := s.publisher.Publish(ctx, s.topic, itemNotificationFor(evt)); err != nil {
				return fmt.Errorf("publish item notification: %w", err)
			}
		case progress.KindRunFinish:
			if evt.Snapshot == nil {
				continue
			}
			note := notificationFor(evt)
			msgID, err := s.publisher.Publish(ctx, s.topic, note)
			if err != nil {
				return fmt.Errorf("publish run notification: %w", err)
			}
			s.logger.Info("run notification published",
				zap.String("run_id", note.RunID),
				zap.String("state", string(note.State)),
				zap.String("message_id", msgID),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}

func itemNotificationFor(evt progress.Event) ItemNotification {
	return ItemNotification{
		RunID:    evt.RunID,
		Index:    evt.Index,
		Key:      evt.Key,
		Title:    evt.Title,
		Artists:  evt.Artists,
		Status:   evt.Status,
		Locators: slices.Clone(evt.Locators),
		Error:    evt.Error,
		At:       evt.Timestamp,
	}
}

func notificationFor(evt progress.Event) RunNotification {
	snap := evt.Snapshot
	finished := evt.Timestamp
	if snap.FinishedAt != nil {
		finished = *snap.FinishedAt
	}
	return RunNotification{
		RunID:      evt.RunID,
		Label:      snap.Label,
		State:      snap.State,
		Total:      snap.Total,
		Downloaded: snap.Downloaded,
		Skipped:    snap.Skipped,
		Failed:     snap.Failed,
		Error:      snap.Error,
		FinishedAt: finished,
	}
}
