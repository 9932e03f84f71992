package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/protocol"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

const (
	boardActivityLimit = 20
	cardActivityLimit  = 50
)

// recordActivity appends to the board's activity log after a commit.
// Failures are logged and never reach the caller.
func (s *Service) recordActivity(ctx context.Context, boardID, cardID, userID, kind string, data map[string]any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.WithError(err).WithField("activity", kind).Warn("encode activity")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err = s.store.InsertActivity(ctx, store.Activity{
		ID:      util.NewID("act"),
		BoardID: boardID,
		CardID:  cardID,
		UserID:  userID,
		Type:    kind,
		Data:    raw,
	})
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"board_id": boardID,
			"activity": kind,
		}).Warn("record activity")
	}
}

// BoardActivity returns the newest entries of the board's log.
func (s *Service) BoardActivity(ctx context.Context, session Session, boardID string) ([]protocol.ActivityView, error) {
	return s.activity(ctx, session, boardID, "", boardActivityLimit)
}

// CardActivity returns the newest entries about one card.
func (s *Service) CardActivity(ctx context.Context, session Session, boardID, cardID string) ([]protocol.ActivityView, error) {
	return s.activity(ctx, session, boardID, cardID, cardActivityLimit)
}

func (s *Service) activity(ctx context.Context, session Session, boardID, cardID string, limit int) ([]protocol.ActivityView, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionRead); err != nil {
		return nil, err
	}
	entries, err := s.store.ListActivities(ctx, boardID, cardID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity for board %s: %w", boardID, err)
	}
	out := make([]protocol.ActivityView, 0, len(entries))
	for _, entry := range entries {
		out = append(out, protocol.ActivityView{
			ID:        entry.ID,
			Board:     entry.BoardID,
			Card:      entry.CardID,
			User:      entry.UserID,
			Type:      entry.Type,
			Data:      entry.Data,
			CreatedAt: entry.CreatedAt,
		})
	}
	return out, nil
}
