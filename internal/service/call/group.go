package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/domain"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/errors"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/logger"
)

// StartGroupCall rings every listed peer under one shared group id. Failure
// to reach one participant does not affect the others; the group starts as
// long as at least one participant session was created.
func (s *Service) StartGroupCall(ctx context.Context, peerIDs []string, opts MediaOptions) (*domain.GroupCallSession, error) {
	if len(peerIDs) == 0 {
		return nil, errors.InvalidStateError("a group call needs at least one participant")
	}

	group := &domain.GroupCallSession{
		ID:           domain.NewCallID(),
		InitiatorID:  s.localUserID,
		Direction:    domain.DirectionOutgoing,
		Participants: make(map[string]*domain.CallSession),
		StartedAt:    time.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.InvalidStateError("engine is closed")
	}
	s.groups[group.ID] = group
	// Marking the group as forming keeps cleanup from pruning it while early
	// participants fail and the group is still momentarily empty
	s.forming[group.ID] = struct{}{}
	s.mu.Unlock()

	log := logger.With(zap.String("group_id", group.ID))

	started := 0
	for _, peerID := range peerIDs {
		if _, err := s.startOutgoing(ctx, peerID, opts, group.ID); err != nil {
			log.Warn("Group participant failed to start",
				zap.String("peer_id", peerID), zap.Error(err))
			s.handler.OnError(group.ID, err)
			continue
		}
		started++
	}

	s.mu.Lock()
	delete(s.forming, group.ID)
	active := 0
	if g, ok := s.groups[group.ID]; ok {
		active = len(g.ActiveParticipants())
	}
	if active == 0 {
		delete(s.groups, group.ID)
	}
	s.mu.Unlock()

	if active == 0 || started == 0 {
		return nil, errors.InternalError("no group participant could be reached")
	}

	log.Info("Group call started",
		zap.Int("invited", len(peerIDs)), zap.Int("ringing", started))
	return group, nil
}

// JoinGroupCall answers every ringing incoming session of a group. Partial
// failures are isolated: a participant whose answer fails is rejected
// individually while the rest of the group connects.
func (s *Service) JoinGroupCall(ctx context.Context, groupID string, opts MediaOptions) error {
	s.mu.Lock()
	group, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return errors.CallNotFoundError()
	}
	var ringing []string
	for _, session := range group.Participants {
		if session.Direction == domain.DirectionIncoming && session.State == domain.StateRinging {
			ringing = append(ringing, session.ID)
		}
	}
	s.mu.Unlock()

	if len(ringing) == 0 {
		return errors.InvalidStateError("group has no ringing participants to answer")
	}

	answered := 0
	for _, callID := range ringing {
		if err := s.AnswerCall(ctx, callID, opts); err != nil {
			logger.WithCall(callID).Warn("Group join answer failed", zap.Error(err))
			continue
		}
		answered++
	}
	if answered == 0 {
		return errors.InternalError("failed to answer any group participant")
	}
	return nil
}

// LeaveGroupCall ends every local session of the group. The group is removed
// when its last participant session reaches a terminal state.
func (s *Service) LeaveGroupCall(ctx context.Context, groupID string) error {
	s.mu.Lock()
	group, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	var ids []string
	for _, session := range group.Participants {
		ids = append(ids, session.ID)
	}
	s.mu.Unlock()

	for _, callID := range ids {
		if err := s.EndCall(ctx, callID); err != nil {
			logger.WithCall(callID).Warn("Group leave hangup failed", zap.Error(err))
		}
	}

	logger.Info("Left group call", zap.String("group_id", groupID))
	return nil
}

// Group returns a snapshot of a group call, or nil when unknown
func (s *Service) Group(groupID string) *domain.GroupCallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return nil
	}
	copied := &domain.GroupCallSession{
		ID:           group.ID,
		InitiatorID:  group.InitiatorID,
		Direction:    group.Direction,
		Participants: make(map[string]*domain.CallSession, len(group.Participants)),
		StartedAt:    group.StartedAt,
	}
	for peerID, session := range group.Participants {
		c := *session
		copied.Participants[peerID] = &c
	}
	return copied
}
