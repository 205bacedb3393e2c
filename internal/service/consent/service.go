// Package consent gates privacy-sensitive capabilities behind explicit user
// approval. Screen sharing needs the local user's approval; recording a group
// call needs every participant's. No response within the prompt window counts
// as denial.
package consent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/domain"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/signaling"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/audit"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/errors"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/logger"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/metrics"
)

// Prompter asks the local user to approve a gated capability. Implementations
// block until the user decides or ctx expires.
type Prompter interface {
	Prompt(ctx context.Context, callID string, capability domain.ConsentCapability) (bool, error)
}

// StaticPrompter answers every prompt with a fixed decision. Used in headless
// deployments and tests.
type StaticPrompter struct {
	Granted bool
}

// Prompt returns the fixed decision
func (p StaticPrompter) Prompt(ctx context.Context, callID string, capability domain.ConsentCapability) (bool, error) {
	return p.Granted, nil
}

// Service runs consent rounds and records their outcomes
type Service struct {
	localUserID string
	prompter    Prompter
	channel     signaling.Channel
	auditLog    *audit.AuditLogger
	metrics     *metrics.Metrics
	timeout     time.Duration

	mu      sync.Mutex
	pending map[string]chan signaling.ConsentResponsePayload
}

// NewService creates a consent service
func NewService(localUserID string, prompter Prompter, channel signaling.Channel, auditLog *audit.AuditLogger, m *metrics.Metrics, timeout time.Duration) *Service {
	return &Service{
		localUserID: localUserID,
		prompter:    prompter,
		channel:     channel,
		auditLog:    auditLog,
		metrics:     m,
		timeout:     timeout,
		pending:     make(map[string]chan signaling.ConsentResponsePayload),
	}
}

// RequestLocal asks the local user to approve a capability. The outcome is
// audited before it is returned so the capability can never start unrecorded.
func (s *Service) RequestLocal(ctx context.Context, callID string, capability domain.ConsentCapability) (*domain.ConsentRecord, error) {
	promptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	granted, err := s.prompter.Prompt(promptCtx, callID, capability)
	timedOut := promptCtx.Err() == context.DeadlineExceeded
	if err != nil && !timedOut {
		granted = false
	}
	if timedOut {
		granted = false
	}

	record := &domain.ConsentRecord{
		CallID:     callID,
		Capability: capability,
		Granted:    granted,
		DecidedAt:  time.Now(),
	}
	s.finish(ctx, record)

	if !granted {
		if timedOut {
			return record, errors.ConsentTimeoutError(string(capability))
		}
		return record, errors.ConsentDeniedError(string(capability))
	}
	return record, nil
}

// RequestRemote asks every listed participant to approve a capability over the
// signaling channel. Consent is unanimous: one denial or timeout denies the
// round, with per-participant decisions kept in the record.
func (s *Service) RequestRemote(ctx context.Context, callID string, capability domain.ConsentCapability, peerIDs []string) (*domain.ConsentRecord, error) {
	type outcome struct {
		peerID   string
		granted  bool
		timedOut bool
	}

	results := make(chan outcome, len(peerIDs))
	var wg sync.WaitGroup

	for _, peerID := range peerIDs {
		requestID := uuid.New().String()
		waiter := make(chan signaling.ConsentResponsePayload, 1)

		s.mu.Lock()
		s.pending[requestID] = waiter
		s.mu.Unlock()

		msg, err := signaling.NewMessage(signaling.TypeConsentRequest, callID, s.localUserID, peerID,
			signaling.ConsentRequestPayload{ConsentType: string(capability), RequestID: requestID})
		if err != nil {
			s.removePending(requestID)
			return nil, err
		}
		if err := s.channel.Send(msg); err != nil {
			s.removePending(requestID)
			logger.WithCall(callID).Warn("Consent request send failed",
				zap.String("peer_id", peerID), zap.Error(err))
			results <- outcome{peerID: peerID, timedOut: true}
			continue
		}

		wg.Add(1)
		go func(peerID, requestID string, waiter chan signaling.ConsentResponsePayload) {
			defer wg.Done()
			defer s.removePending(requestID)

			timer := time.NewTimer(s.timeout)
			defer timer.Stop()

			select {
			case resp := <-waiter:
				results <- outcome{peerID: peerID, granted: resp.Granted}
			case <-timer.C:
				results <- outcome{peerID: peerID, timedOut: true}
			case <-ctx.Done():
				results <- outcome{peerID: peerID, timedOut: true}
			}
		}(peerID, requestID, waiter)
	}

	wg.Wait()
	close(results)

	record := &domain.ConsentRecord{
		CallID:     callID,
		Capability: capability,
		Granted:    true,
		DecidedAt:  time.Now(),
	}
	anyTimeout := false
	for r := range results {
		record.Participants = append(record.Participants, domain.ConsentDecision{
			PeerID:    r.peerID,
			Granted:   r.granted,
			TimedOut:  r.timedOut,
			DecidedAt: time.Now(),
		})
		if !r.granted {
			record.Granted = false
		}
		if r.timedOut {
			anyTimeout = true
		}
	}
	s.finish(ctx, record)

	if !record.Granted {
		if anyTimeout {
			return record, errors.ConsentTimeoutError(string(capability))
		}
		return record, errors.ConsentDeniedError(string(capability))
	}
	return record, nil
}

// HandleResponse routes an inbound consent-response to its waiting round.
// Responses for unknown or already-settled requests are dropped.
func (s *Service) HandleResponse(msg signaling.Message) {
	var payload signaling.ConsentResponsePayload
	if err := msg.Decode(&payload); err != nil {
		logger.Warn("Invalid consent response", zap.Error(err))
		return
	}

	s.mu.Lock()
	waiter, ok := s.pending[payload.RequestID]
	s.mu.Unlock()
	if !ok {
		return
	}

	select {
	case waiter <- payload:
	default:
	}
}

// HandleRequest answers an inbound consent-request by prompting the local
// user and sending the decision back.
func (s *Service) HandleRequest(ctx context.Context, msg signaling.Message) {
	var payload signaling.ConsentRequestPayload
	if err := msg.Decode(&payload); err != nil {
		logger.Warn("Invalid consent request", zap.Error(err))
		return
	}

	capability := domain.ConsentCapability(payload.ConsentType)

	promptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	granted, err := s.prompter.Prompt(promptCtx, msg.CallID, capability)
	if err != nil {
		granted = false
	}

	reply, err := signaling.NewMessage(signaling.TypeConsentResponse, msg.CallID, s.localUserID, msg.FromUserID,
		signaling.ConsentResponsePayload{Granted: granted, RequestID: payload.RequestID})
	if err != nil {
		return
	}
	if err := s.channel.Send(reply); err != nil {
		logger.WithCall(msg.CallID).Warn("Consent response send failed", zap.Error(err))
	}
}

func (s *Service) finish(ctx context.Context, record *domain.ConsentRecord) {
	log := logger.WithCall(record.CallID)
	if record.Granted {
		log.Info("Consent granted", zap.String("capability", string(record.Capability)))
	} else {
		log.Info("Consent denied",
			zap.String("capability", string(record.Capability)),
			zap.Strings("denied_by", record.DeniedBy()))
	}

	if s.metrics != nil {
		s.metrics.RecordConsentDecision(string(record.Capability), record.Granted)
	}
	s.auditLog.LogConsent(ctx, s.localUserID, record)
}

func (s *Service) removePending(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}
