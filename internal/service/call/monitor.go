package call

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/domain"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/logger"
)

// startMonitor runs the per-session quality sampling loop. The loop lives as
// long as the session and is cancelled by cleanup.
func (s *Service) startMonitor(entry *callEntry) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if entry.monitorCancel != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	entry.monitorCancel = cancel
	s.mu.Unlock()

	go s.monitorLoop(ctx, entry)
}

func (s *Service) monitorLoop(ctx context.Context, entry *callEntry) {
	ticker := time.NewTicker(s.cfg.QualitySampleInterval)
	defer ticker.Stop()

	var lastBytes uint64
	var lastAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		state := entry.session.State
		s.mu.Unlock()
		if state != domain.StateConnected {
			continue
		}

		stats := entry.peer.Stats()

		var bitrate float64
		if !lastAt.IsZero() && stats.BytesReceived >= lastBytes {
			elapsed := stats.SampledAt.Sub(lastAt).Seconds()
			if elapsed > 0 {
				bitrate = float64(stats.BytesReceived-lastBytes) * 8 / 1000 / elapsed
			}
		}
		lastBytes = stats.BytesReceived
		lastAt = stats.SampledAt

		sample := domain.QualitySample{
			BitrateKbps:   bitrate,
			PacketLossPct: stats.PacketLossPct,
			Jitter:        stats.Jitter,
			RoundTripTime: stats.RoundTripTime,
			Rating:        domain.RateQuality(stats.RoundTripTime, stats.PacketLossPct),
			SampledAt:     stats.SampledAt,
		}

		s.mu.Lock()
		entry.session.QualitySample = &sample
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RecordQualitySample(string(sample.Rating), sample.RoundTripTime, sample.PacketLossPct)
		}
		s.handler.OnQualityUpdate(entry.session, sample)
	}
}

// beginReconnect moves a connected session into bounded reconnection. The
// in-flight guard ensures a single reconnect loop per session.
func (s *Service) beginReconnect(entry *callEntry) {
	s.mu.Lock()
	if entry.reconnecting || entry.session.State != domain.StateConnected {
		s.mu.Unlock()
		return
	}
	entry.reconnecting = true
	s.mu.Unlock()

	if err := s.applyEvent(entry, domain.EventTransportFailed); err != nil {
		s.mu.Lock()
		entry.reconnecting = false
		s.mu.Unlock()
		return
	}

	logger.WithCall(entry.session.ID).Warn("Transport degraded, reconnecting")
	go s.reconnectLoop(entry)
}

func (s *Service) reconnectLoop(entry *callEntry) {
	callID := entry.session.ID

	// Drop any stale signal from before the failure
	select {
	case <-entry.transportUp:
	default:
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectInitialBackoff
	bo.MaxInterval = s.cfg.ReconnectMaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		s.mu.Lock()
		_, alive := s.entries[callID]
		state := entry.session.State
		direction := entry.session.Direction
		s.mu.Unlock()
		if !alive || state != domain.StateReconnecting {
			return
		}

		logger.WithCall(callID).Info("Reconnection attempt", zap.Int("attempt", attempt))
		if s.metrics != nil {
			s.metrics.RecordReconnectAttempt(strconv.Itoa(attempt))
		}
		s.handler.OnReconnectionAttempt(entry.session, attempt)

		// The initiator drives the ICE restart; the other side answers the
		// restart offer through the normal renegotiation path
		if direction == domain.DirectionOutgoing {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReconnectAttemptTimeout)
			err := s.sendOffer(ctx, entry, true)
			cancel()
			if err != nil {
				logger.WithCall(callID).Warn("ICE restart offer failed", zap.Error(err))
				if s.metrics != nil {
					s.metrics.RecordSignalingError("ice_restart")
				}
			}
		}

		timer := time.NewTimer(s.cfg.ReconnectAttemptTimeout)
		select {
		case <-entry.transportUp:
			timer.Stop()
			if err := s.applyEvent(entry, domain.EventReconnectSuccess); err != nil {
				return
			}
			s.mu.Lock()
			entry.reconnecting = false
			s.mu.Unlock()

			logger.WithCall(callID).Info("Reconnection succeeded", zap.Int("attempt", attempt))
			if s.metrics != nil {
				s.metrics.RecordReconnectOutcome("success")
			}
			s.handler.OnReconnectionSuccess(entry.session)
			return
		case <-timer.C:
		}

		if attempt < s.cfg.MaxReconnectAttempts {
			time.Sleep(bo.NextBackOff())
		}
	}

	// Exhausted: exactly one terminal reconnectionFailed event
	if err := s.applyEvent(entry, domain.EventRetriesExhausted); err != nil {
		return
	}

	logger.WithCall(callID).Error("Reconnection exhausted, call failed",
		zap.Int("attempts", s.cfg.MaxReconnectAttempts))
	if s.metrics != nil {
		s.metrics.RecordReconnectOutcome("exhausted")
		s.metrics.RecordCallFailed("transport_failed")
	}
	s.cleanup(entry)
	s.handler.OnReconnectionFailed(entry.session)
	s.handler.OnCallEnded(entry.session)
}
