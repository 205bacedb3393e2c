package domain

import (
	"time"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/constants"
)

// QualityRating is the derived quality classification of a sample
type QualityRating string

const (
	QualityExcellent QualityRating = "excellent"
	QualityGood      QualityRating = "good"
	QualityFair      QualityRating = "fair"
	QualityPoor      QualityRating = "poor"
)

// QualitySample is a point-in-time transport quality measurement for one
// connected call session. Samples are produced periodically and not persisted.
type QualitySample struct {
	BitrateKbps   float64       `json:"bitrate_kbps"`
	PacketLossPct float64       `json:"packet_loss_pct"`
	Jitter        time.Duration `json:"jitter"`
	RoundTripTime time.Duration `json:"round_trip_time"`
	Rating        QualityRating `json:"rating"`
	SampledAt     time.Time     `json:"sampled_at"`
}

// RateQuality classifies a (round-trip time, packet loss) pair against the
// fixed thresholds. Both limits must hold for a tier; the first tier that
// fails pushes the rating down. The function is pure: same inputs always
// yield the same rating.
func RateQuality(rtt time.Duration, packetLossPct float64) QualityRating {
	switch {
	case rtt < constants.ExcellentMaxRTT && packetLossPct < constants.ExcellentMaxLoss:
		return QualityExcellent
	case rtt < constants.GoodMaxRTT && packetLossPct < constants.GoodMaxLoss:
		return QualityGood
	case rtt < constants.FairMaxRTT && packetLossPct < constants.FairMaxLoss:
		return QualityFair
	default:
		return QualityPoor
	}
}
