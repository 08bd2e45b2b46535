package pipeline

import "github.com/yesmonga/voiture-radar/internal/domain"

// Reason tags returned by ShouldNotify.
const (
	ReasonNew             = "new"
	ReasonScoreTooLow     = "score_too_low"
	ReasonPriceDropped    = "price_dropped"
	ReasonScoreIncreased  = "score_increased"
	ReasonAlreadyNotified = "already_notified"
	ReasonScoreThreshold  = "score_threshold"
)

// ShouldNotify decides whether a scored annonce warrants a notification.
// Pure and deterministic for a given (new, existing) pair.
//
// A listing we already notified only fires again on a real change: a price
// drop of more than 5% or a score gain of at least 10 points.
func ShouldNotify(annonce, existing *domain.Annonce, minScore int) (bool, string) {
	if existing == nil {
		if annonce.ScoreTotal >= minScore {
			return true, ReasonNew
		}
		return false, ReasonScoreTooLow
	}

	if existing.Notified {
		if existing.Price != nil && *existing.Price > 0 && annonce.Price != nil {
			if float64(*annonce.Price) < float64(*existing.Price)*0.95 {
				return true, ReasonPriceDropped
			}
		}
		if annonce.ScoreTotal >= existing.ScoreTotal+10 {
			return true, ReasonScoreIncreased
		}
		return false, ReasonAlreadyNotified
	}

	if annonce.ScoreTotal >= minScore {
		return true, ReasonScoreThreshold
	}
	return false, ReasonScoreTooLow
}

// IsUpdateReason reports whether the reason describes a change to an
// already-notified listing, which gets the update-style notification with
// the delta line.
func IsUpdateReason(reason string) bool {
	return reason == ReasonPriceDropped || reason == ReasonScoreIncreased
}
