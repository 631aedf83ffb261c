package metrics

import (
	"github.com/DukeRupert/credits/internal/domain"
)

// ChargeRecorded records the outcome of a charge attempt
func ChargeRecorded(feature domain.Feature, err error) {
	result := "ok"
	switch domain.ErrorCode(err) {
	case "":
	case domain.EPAYMENT:
		result = "insufficient"
	case domain.EUNAVAILABLE:
		result = "unavailable"
	default:
		result = "error"
	}
	ChargesTotal.WithLabelValues(feature.String(), result).Inc()
}

// CreditsDebited records credits taken from one tier
func CreditsDebited(feature domain.Feature, lotID *int64, amount int64) {
	tier := "free"
	if lotID != nil {
		tier = "purchased"
	}
	CreditsConsumed.WithLabelValues(feature.String(), tier).Add(float64(amount))
}

// LotExpired records a lot moving to expired along with its forfeited credits
func LotExpired(forfeited int64) {
	LotsExpired.Inc()
	CreditsExpired.Add(float64(forfeited))
}

// LowBalanceSignalled records a low-balance event delivery
func LowBalanceSignalled(delivered bool) {
	status := "delivered"
	if !delivered {
		status = "dropped"
	}
	LowBalanceEvents.WithLabelValues(status).Inc()
}
