package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/logger"
	"github.com/camden-git/lastnurses/quota"
)

type QuotaLedger interface {
	State() (quota.State, error)
	GrantFollowBonus() (quota.State, error)
	GrantDonationBonus() (quota.State, error)
}

type QuotaHandler struct {
	Ledger QuotaLedger
	Log    *zap.Logger
}

func (qh *QuotaHandler) respond(w http.ResponseWriter, state quota.State, err error) {
	if err != nil {
		logger.OrNop(qh.Log).Error("handlers: quota operation failed", zap.Error(err))
		WriteAPIError(w, http.StatusInternalServerError, "quota_error", "Failed to update credits")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (qh *QuotaHandler) Get(w http.ResponseWriter, r *http.Request) {
	state, err := qh.Ledger.State()
	qh.respond(w, state, err)
}

// FollowBonus grants the one-time follow bonus. Once used, the client is
// pointed at the donation offer instead.
func (qh *QuotaHandler) FollowBonus(w http.ResponseWriter, r *http.Request) {
	state, err := qh.Ledger.GrantFollowBonus()
	if errors.Is(err, quota.ErrFollowBonusUsed) {
		writeAPIErrorWithOffer(w, http.StatusConflict, "follow_bonus_used",
			"You've already claimed your free generations from following us.", "donation")
		return
	}
	qh.respond(w, state, err)
}

func (qh *QuotaHandler) DonationBonus(w http.ResponseWriter, r *http.Request) {
	state, err := qh.Ledger.GrantDonationBonus()
	qh.respond(w, state, err)
}
