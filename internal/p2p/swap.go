// Package p2p implements direct token swap negotiation between two users:
// offer lifecycle, escrow locking, and atomic settlement.
package p2p

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/defitome/dexcore/internal/dexerr"
	"github.com/defitome/dexcore/internal/models"
)

// OfferTTL is how long an open offer stays acceptable.
const OfferTTL = 7 * 24 * time.Hour

// Clock supplies the current time; injectable for testing.
type Clock func() time.Time

// Service owns the swap offers, their escrows, and the settled transaction
// history. All state is guarded by a single mutex; offer volume is human
// scale and settlement must observe both escrow legs atomically anyway.
type Service struct {
	clock Clock

	mu      sync.RWMutex
	offers  map[int]*models.SwapOffer
	escrows map[int]*models.SwapEscrow // keyed by offer id
	history []models.P2PSwapTransaction

	nextOfferID  int
	nextEscrowID int
	nextTxID     int
}

// NewService creates an empty swap service. A nil clock means wall time.
func NewService(clock Clock) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		clock:   clock,
		offers:  make(map[int]*models.SwapOffer),
		escrows: make(map[int]*models.SwapEscrow),
	}
}

// CreateOffer posts a swap offer. counterpartyID of zero leaves the offer
// open for anyone; a non-zero id restricts acceptance to that user. The
// initiator's leg is placed in escrow immediately.
func (s *Service) CreateOffer(initiatorID, counterpartyID int, offerToken string, offerAmount decimal.Decimal, requestToken string, requestAmount decimal.Decimal) (models.SwapOffer, error) {
	if offerToken == "" || requestToken == "" {
		return models.SwapOffer{}, fmt.Errorf("%w: both token symbols are required", dexerr.ErrValidation)
	}
	if offerToken == requestToken {
		return models.SwapOffer{}, fmt.Errorf("%w: offered and requested tokens must differ", dexerr.ErrValidation)
	}
	if offerAmount.Sign() <= 0 || requestAmount.Sign() <= 0 {
		return models.SwapOffer{}, fmt.Errorf("%w: amounts must be greater than zero", dexerr.ErrValidation)
	}
	if counterpartyID == initiatorID {
		return models.SwapOffer{}, fmt.Errorf("%w: cannot direct an offer at yourself", dexerr.ErrValidation)
	}

	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextOfferID++
	offer := &models.SwapOffer{
		ID:             s.nextOfferID,
		InitiatorID:    initiatorID,
		CounterpartyID: counterpartyID,
		OfferToken:     offerToken,
		OfferAmount:    offerAmount,
		RequestToken:   requestToken,
		RequestAmount:  requestAmount,
		Status:         models.OfferPending,
		EscrowID:       "escrow-" + uuid.NewString(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(OfferTTL),
	}
	s.offers[offer.ID] = offer

	s.nextEscrowID++
	s.escrows[offer.ID] = &models.SwapEscrow{
		ID:                 s.nextEscrowID,
		OfferID:            offer.ID,
		InitiatorLocked:    true,
		InitiatorAmount:    offerAmount,
		CounterpartyAmount: requestAmount,
		CreatedAt:          now,
	}

	logrus.WithFields(logrus.Fields{
		"offerId":   offer.ID,
		"initiator": initiatorID,
		"offer":     offerAmount.String() + " " + offerToken,
		"request":   requestAmount.String() + " " + requestToken,
	}).Infoln("Swap offer created")
	return *offer, nil
}

// AcceptOffer settles an offer in one step: the acceptor's leg is locked,
// both legs release to the opposite parties, and the settled transaction is
// recorded. On this network both escrow legs lock unconditionally once the
// acceptance is authorized, so acceptance can never half-complete.
func (s *Service) AcceptOffer(acceptorID, offerID int) (models.P2PSwapTransaction, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	offer, ok := s.offers[offerID]
	if !ok {
		return models.P2PSwapTransaction{}, fmt.Errorf("%w: offer %d", dexerr.ErrNotFound, offerID)
	}
	s.expireIfDue(offer, now)
	if offer.Status == models.OfferExpired {
		return models.P2PSwapTransaction{}, fmt.Errorf("%w: offer %d has expired", dexerr.ErrInvalidState, offerID)
	}
	if offer.Status != models.OfferPending {
		return models.P2PSwapTransaction{}, fmt.Errorf("%w: offer %d is %s", dexerr.ErrInvalidState, offerID, offer.Status)
	}
	if acceptorID == offer.InitiatorID {
		return models.P2PSwapTransaction{}, fmt.Errorf("%w: cannot accept your own offer", dexerr.ErrValidation)
	}
	if offer.CounterpartyID != 0 && offer.CounterpartyID != acceptorID {
		return models.P2PSwapTransaction{}, fmt.Errorf("%w: offer %d is directed at another user", dexerr.ErrUnauthorized, offerID)
	}

	offer.Status = models.OfferAccepted
	offer.CounterpartyID = acceptorID

	escrow := s.escrows[offerID]
	escrow.CounterpartyLocked = true
	released := now
	escrow.ReleasedAt = &released

	offer.Status = models.OfferCompleted

	s.nextTxID++
	tx := models.P2PSwapTransaction{
		ID:                 s.nextTxID,
		OfferID:            offerID,
		InitiatorID:        offer.InitiatorID,
		CounterpartyID:     acceptorID,
		InitiatorToken:     offer.OfferToken,
		InitiatorAmount:    offer.OfferAmount,
		CounterpartyToken:  offer.RequestToken,
		CounterpartyAmount: offer.RequestAmount,
		TxHash:             "p2p-" + uuid.NewString(),
		CompletedAt:        now,
	}
	s.history = append(s.history, tx)

	logrus.WithFields(logrus.Fields{
		"offerId":  offerID,
		"acceptor": acceptorID,
		"txHash":   tx.TxHash,
	}).Infoln("Swap offer settled")
	return tx, nil
}

// CancelOffer withdraws a pending offer and releases the initiator's
// escrow. Only the initiator may cancel, and only while pending.
func (s *Service) CancelOffer(userID, offerID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	offer, ok := s.offers[offerID]
	if !ok {
		return fmt.Errorf("%w: offer %d", dexerr.ErrNotFound, offerID)
	}
	if offer.InitiatorID != userID {
		return fmt.Errorf("%w: offer %d belongs to another user", dexerr.ErrUnauthorized, offerID)
	}
	if offer.Status != models.OfferPending {
		return fmt.Errorf("%w: offer %d is %s", dexerr.ErrInvalidState, offerID, offer.Status)
	}

	offer.Status = models.OfferCancelled
	s.escrows[offerID].InitiatorLocked = false

	logrus.WithFields(logrus.Fields{"offerId": offerID}).Infoln("Swap offer cancelled")
	return nil
}

// Offer returns one offer, marking it expired first if its deadline has
// passed.
func (s *Service) Offer(offerID int) (models.SwapOffer, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	offer, ok := s.offers[offerID]
	if !ok {
		return models.SwapOffer{}, fmt.Errorf("%w: offer %d", dexerr.ErrNotFound, offerID)
	}
	s.expireIfDue(offer, now)
	return *offer, nil
}

// Escrow returns the escrow record backing an offer.
func (s *Service) Escrow(offerID int) (models.SwapEscrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	escrow, ok := s.escrows[offerID]
	if !ok {
		return models.SwapEscrow{}, fmt.Errorf("%w: escrow for offer %d", dexerr.ErrNotFound, offerID)
	}
	return *escrow, nil
}

// AvailableOffers lists pending, unexpired offers the given user could
// accept: open offers from other users plus offers directed at them.
func (s *Service) AvailableOffers(userID int) []models.SwapOffer {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.SwapOffer
	for _, offer := range s.offers {
		s.expireIfDue(offer, now)
		if offer.Status != models.OfferPending || offer.InitiatorID == userID {
			continue
		}
		if offer.CounterpartyID != 0 && offer.CounterpartyID != userID {
			continue
		}
		out = append(out, *offer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OffersBy lists every offer the user initiated, any status.
func (s *Service) OffersBy(userID int) []models.SwapOffer {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.SwapOffer
	for _, offer := range s.offers {
		s.expireIfDue(offer, now)
		if offer.InitiatorID == userID {
			out = append(out, *offer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HistoryFor returns settled swaps involving the user, newest first.
func (s *Service) HistoryFor(userID int) []models.P2PSwapTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.P2PSwapTransaction
	for i := len(s.history) - 1; i >= 0; i-- {
		tx := s.history[i]
		if tx.InitiatorID == userID || tx.CounterpartyID == userID {
			out = append(out, tx)
		}
	}
	return out
}

// expireIfDue lazily flips a pending offer past its deadline to expired and
// releases the initiator's escrow. Caller holds s.mu.
func (s *Service) expireIfDue(offer *models.SwapOffer, now time.Time) {
	if offer.Status == models.OfferPending && now.After(offer.ExpiresAt) {
		offer.Status = models.OfferExpired
		if escrow, ok := s.escrows[offer.ID]; ok {
			escrow.InitiatorLocked = false
		}
	}
}
