package exchange

import (
	"github.com/shopspring/decimal"

	"github.com/defitome/dexcore/internal/models"
)

// tapeLedger is the default BalanceOracle: a user's balance in a token is the
// net of every execution on the tape touching that token across the active
// pairs. Buyers are credited the base token and debited quantity*price of the
// quote token; sellers the reverse.
type tapeLedger struct {
	engine *Engine
}

func (l tapeLedger) TokenBalance(userID int, token string) decimal.Decimal {
	pairs := make(map[int]models.TradingPair)
	l.engine.mu.RLock()
	for id, m := range l.engine.markets {
		if m.pair.IsActive {
			pairs[id] = m.pair
		}
	}
	l.engine.mu.RUnlock()

	balance := decimal.Zero
	l.engine.tapeMu.RLock()
	defer l.engine.tapeMu.RUnlock()
	for _, exec := range l.engine.tape {
		pair, ok := pairs[exec.PairID]
		if !ok {
			continue
		}
		if pair.BaseToken == token {
			if exec.BuyerID == userID {
				balance = balance.Add(exec.Quantity)
			}
			if exec.SellerID == userID {
				balance = balance.Sub(exec.Quantity)
			}
		}
		if pair.QuoteToken == token {
			if exec.SellerID == userID {
				balance = balance.Add(exec.Quantity.Mul(exec.Price))
			}
			if exec.BuyerID == userID {
				balance = balance.Sub(exec.Quantity.Mul(exec.Price))
			}
		}
	}
	return balance
}

// TokenBalance exposes the tape-derived balance of a user, regardless of the
// oracle injected for solvency checks.
func (e *Engine) TokenBalance(userID int, token string) decimal.Decimal {
	return tapeLedger{e}.TokenBalance(userID, token)
}
