package exchange

import (
	"fmt"
	"time"

	"github.com/defitome/dexcore/internal/dexerr"
	"github.com/defitome/dexcore/internal/models"
)

// PairStats recomputes the pair's rolling statistics from the execution
// tape: the last trade price at any age, and high/low/volume over the
// trailing 24 hours.
func (e *Engine) PairStats(pairID int) (models.PairStats, error) {
	e.mu.RLock()
	_, ok := e.markets[pairID]
	e.mu.RUnlock()
	if !ok {
		return models.PairStats{}, fmt.Errorf("%w: trading pair %d", dexerr.ErrNotFound, pairID)
	}

	cutoff := e.clock().Add(-24 * time.Hour)
	var stats models.PairStats

	e.tapeMu.RLock()
	defer e.tapeMu.RUnlock()
	for _, exec := range e.tape {
		if exec.PairID != pairID {
			continue
		}
		stats.LastPrice = exec.Price
		if exec.CreatedAt.Before(cutoff) {
			continue
		}
		if stats.High24h.IsZero() || exec.Price.GreaterThan(stats.High24h) {
			stats.High24h = exec.Price
		}
		if stats.Low24h.IsZero() || exec.Price.LessThan(stats.Low24h) {
			stats.Low24h = exec.Price
		}
		stats.Volume24h = stats.Volume24h.Add(exec.Quantity)
	}
	return stats, nil
}
