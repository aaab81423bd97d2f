// Package strategy holds the pure decision math: opportunity scoring and
// ranking, allocation planning, and the rebalance-loop predicates. Nothing in
// this package performs I/O; callers feed it fresh reads and act on the
// results.
package strategy

import (
	"math"
	"sort"
	"time"
)

const (
	fundingPeriodsPerDay = 3
	volumeScoreCapUSD    = 10_000_000
)

// Opportunity is one candidate perp symbol, recomputed every cycle from
// market data. FundingRate is the signed per-8h rate; DailyRate and Score are
// derived at construction.
type Opportunity struct {
	Symbol          string
	FundingRate     float64
	DailyRate       float64 // percent per day, absolute
	MarkPrice       float64
	VolumeUSD       float64
	Score           float64
	NextFundingTime time.Time
}

// NewOpportunity derives DailyRate and Score from the raw inputs.
// Score weights the absolute funding rate by liquidity, with the volume
// contribution capped at $10M so a single deep market cannot dominate.
func NewOpportunity(symbol string, fundingRate, markPrice, volumeUSD float64, nextFunding time.Time) Opportunity {
	return Opportunity{
		Symbol:          symbol,
		FundingRate:     fundingRate,
		DailyRate:       math.Abs(fundingRate) * fundingPeriodsPerDay * 100,
		MarkPrice:       markPrice,
		VolumeUSD:       volumeUSD,
		Score:           math.Abs(fundingRate) * 1000 * math.Min(volumeUSD/1_000_000, volumeScoreCapUSD/1_000_000),
		NextFundingTime: nextFunding,
	}
}

// Rank returns the opportunities sorted by Score descending. The sort is
// stable so equal scores keep their input order. Empty input yields an empty
// slice, never an error.
func Rank(opportunities []Opportunity) []Opportunity {
	out := make([]Opportunity, len(opportunities))
	copy(out, opportunities)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// RankOf returns the zero-based position of symbol in ranked, or -1.
func RankOf(ranked []Opportunity, symbol string) int {
	for i, opp := range ranked {
		if opp.Symbol == symbol {
			return i
		}
	}
	return -1
}

// BestUnheld returns the highest-ranked opportunity whose symbol is not in
// held.
func BestUnheld(ranked []Opportunity, held map[string]bool) (Opportunity, bool) {
	for _, opp := range ranked {
		if !held[opp.Symbol] {
			return opp, true
		}
	}
	return Opportunity{}, false
}
