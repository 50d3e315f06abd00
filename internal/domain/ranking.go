package domain

import "github.com/shopspring/decimal"

// RankingSnapshot is the leaderboard position data fetched from the remote
// service. It is replaced wholesale on every poll; fields the remote left out
// stay at their zero value instead of carrying stale data forward.
type RankingSnapshot struct {
	// OverallRank position across all participants, 0 when unknown.
	OverallRank int
	// ProviderRank position among participants with the same energy provider.
	ProviderRank int
	// DailyCharged charge figure for today as reported back by the service, kWh.
	DailyCharged decimal.Decimal
	// DailyDischarged discharge figure for today as reported back by the service, kWh.
	DailyDischarged decimal.Decimal
}
