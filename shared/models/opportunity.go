package models

import "time"

// Chain identifies the network an opportunity was observed on.
type Chain string

// Supported chains
const (
	ChainEthereum  Chain = "ethereum"
	ChainBSC       Chain = "bsc"
	ChainPolygon   Chain = "polygon"
	ChainArbitrum  Chain = "arbitrum"
	ChainOptimism  Chain = "optimism"
	ChainAvalanche Chain = "avalanche"
	ChainFantom    Chain = "fantom"
	ChainSolana    Chain = "solana"
	ChainBase      Chain = "base"
)

// ID returns the numeric identifier used on the wire. Unknown chains map to 0.
func (c Chain) ID() float64 {
	switch c {
	case ChainEthereum:
		return 1
	case ChainBSC:
		return 2
	case ChainPolygon:
		return 3
	case ChainArbitrum:
		return 4
	case ChainOptimism:
		return 5
	case ChainAvalanche:
		return 6
	case ChainFantom:
		return 7
	case ChainSolana:
		return 8
	case ChainBase:
		return 9
	default:
		return 0
	}
}

// OpportunityRecord is a single observed opportunity as produced by the
// discovery pipeline. Immutable once observed; timing features derive from
// Timestamp, never from the clock at scoring time.
type OpportunityRecord struct {
	ID              string    `json:"id"`
	Chain           Chain     `json:"chain"`
	TokenPair       string    `json:"token_pair"`
	Route           []string  `json:"route"`
	InitialAmount   float64   `json:"initial_amount"`
	GrossProfit     float64   `json:"gross_profit"`
	NetProfit       float64   `json:"net_profit"`
	ROIPercent      float64   `json:"roi_percentage"`
	GasCost         float64   `json:"gas_cost"`
	FlashLoanFee    float64   `json:"flash_loan_fee"`
	Timestamp       time.Time `json:"timestamp"`
	ExecutionTimeMS float64   `json:"execution_time_ms"`
	LiquidityDepth  float64   `json:"liquidity_depth"`
	PriceSpread     float64   `json:"price_spread"`
	VolumeRatio     float64   `json:"volume_ratio"`
}

// ScoreSource tells callers which path produced a score.
type ScoreSource string

const (
	SourceModel     ScoreSource = "model"
	SourceHeuristic ScoreSource = "heuristic"
)

// ScoreResult is the outcome of scoring one opportunity.
type ScoreResult struct {
	Score      float64     `json:"score"`
	Confidence float64     `json:"confidence"`
	Source     ScoreSource `json:"source"`
}

// TrainResult is the outcome of reporting a batch of resolved opportunities.
// Applied is false when the examples were buffered (below the training
// threshold, or queued locally while the bridge was down).
type TrainResult struct {
	Loss    float64     `json:"loss"`
	Applied bool        `json:"applied"`
	Source  ScoreSource `json:"source"`
}
