package bridge

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/linluma/scorebridge/shared/models"
)

// HeuristicConfig holds the fallback scorer's weights and bonuses. The
// constants are deliberately configuration, not invariants; the defaults
// below are the documented ones.
type HeuristicConfig struct {
	// ROIWeight multiplies the raw ROI percentage.
	ROIWeight float64 `yaml:"roi_weight"`
	// GasWeight multiplies (1 - gasCost/netProfit), the gas ratio clamped
	// to [0,1] first.
	GasWeight float64 `yaml:"gas_weight"`
	// PathBaseline and PathWeight award shorter routes:
	// max(PathBaseline - legs, 0) * PathWeight.
	PathBaseline float64 `yaml:"path_baseline"`
	PathWeight   float64 `yaml:"path_weight"`
	// ChainBonuses is a fixed per-venue adjustment; chains not listed get
	// DefaultChainBonus.
	ChainBonuses      map[models.Chain]float64 `yaml:"chain_bonuses"`
	DefaultChainBonus float64                  `yaml:"default_chain_bonus"`
	// MinScore/MaxScore clamp the output so heuristic and model scores
	// live on a comparable scale.
	MinScore float64 `yaml:"min_score"`
	MaxScore float64 `yaml:"max_score"`
}

// DefaultHeuristicConfig returns the documented defaults.
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		ROIWeight:    0.3,
		GasWeight:    20,
		PathBaseline: 5,
		PathWeight:   5,
		ChainBonuses: map[models.Chain]float64{
			models.ChainPolygon:  10,
			models.ChainArbitrum: 10,
			models.ChainEthereum: 5,
		},
		DefaultChainBonus: 7,
		MinScore:          0,
		MaxScore:          100,
	}
}

// LoadHeuristicConfig reads weights from a yaml file, layered over the
// defaults: fields absent from the file keep their default, fields present
// override it, explicit zeros included.
func LoadHeuristicConfig(path string) (HeuristicConfig, error) {
	cfg := DefaultHeuristicConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse heuristic config %s: %w", path, err)
	}
	return cfg, nil
}

// HeuristicScorer is the local fallback: pure arithmetic over opportunity
// fields, no network, no learned state.
//
// score = roi * ROIWeight
//       + (1 - min(gasCost/max(netProfit,1), 1)) * GasWeight
//       + max(PathBaseline - legs, 0) * PathWeight
//       + chain bonus
//
// clamped to [MinScore, MaxScore]. When the record carries no net profit the
// formula estimates it as amount * roi% / 100.
type HeuristicScorer struct {
	cfg HeuristicConfig
}

// NewHeuristicScorer builds a scorer. A wholly zero-valued config selects the
// defaults; any other config is taken as given, so a deliberate zero weight
// stays zero.
func NewHeuristicScorer(cfg HeuristicConfig) *HeuristicScorer {
	if cfg.isZero() {
		cfg = DefaultHeuristicConfig()
	}
	return &HeuristicScorer{cfg: cfg}
}

func (c HeuristicConfig) isZero() bool {
	return c.ROIWeight == 0 && c.GasWeight == 0 && c.PathBaseline == 0 &&
		c.PathWeight == 0 && c.ChainBonuses == nil && c.DefaultChainBonus == 0 &&
		c.MinScore == 0 && c.MaxScore == 0
}

// Score rates an opportunity deterministically within
// [MinScore, MaxScore].
func (h *HeuristicScorer) Score(rec models.OpportunityRecord) float64 {
	score := rec.ROIPercent * h.cfg.ROIWeight

	profit := rec.NetProfit
	if profit <= 0 {
		profit = rec.InitialAmount * rec.ROIPercent / 100
	}
	gasRatio := rec.GasCost / math.Max(profit, 1)
	gasRatio = math.Min(math.Max(gasRatio, 0), 1)
	score += (1 - gasRatio) * h.cfg.GasWeight

	legs := float64(len(rec.Route))
	if legs == 0 {
		legs = 1
	}
	score += math.Max(h.cfg.PathBaseline-legs, 0) * h.cfg.PathWeight

	if bonus, ok := h.cfg.ChainBonuses[rec.Chain]; ok {
		score += bonus
	} else {
		score += h.cfg.DefaultChainBonus
	}

	return math.Min(math.Max(score, h.cfg.MinScore), h.cfg.MaxScore)
}

// Weights reports the static term weights, used as the importance answer
// when the model is unreachable.
func (h *HeuristicScorer) Weights() map[string]float64 {
	return map[string]float64{
		"roi_percentage": h.cfg.ROIWeight,
		"gas_cost":       h.cfg.GasWeight,
		"path_length":    h.cfg.PathWeight,
		"chain_id":       h.cfg.DefaultChainBonus,
	}
}
