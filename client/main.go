package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/linluma/scorebridge/client/bridge"
	"github.com/linluma/scorebridge/shared/config"
	"github.com/linluma/scorebridge/shared/models"
)

func main() {
	cfg := config.ParseClientFlags()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("server", cfg.ServerURL).Dur("timeout", cfg.Timeout).Msg("starting decision loop demo")

	heuristic := bridge.DefaultHeuristicConfig()
	if cfg.HeuristicFile != "" {
		var err error
		heuristic, err = bridge.LoadHeuristicConfig(cfg.HeuristicFile)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.HeuristicFile).Msg("failed to load heuristic config")
		}
	}

	client := bridge.New(bridge.Config{
		ServerURL: cfg.ServerURL,
		Timeout:   cfg.Timeout,
		Heuristic: heuristic,
	})
	defer client.Close()

	if err := runDemo(client, cfg.Opportunities); err != nil {
		log.Fatal().Err(err).Msg("demo failed")
	}

	log.Info().Msg("demo completed")
}

// runDemo scores a set of sample opportunities, reports their resolved
// outcomes back for training, and dumps the model's feature importance.
func runDemo(client *bridge.Client, count int) error {
	ctx := context.Background()

	recs := sampleOpportunities(count)

	fmt.Println("--- individual predictions ---")
	for _, rec := range recs {
		res := client.Predict(ctx, rec)
		displayScore(rec, res)
	}

	fmt.Println("--- batch prediction ---")
	for i, res := range client.BatchPredict(ctx, recs) {
		displayScore(recs[i], res)
	}

	// Pretend every opportunity executed and realized its estimated ROI;
	// a real caller would report executed profit instead.
	outcomes := make([]bridge.Outcome, len(recs))
	for i, rec := range recs {
		outcomes[i] = bridge.Outcome{Record: rec, Target: rec.ROIPercent * 10}
	}
	train := client.Train(ctx, outcomes)
	fmt.Printf("--- training: applied=%v loss=%.6f source=%s ---\n", train.Applied, train.Loss, train.Source)

	imp, source := client.FeatureImportance(ctx)
	fmt.Printf("--- feature importance (%s) ---\n", source)
	for name, weight := range imp {
		fmt.Printf("  %-20s %.6f\n", name, weight)
	}

	fmt.Printf("connection state: %s\n", client.State())
	return nil
}

func displayScore(rec models.OpportunityRecord, res models.ScoreResult) {
	fmt.Printf("  %-12s %-10s roi=%6.2f%%  score=%7.2f  confidence=%.2f  source=%s\n",
		rec.ID, rec.Chain, rec.ROIPercent, res.Score, res.Confidence, res.Source)
}

// sampleOpportunities fabricates plausible records across chains and route
// shapes so the demo exercises the full encoder surface.
func sampleOpportunities(n int) []models.OpportunityRecord {
	chains := []models.Chain{
		models.ChainEthereum, models.ChainPolygon, models.ChainArbitrum,
		models.ChainOptimism, models.ChainBase, models.ChainBSC,
	}
	routes := [][]string{
		{"uniswap", "sushiswap"},
		{"quickswap", "sushiswap", "uniswap"},
		{"camelot", "uniswap"},
		{"velodrome", "uniswap", "curve", "balancer"},
	}

	recs := make([]models.OpportunityRecord, n)
	now := time.Now().UTC()
	for i := range recs {
		recs[i] = models.OpportunityRecord{
			ID:              fmt.Sprintf("opp-%03d", i+1),
			Chain:           chains[i%len(chains)],
			TokenPair:       "WETH/USDC",
			Route:           routes[i%len(routes)],
			InitialAmount:   1000 * float64(i+1),
			ROIPercent:      0.5 + 0.75*float64(i%7),
			GasCost:         20 + 15*float64(i%4),
			FlashLoanFee:    0.9 * float64(i+1),
			Timestamp:       now.Add(-time.Duration(i) * time.Minute),
			ExecutionTimeMS: 120 + 40*float64(i%5),
		}
		recs[i].GrossProfit = recs[i].InitialAmount * recs[i].ROIPercent / 100
		recs[i].NetProfit = recs[i].GrossProfit - recs[i].GasCost - recs[i].FlashLoanFee
	}
	return recs
}
