// Package features defines the fixed feature-vector contract shared by the
// bridge client and the scoring service. The twelve fields, their order and
// their scale divisors are the wire contract: both ends must produce the same
// vector for the same record, bit for bit.
package features

import (
	"github.com/linluma/scorebridge/shared/models"
)

// NumFeatures is the fixed width of a feature vector.
const NumFeatures = 12

// Scale divisors, one per field. A raw value is divided by its divisor before
// it goes on the wire or into the model.
const (
	ScaleAmount        = 10000.0
	ScaleROI           = 100.0
	ScalePathLength    = 5.0
	ScaleGasCost       = 1000.0
	ScaleFlashLoanFee  = 100.0
	ScaleHour          = 24.0
	ScaleDayOfWeek     = 7.0
	ScaleChainID       = 10.0
	ScaleExecutionTime = 1000.0
	ScaleVolumeRatio   = 1.0
	ScalePriceSpread   = 10.0
	ScaleLiquidity     = 1e6
)

// FeatureVector is a normalized encoding of one opportunity. Field order is
// fixed; json names are the wire names.
type FeatureVector struct {
	InitialAmount  float64 `json:"initial_amount"`
	ROIPercentage  float64 `json:"roi_percentage"`
	PathLength     float64 `json:"path_length"`
	GasCost        float64 `json:"gas_cost"`
	FlashLoanFee   float64 `json:"flash_loan_fee"`
	Hour           float64 `json:"hour"`
	DayOfWeek      float64 `json:"day_of_week"`
	ChainID        float64 `json:"chain_id"`
	ExecutionTime  float64 `json:"execution_time"`
	VolumeRatio    float64 `json:"volume_ratio"`
	PriceSpread    float64 `json:"price_spread"`
	LiquidityDepth float64 `json:"liquidity_depth"`
}

// TrainingExample pairs an encoded opportunity with its realized outcome.
type TrainingExample struct {
	Features FeatureVector `json:"features"`
	Target   float64       `json:"target"`
}

// FieldNames returns the field names in vector order.
func FieldNames() []string {
	return []string{
		"initial_amount", "roi_percentage", "path_length", "gas_cost",
		"flash_loan_fee", "hour", "day_of_week", "chain_id",
		"execution_time", "volume_ratio", "price_spread", "liquidity_depth",
	}
}

// Values returns the vector as an ordered slice.
func (v FeatureVector) Values() []float64 {
	return []float64{
		v.InitialAmount, v.ROIPercentage, v.PathLength, v.GasCost,
		v.FlashLoanFee, v.Hour, v.DayOfWeek, v.ChainID,
		v.ExecutionTime, v.VolumeRatio, v.PriceSpread, v.LiquidityDepth,
	}
}

// FromValues rebuilds a vector from an ordered slice. Slices shorter than
// NumFeatures leave the remaining fields zero.
func FromValues(vals []float64) FeatureVector {
	var v FeatureVector
	dst := []*float64{
		&v.InitialAmount, &v.ROIPercentage, &v.PathLength, &v.GasCost,
		&v.FlashLoanFee, &v.Hour, &v.DayOfWeek, &v.ChainID,
		&v.ExecutionTime, &v.VolumeRatio, &v.PriceSpread, &v.LiquidityDepth,
	}
	for i := range dst {
		if i < len(vals) {
			*dst[i] = vals[i]
		}
	}
	return v
}

// Encode converts a record into its normalized feature vector. Encode is
// total: missing optional fields fall back to documented defaults (path
// length 1, volume ratio 1, price spread ROI/100, liquidity depth amount*100)
// and it never fails. Hour and day-of-week come from the record's own
// timestamp in UTC, Monday = 0.
func Encode(rec models.OpportunityRecord) FeatureVector {
	pathLen := float64(len(rec.Route))
	if pathLen == 0 {
		pathLen = 1
	}

	volumeRatio := rec.VolumeRatio
	if volumeRatio == 0 {
		volumeRatio = 1
	}

	priceSpread := rec.PriceSpread
	if priceSpread == 0 {
		priceSpread = rec.ROIPercent / 100
	}

	liquidity := rec.LiquidityDepth
	if liquidity == 0 {
		liquidity = rec.InitialAmount * 100
	}

	ts := rec.Timestamp.UTC()
	// time.Weekday counts from Sunday; the contract counts from Monday.
	dayOfWeek := float64((int(ts.Weekday()) + 6) % 7)

	return FeatureVector{
		InitialAmount:  rec.InitialAmount / ScaleAmount,
		ROIPercentage:  rec.ROIPercent / ScaleROI,
		PathLength:     pathLen / ScalePathLength,
		GasCost:        rec.GasCost / ScaleGasCost,
		FlashLoanFee:   rec.FlashLoanFee / ScaleFlashLoanFee,
		Hour:           float64(ts.Hour()) / ScaleHour,
		DayOfWeek:      dayOfWeek / ScaleDayOfWeek,
		ChainID:        rec.Chain.ID() / ScaleChainID,
		ExecutionTime:  rec.ExecutionTimeMS / ScaleExecutionTime,
		VolumeRatio:    volumeRatio / ScaleVolumeRatio,
		PriceSpread:    priceSpread / ScalePriceSpread,
		LiquidityDepth: liquidity / ScaleLiquidity,
	}
}
