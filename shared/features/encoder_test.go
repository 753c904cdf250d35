package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linluma/scorebridge/shared/models"
)

func sampleRecord() models.OpportunityRecord {
	return models.OpportunityRecord{
		ID:              "opp-1",
		Chain:           models.ChainPolygon,
		TokenPair:       "WETH/USDC",
		Route:           []string{"quickswap", "sushiswap"},
		InitialAmount:   5000,
		ROIPercent:      2.5,
		GasCost:         50,
		FlashLoanFee:    4.5,
		Timestamp:       time.Date(2025, 6, 11, 14, 30, 0, 0, time.UTC), // Wednesday
		ExecutionTimeMS: 250,
		LiquidityDepth:  2_000_000,
		PriceSpread:     0.4,
		VolumeRatio:     1.2,
	}
}

func TestEncodeScaling(t *testing.T) {
	v := Encode(sampleRecord())

	assert.InDelta(t, 0.5, v.InitialAmount, 1e-12)   // 5000/10000
	assert.InDelta(t, 0.025, v.ROIPercentage, 1e-12) // 2.5/100
	assert.InDelta(t, 0.4, v.PathLength, 1e-12)      // 2/5
	assert.InDelta(t, 0.05, v.GasCost, 1e-12)        // 50/1000
	assert.InDelta(t, 0.045, v.FlashLoanFee, 1e-12)  // 4.5/100
	assert.InDelta(t, 14.0/24, v.Hour, 1e-12)
	assert.InDelta(t, 2.0/7, v.DayOfWeek, 1e-12) // Wednesday, Monday=0
	assert.InDelta(t, 0.3, v.ChainID, 1e-12)     // polygon=3, /10
	assert.InDelta(t, 0.25, v.ExecutionTime, 1e-12)
	assert.InDelta(t, 1.2, v.VolumeRatio, 1e-12)
	assert.InDelta(t, 0.04, v.PriceSpread, 1e-12)
	assert.InDelta(t, 2.0, v.LiquidityDepth, 1e-12) // 2e6/1e6
}

func TestEncodeDeterministic(t *testing.T) {
	rec := sampleRecord()
	first := Encode(rec)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Encode(rec))
	}
}

func TestEncodeDefaults(t *testing.T) {
	rec := models.OpportunityRecord{
		Chain:         "somechain",
		InitialAmount: 5000,
		ROIPercent:    2.5,
		Timestamp:     time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC), // Monday
	}
	v := Encode(rec)

	assert.InDelta(t, 1.0/ScalePathLength, v.PathLength, 1e-12, "empty route defaults to length 1")
	assert.InDelta(t, 1.0, v.VolumeRatio, 1e-12, "missing volume ratio defaults to 1")
	assert.InDelta(t, 0.025/ScalePriceSpread, v.PriceSpread, 1e-12, "missing spread falls back to roi/100")
	assert.InDelta(t, 5000*100/ScaleLiquidity, v.LiquidityDepth, 1e-12, "missing depth falls back to amount*100")
	assert.Zero(t, v.ChainID, "unknown chain encodes as 0")
	assert.Zero(t, v.DayOfWeek, "Monday encodes as day 0")
}

func TestEncodeUsesRecordTimestampNotWallClock(t *testing.T) {
	rec := sampleRecord()
	v1 := Encode(rec)
	time.Sleep(5 * time.Millisecond)
	v2 := Encode(rec)
	assert.Equal(t, v1.Hour, v2.Hour)
	assert.Equal(t, v1.DayOfWeek, v2.DayOfWeek)

	// hour derives from the timestamp's UTC reading regardless of zone
	zoned := rec
	zoned.Timestamp = rec.Timestamp.In(time.FixedZone("UTC+5", 5*3600))
	assert.Equal(t, v1, Encode(zoned))
}

func TestValuesRoundTrip(t *testing.T) {
	v := Encode(sampleRecord())
	vals := v.Values()
	require.Len(t, vals, NumFeatures)
	assert.Equal(t, v, FromValues(vals))
	assert.Len(t, FieldNames(), NumFeatures)
}
