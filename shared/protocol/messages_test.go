package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linluma/scorebridge/shared/features"
)

func TestPredictRequestRoundTrip(t *testing.T) {
	v := features.FeatureVector{
		InitialAmount: 0.5, ROIPercentage: 0.025, PathLength: 0.4,
		GasCost: 0.05, FlashLoanFee: 0.045, Hour: 14.0 / 24,
		DayOfWeek: 2.0 / 7, ChainID: 0.3, ExecutionTime: 0.25,
		VolumeRatio: 1.2, PriceSpread: 0.04, LiquidityDepth: 2,
	}

	raw, err := json.Marshal(NewPredictRequest(v))
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, KindPredict, decoded.Kind)
	require.NotNil(t, decoded.Opportunity)
	assert.Equal(t, v, *decoded.Opportunity, "all 12 fields survive the wire in order")
}

func TestTrainRequestCarriesTargets(t *testing.T) {
	examples := []features.TrainingExample{
		{Features: features.FeatureVector{ROIPercentage: 0.01}, Target: 12.5},
		{Features: features.FeatureVector{ROIPercentage: 0.02}, Target: -3.0},
	}

	raw, err := json.Marshal(NewTrainRequest(examples))
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, KindTrain, decoded.Kind)
	require.Len(t, decoded.Opportunities, 2)
	assert.Equal(t, []float64{12.5, -3.0}, decoded.Targets)
}

func TestResponseIgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"prediction","score":42.5,"confidence":0.425,"timestamp":"x","shiny_new_field":true}`)

	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.NoError(t, resp.Validate(KindPredict))
	require.NotNil(t, resp.Score)
	assert.Equal(t, 42.5, *resp.Score)
}

func TestResponseZeroScoreSurvives(t *testing.T) {
	raw, err := json.Marshal(NewPredictionResponse(0, 0))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.NotNil(t, resp.Score)
	assert.Zero(t, *resp.Score)
	require.NotNil(t, resp.Confidence)
	assert.Zero(t, *resp.Confidence)
}

func TestValidate(t *testing.T) {
	t.Run("MatchingKind", func(t *testing.T) {
		assert.NoError(t, NewBatchPredictionResponse([]float64{1, 2}).Validate(KindBatchPredict))
		assert.NoError(t, NewTrainResultResponse(0.1, true).Validate(KindTrain))
		assert.NoError(t, NewFeatureImportanceResponse(map[string]float64{"hour": 0.1}).Validate(KindFeatureImportance))
	})

	t.Run("MismatchedKind", func(t *testing.T) {
		err := NewPredictionResponse(1, 0.5).Validate(KindTrain)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("MissingPayload", func(t *testing.T) {
		assert.ErrorIs(t, Response{Type: TypePrediction}.Validate(KindPredict), ErrProtocol)
		assert.ErrorIs(t, Response{Type: TypeTrainResult}.Validate(KindTrain), ErrProtocol)
	})

	t.Run("UnrecognizedType", func(t *testing.T) {
		err := Response{Type: "telemetry"}.Validate(KindPredict)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("ServerError", func(t *testing.T) {
		err := NewErrorResponse("boom").Validate(KindPredict)
		assert.ErrorIs(t, err, ErrProtocol)
		assert.Contains(t, err.Error(), "boom")
	})
}
