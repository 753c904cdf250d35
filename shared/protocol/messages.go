// Package protocol defines the bridge wire contract: JSON request/response
// envelopes tagged with a "type" field, exchanged strictly request-then-
// response over a persistent channel. Field names are part of the contract so
// client and server stay independently upgradable; decoders ignore unknown
// fields.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/linluma/scorebridge/shared/features"
)

// ErrProtocol marks a response that does not answer the request it followed.
var ErrProtocol = errors.New("protocol error")

// RequestKind tags a request envelope.
type RequestKind string

const (
	KindPredict           RequestKind = "predict"
	KindBatchPredict      RequestKind = "batch_predict"
	KindTrain             RequestKind = "train"
	KindFeatureImportance RequestKind = "feature_importance"
)

// Response type tags.
const (
	TypePrediction        = "prediction"
	TypeBatchPrediction   = "batch_prediction"
	TypeTrainResult       = "train_result"
	TypeFeatureImportance = "feature_importance"
	TypeError             = "error"
)

// Request is the envelope sent by the client. Exactly one payload shape is
// populated depending on Kind.
type Request struct {
	Kind          RequestKind              `json:"type"`
	Opportunity   *features.FeatureVector  `json:"opportunity,omitempty"`
	Opportunities []features.FeatureVector `json:"opportunities,omitempty"`
	Targets       []float64                `json:"targets,omitempty"`
}

// Response mirrors the request kind. Result fields are pointers so that a
// legitimate zero survives omitempty.
type Response struct {
	Type       string             `json:"type"`
	Score      *float64           `json:"score,omitempty"`
	Scores     []float64          `json:"scores,omitempty"`
	Confidence *float64           `json:"confidence,omitempty"`
	Loss       *float64           `json:"loss,omitempty"`
	Trained    *bool              `json:"trained,omitempty"`
	Importance map[string]float64 `json:"importance,omitempty"`
	Message    string             `json:"message,omitempty"`
	Timestamp  string             `json:"timestamp,omitempty"`
}

// NewPredictRequest builds a single-prediction request.
func NewPredictRequest(v features.FeatureVector) Request {
	return Request{Kind: KindPredict, Opportunity: &v}
}

// NewBatchPredictRequest builds a batch-prediction request.
func NewBatchPredictRequest(vs []features.FeatureVector) Request {
	return Request{Kind: KindBatchPredict, Opportunities: vs}
}

// NewTrainRequest builds a training request from outcome-labeled examples.
func NewTrainRequest(examples []features.TrainingExample) Request {
	vs := make([]features.FeatureVector, len(examples))
	targets := make([]float64, len(examples))
	for i, ex := range examples {
		vs[i] = ex.Features
		targets[i] = ex.Target
	}
	return Request{Kind: KindTrain, Opportunities: vs, Targets: targets}
}

// NewFeatureImportanceRequest builds a feature-importance request.
func NewFeatureImportanceRequest() Request {
	return Request{Kind: KindFeatureImportance}
}

func stamp() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// NewPredictionResponse answers a predict request.
func NewPredictionResponse(score, confidence float64) Response {
	return Response{Type: TypePrediction, Score: &score, Confidence: &confidence, Timestamp: stamp()}
}

// NewBatchPredictionResponse answers a batch_predict request.
func NewBatchPredictionResponse(scores []float64) Response {
	return Response{Type: TypeBatchPrediction, Scores: scores, Timestamp: stamp()}
}

// NewTrainResultResponse answers a train request. trained reports whether the
// examples triggered an optimization step or were only buffered.
func NewTrainResultResponse(loss float64, trained bool) Response {
	return Response{Type: TypeTrainResult, Loss: &loss, Trained: &trained, Timestamp: stamp()}
}

// NewFeatureImportanceResponse answers a feature_importance request.
func NewFeatureImportanceResponse(importance map[string]float64) Response {
	return Response{Type: TypeFeatureImportance, Importance: importance, Timestamp: stamp()}
}

// NewErrorResponse reports a per-request failure without dropping the channel.
func NewErrorResponse(msg string) Response {
	return Response{Type: TypeError, Message: msg, Timestamp: stamp()}
}

// expectedType maps each request kind to the response type that answers it.
func expectedType(kind RequestKind) string {
	switch kind {
	case KindPredict:
		return TypePrediction
	case KindBatchPredict:
		return TypeBatchPrediction
	case KindTrain:
		return TypeTrainResult
	case KindFeatureImportance:
		return TypeFeatureImportance
	default:
		return ""
	}
}

// Validate checks that a response answers the given request kind and carries
// the payload that kind promises. A server error response, a mismatched type
// tag or a missing payload yields ErrProtocol.
func (r Response) Validate(kind RequestKind) error {
	if r.Type == TypeError {
		return fmt.Errorf("%w: server error: %s", ErrProtocol, r.Message)
	}
	if want := expectedType(kind); r.Type != want {
		return fmt.Errorf("%w: got response type %q for %q request", ErrProtocol, r.Type, kind)
	}
	switch kind {
	case KindPredict:
		if r.Score == nil || r.Confidence == nil {
			return fmt.Errorf("%w: prediction without score", ErrProtocol)
		}
	case KindBatchPredict:
		if r.Scores == nil {
			return fmt.Errorf("%w: batch prediction without scores", ErrProtocol)
		}
	case KindTrain:
		if r.Loss == nil || r.Trained == nil {
			return fmt.Errorf("%w: train result without loss", ErrProtocol)
		}
	case KindFeatureImportance:
		if r.Importance == nil {
			return fmt.Errorf("%w: importance response without weights", ErrProtocol)
		}
	}
	return nil
}
