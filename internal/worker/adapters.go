package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/NikhilSetiya/refinery/internal/convergence"
	"github.com/NikhilSetiya/refinery/pkg/errors"
)

// ExtractScore turns a worker output into an evaluation. It must be pure.
type ExtractScore func(out *Output) (convergence.Evaluation, error)

// ExtractArtifact turns a worker output into the next candidate.
type ExtractArtifact func(out *Output) (interface{}, error)

// ScorerFunc binds an Invoker to one scoring dimension.
type ScorerFunc struct {
	dimension string
	scale     convergence.Scale
	invoker   Invoker
	extract   ExtractScore
}

// NewScorer creates a scorer. A nil extract uses JSONScore.
func NewScorer(dimension string, scale convergence.Scale, invoker Invoker, extract ExtractScore) *ScorerFunc {
	if extract == nil {
		extract = JSONScore
	}
	return &ScorerFunc{dimension: dimension, scale: scale, invoker: invoker, extract: extract}
}

func (s *ScorerFunc) Dimension() string { return s.dimension }

func (s *ScorerFunc) Scale() convergence.Scale { return s.scale }

// Score invokes the worker for the scorer's dimension.
func (s *ScorerFunc) Score(ctx context.Context, candidate interface{}) (convergence.Evaluation, error) {
	out, err := s.invoker.Invoke(ctx, s.dimension, candidate)
	if err != nil {
		return convergence.Evaluation{}, err
	}
	eval, err := s.extract(out)
	if err != nil {
		return convergence.Evaluation{}, errors.NewPermanentError(s.dimension, fmt.Sprintf("unusable score: %v", err))
	}
	return eval, nil
}

// RefineRequest is the payload sent for a refinement call.
type RefineRequest struct {
	Candidate interface{}          `json:"candidate"`
	Feedback  convergence.Feedback `json:"feedback"`
}

// RefinerFunc binds an Invoker to the refinement resource class.
type RefinerFunc struct {
	resourceClass string
	invoker       Invoker
	extract       ExtractArtifact
}

// NewRefiner creates a refiner. A nil extract uses JSONArtifact.
func NewRefiner(resourceClass string, invoker Invoker, extract ExtractArtifact) *RefinerFunc {
	if extract == nil {
		extract = JSONArtifact
	}
	return &RefinerFunc{resourceClass: resourceClass, invoker: invoker, extract: extract}
}

// Refine sends the candidate plus feedback and returns the new artifact.
func (r *RefinerFunc) Refine(ctx context.Context, candidate interface{}, feedback convergence.Feedback) (interface{}, error) {
	out, err := r.invoker.Invoke(ctx, r.resourceClass, RefineRequest{Candidate: candidate, Feedback: feedback})
	if err != nil {
		return nil, err
	}
	artifact, err := r.extract(out)
	if err != nil {
		return nil, errors.NewPermanentError(r.resourceClass, fmt.Sprintf("unusable artifact: %v", err))
	}
	return artifact, nil
}

// JSONScore reads {"score": n, "findings": [...]} from the result.
func JSONScore(out *Output) (convergence.Evaluation, error) {
	var body struct {
		Score    *float64 `json:"score"`
		Findings []string `json:"findings"`
	}
	if out == nil || len(out.Result) == 0 {
		return convergence.Evaluation{}, fmt.Errorf("empty result")
	}
	if err := json.Unmarshal(out.Result, &body); err != nil {
		return convergence.Evaluation{}, err
	}
	if body.Score == nil {
		return convergence.Evaluation{}, fmt.Errorf("result has no score")
	}
	return convergence.Evaluation{Value: *body.Score, Findings: body.Findings}, nil
}

// JSONArtifact reads {"artifact": ...} from the result.
func JSONArtifact(out *Output) (interface{}, error) {
	var body struct {
		Artifact json.RawMessage `json:"artifact"`
	}
	if out == nil || len(out.Result) == 0 {
		return nil, fmt.Errorf("empty result")
	}
	if err := json.Unmarshal(out.Result, &body); err != nil {
		return nil, err
	}
	if len(body.Artifact) == 0 || string(body.Artifact) == "null" {
		return nil, fmt.Errorf("result has no artifact")
	}
	var artifact interface{}
	if err := json.Unmarshal(body.Artifact, &artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}
