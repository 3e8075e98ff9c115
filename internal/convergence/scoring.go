package convergence

import (
	"fmt"
	"math"
	"sort"

	"github.com/NikhilSetiya/refinery/pkg/config"
	"github.com/NikhilSetiya/refinery/pkg/errors"
)

// DefaultRefineClass is the resource class refinement calls are routed through.
const DefaultRefineClass = "refine"

// Config bounds one convergence run.
type Config struct {
	Target         float64            `json:"target"`
	MaxIterations  int                `json:"max_iterations"`
	MinImprovement float64            `json:"min_improvement"`
	Ceiling        float64            `json:"ceiling"`
	NeutralScore   float64            `json:"neutral_score"`
	MaxSuggestions int                `json:"max_suggestions"`
	Weights        map[string]float64 `json:"weights"`
	RefineClass    string             `json:"refine_class"`
}

// DefaultConfig returns the default run bounds.
func DefaultConfig() Config {
	return Config{
		Target:         8.5,
		MaxIterations:  5,
		MinImprovement: 0.2,
		Ceiling:        9.5,
		NeutralScore:   5.0,
		MaxSuggestions: 3,
		Weights:        map[string]float64{"security": 0.4, "cost": 0.3, "risk": 0.3},
		RefineClass:    DefaultRefineClass,
	}
}

// ConfigFromSettings maps the process configuration onto run bounds.
func ConfigFromSettings(c config.ConvergenceConfig) Config {
	cfg := DefaultConfig()
	cfg.Target = c.Target
	cfg.MaxIterations = c.MaxIterations
	cfg.MinImprovement = c.MinImprovement
	cfg.Ceiling = c.Ceiling
	cfg.NeutralScore = c.NeutralScore
	cfg.Weights = make(map[string]float64, len(c.Weights))
	for dim, w := range c.Weights {
		cfg.Weights[dim] = w
	}
	return cfg
}

// Validate checks the bounds and fills optional fields.
func (c *Config) Validate() error {
	if c.MaxIterations < 1 {
		return errors.NewValidationError("max iterations must be at least 1")
	}
	for name, v := range map[string]float64{
		"target": c.Target, "ceiling": c.Ceiling, "min improvement": c.MinImprovement, "neutral score": c.NeutralScore,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.NewValidationError(name + " must be a finite number")
		}
	}
	if c.Target <= 0 || c.Target > 10 {
		return errors.NewValidationError(fmt.Sprintf("target must be in (0, 10], got %.2f", c.Target))
	}
	if c.Ceiling <= 0 || c.Ceiling > 10 {
		return errors.NewValidationError(fmt.Sprintf("ceiling must be in (0, 10], got %.2f", c.Ceiling))
	}
	if c.MinImprovement < 0 {
		return errors.NewValidationError("min improvement must not be negative")
	}
	if c.NeutralScore < 0 || c.NeutralScore > 10 {
		return errors.NewValidationError("neutral score must be within 0-10")
	}
	if err := config.ValidateWeights(c.Weights); err != nil {
		return errors.NewValidationError(err.Error())
	}
	if c.MaxSuggestions <= 0 {
		c.MaxSuggestions = 3
	}
	if c.RefineClass == "" {
		c.RefineClass = DefaultRefineClass
	}
	return nil
}

// Normalize maps a raw value on its declared scale onto 0-10.
func Normalize(raw float64, scale Scale) float64 {
	if scale <= 0 || math.IsNaN(raw) {
		return 0
	}
	v := raw / float64(scale) * 10
	return math.Max(0, math.Min(10, v))
}

// Composite is the weighted sum of normalized dimension scores. Dimensions
// without a weight do not count.
func Composite(dimensions map[string]DimensionScore) float64 {
	dims := make([]string, 0, len(dimensions))
	for dim := range dimensions {
		dims = append(dims, dim)
	}
	sort.Strings(dims)

	total := 0.0
	for _, dim := range dims {
		d := dimensions[dim]
		total += d.Normalized * d.Weight
	}
	return total
}

// scoreEpsilon absorbs float error in composites before they are compared
// against the run bounds.
const scoreEpsilon = 1e-9

// Decide applies the stop rules in priority order: target, ceiling,
// stagnation (from the second iteration on), then max iterations. When the
// last allowed iteration also stagnated, stagnation is the reported reason.
// An improvement equal to MinImprovement is not stagnation.
func Decide(cfg Config, iteration int, composite, previous float64) Decision {
	switch {
	case composite >= cfg.Target-scoreEpsilon:
		return Decision{Stop: true, Reason: ReasonTargetAchieved}
	case composite >= cfg.Ceiling-scoreEpsilon:
		return Decision{Stop: true, Reason: ReasonCeilingReached}
	case iteration >= 2 && composite-previous < cfg.MinImprovement-scoreEpsilon:
		return Decision{Stop: true, Reason: ReasonStagnation}
	case iteration >= cfg.MaxIterations:
		return Decision{Stop: true, Reason: ReasonMaxIterations}
	default:
		return Decision{}
	}
}

// Weakest returns the dimension with the lowest normalized score. Ties go to
// the heavier weight, then to name order.
func Weakest(score SatisfactionScore) string {
	dims := make([]string, 0, len(score.Dimensions))
	for dim := range score.Dimensions {
		dims = append(dims, dim)
	}
	if len(dims) == 0 {
		return ""
	}
	sort.Slice(dims, func(i, j int) bool {
		a, b := score.Dimensions[dims[i]], score.Dimensions[dims[j]]
		if a.Normalized != b.Normalized {
			return a.Normalized < b.Normalized
		}
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		return dims[i] < dims[j]
	})
	return dims[0]
}

// Suggest lists up to limit next steps, weakest dimension first. A
// dimension's own findings are used before a generic hint about it.
func Suggest(score SatisfactionScore, target float64, limit int) []string {
	if score.Composite >= target || limit <= 0 || len(score.Dimensions) == 0 {
		return nil
	}

	dims := make([]string, 0, len(score.Dimensions))
	for dim := range score.Dimensions {
		dims = append(dims, dim)
	}
	weakest := Weakest(score)
	sort.Slice(dims, func(i, j int) bool {
		if dims[i] == weakest || dims[j] == weakest {
			return dims[i] == weakest
		}
		a, b := score.Dimensions[dims[i]], score.Dimensions[dims[j]]
		if a.Normalized != b.Normalized {
			return a.Normalized < b.Normalized
		}
		return dims[i] < dims[j]
	})

	var out []string
	for _, dim := range dims {
		d := score.Dimensions[dim]
		hints := d.Findings
		if len(hints) == 0 && d.Normalized < target {
			hints = []string{fmt.Sprintf("raise the score from %.1f towards %.1f", d.Normalized, target)}
		}
		for _, hint := range hints {
			if len(out) == limit {
				return out
			}
			out = append(out, fmt.Sprintf("%s: %s", dim, hint))
		}
	}
	return out
}
