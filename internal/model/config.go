package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is returned when a generation config fails validation.
var ErrInvalidConfig = errors.New("invalid generation config")

// Defaults applied by GenerationConfig.WithDefaults.
const (
	DefaultExerciseTotal = 10
	DefaultHintLevel     = "MODERATE"
	DefaultOutputFormat  = "PDF"
	DefaultNumbering     = "AUTO"
	DefaultLanguage      = "en"
	MaxExerciseTotal     = 200
)

// GenerationConfig describes what one generation run should produce.
// Unknown JSON keys are ignored when decoding.
type GenerationConfig struct {
	Exercises   ExercisesConfig   `json:"exercises"`
	SourceScope SourceScopeConfig `json:"source_scope"`
	Scaffolding ScaffoldingConfig `json:"scaffolding"`
	Correction  CorrectionConfig  `json:"correction"`
	Assessment  AssessmentConfig  `json:"assessment"`
	Output      OutputConfig      `json:"output"`
}

// ExercisesConfig is the requested exercise count and type mix.
type ExercisesConfig struct {
	Total                 int                  `json:"total"`
	Types                 []ExerciseTypeConfig `json:"types"`
	Difficulty            DifficultyConfig     `json:"difficulty"`
	PedagogicalObjectives []string             `json:"pedagogical_objectives,omitempty"`
}

// ExerciseTypeConfig requests Count exercises of one kind.
type ExerciseTypeConfig struct {
	Type                 string `json:"type"`
	Label                string `json:"label,omitempty"`
	Count                int    `json:"count"`
	QuestionsPerExercise int    `json:"questions_per_exercise,omitempty"`
	DifficultyLevel      string `json:"difficulty_level,omitempty"`
}

// DifficultyConfig holds the global level and the level -> percentage distribution.
type DifficultyConfig struct {
	GlobalLevel  string         `json:"global_level,omitempty"`
	Distribution map[string]int `json:"distribution,omitempty"`
}

// SourceScopeConfig narrows which parts of the document are used.
type SourceScopeConfig struct {
	ContentFocus    []string `json:"content_focus,omitempty"`
	ExcludeSections []string `json:"exclude_sections,omitempty"`
	AvoidDuplicates *bool    `json:"avoid_duplicates,omitempty"`
}

// ScaffoldingConfig controls hints and support material.
type ScaffoldingConfig struct {
	ProvideHints   *bool  `json:"provide_hints,omitempty"`
	HintLevel      string `json:"hint_level,omitempty"`
	IncludeExample bool   `json:"include_examples,omitempty"`
	FormulaSheet   bool   `json:"formula_sheet,omitempty"`
	Glossary       bool   `json:"glossary,omitempty"`
}

// CorrectionConfig controls the answer key and scoring.
type CorrectionConfig struct {
	DetailedExplanations *bool              `json:"detailed_explanations,omitempty"`
	PointsDistribution   map[string]float64 `json:"points_distribution,omitempty"`
	AutoCorrect          []string           `json:"auto_correct,omitempty"`
}

// AssessmentConfig describes how the sheet will be used.
type AssessmentConfig struct {
	Formative      *bool `json:"formative,omitempty"`
	Summative      bool  `json:"summative,omitempty"`
	SelfAssessment *bool `json:"self_assessment,omitempty"`
	PeerAssessment bool  `json:"peer_assessment,omitempty"`
}

// OutputConfig holds layout preferences for the rendered sheet.
type OutputConfig struct {
	Format      string `json:"format,omitempty"`
	Numbering   string `json:"numbering,omitempty"`
	Language    string `json:"language,omitempty"`
	GroupByType bool   `json:"group_by_type,omitempty"`
	AnswerSpace bool   `json:"answer_space,omitempty"`
}

// ParseGenerationConfig decodes a JSON config. An empty input yields the zero config.
func ParseGenerationConfig(data []byte) (GenerationConfig, error) {
	var cfg GenerationConfig
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// WithDefaults returns a copy of c with documented defaults filled in.
func (c GenerationConfig) WithDefaults() GenerationConfig {
	if c.Exercises.Total <= 0 {
		c.Exercises.Total = DefaultExerciseTotal
	}
	types := make([]ExerciseTypeConfig, len(c.Exercises.Types))
	for i, t := range c.Exercises.Types {
		t.Type = strings.ToUpper(strings.TrimSpace(t.Type))
		if t.QuestionsPerExercise <= 0 {
			t.QuestionsPerExercise = 1
		}
		types[i] = t
	}
	c.Exercises.Types = types
	if c.Scaffolding.ProvideHints == nil {
		c.Scaffolding.ProvideHints = boolPtr(true)
	}
	if c.Scaffolding.HintLevel == "" {
		c.Scaffolding.HintLevel = DefaultHintLevel
	}
	if c.SourceScope.AvoidDuplicates == nil {
		c.SourceScope.AvoidDuplicates = boolPtr(true)
	}
	if c.Correction.DetailedExplanations == nil {
		c.Correction.DetailedExplanations = boolPtr(true)
	}
	if c.Assessment.Formative == nil {
		c.Assessment.Formative = boolPtr(true)
	}
	if c.Assessment.SelfAssessment == nil {
		c.Assessment.SelfAssessment = boolPtr(true)
	}
	if c.Output.Format == "" {
		c.Output.Format = DefaultOutputFormat
	}
	if c.Output.Numbering == "" {
		c.Output.Numbering = DefaultNumbering
	}
	if c.Output.Language == "" {
		c.Output.Language = DefaultLanguage
	}
	return c
}

// Validate checks a config that already had defaults applied.
func (c GenerationConfig) Validate() error {
	if c.Exercises.Total > MaxExerciseTotal {
		return fmt.Errorf("%w: total %d exceeds %d", ErrInvalidConfig, c.Exercises.Total, MaxExerciseTotal)
	}
	for i, t := range c.Exercises.Types {
		if t.Type == "" {
			return fmt.Errorf("%w: exercise type %d has no type tag", ErrInvalidConfig, i)
		}
		if t.Count < 0 {
			return fmt.Errorf("%w: exercise type %s has negative count", ErrInvalidConfig, t.Type)
		}
	}
	sum := 0
	for level, pct := range c.Exercises.Difficulty.Distribution {
		if pct < 0 {
			return fmt.Errorf("%w: difficulty %s has negative share", ErrInvalidConfig, level)
		}
		sum += pct
	}
	if sum > 100 {
		return fmt.Errorf("%w: difficulty distribution sums to %d%%", ErrInvalidConfig, sum)
	}
	return nil
}

// Flag dereferences an optional boolean, treating nil as false.
func Flag(b *bool) bool {
	return b != nil && *b
}

func boolPtr(b bool) *bool { return &b }
