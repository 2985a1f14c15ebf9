package prompts

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/genex/genex/internal/model"
)

// DefaultMaxDocumentChars bounds the document excerpt sent to the model.
const DefaultMaxDocumentChars = 60000

// ExampleJSON is the canonical response shape shown to the model.
const ExampleJSON = `{
  "exercises": [
    {
      "exercise_type": "MCQ",
      "questions": [
        {
          "question": "Question text",
          "choices": ["Choice 1", "Choice 2", "Choice 3", "Choice 4"],
          "correct_answer": "Choice 2",
          "explanation": "Why choice 2 is correct",
          "difficulty_level": 2
        }
      ]
    },
    {
      "exercise_type": "OPEN",
      "questions": [
        {
          "question": "Explain $E = mc^2$ in your own words.",
          "correct_answer": "Energy equals mass times the speed of light squared.",
          "explanation": "Mass-energy equivalence."
        }
      ]
    }
  ]
}`

// Builder renders generation prompts. The zero value is ready to use.
type Builder struct {
	MaxDocumentChars int
}

// Build returns the prompt for one generation run. It is a pure function of
// its inputs: identical arguments always produce an identical string.
func (b Builder) Build(documentText string, cfg model.GenerationConfig) string {
	cfg = cfg.WithDefaults()
	doc := Truncate(SanitizeDocument(documentText), b.maxChars())

	var sb strings.Builder
	sb.WriteString("You are an expert teacher who writes pedagogical exercises from course material.\n")
	sb.WriteString(fmt.Sprintf("Generate exactly %d exercises from the SOURCE DOCUMENT below.\n", cfg.Exercises.Total))
	sb.WriteString(fmt.Sprintf("Write every exercise, answer and explanation in language %q.\n\n", cfg.Output.Language))

	sb.WriteString("# OUTPUT FORMAT RULES\n")
	sb.WriteString("1. Return ONLY one JSON object. No text before or after it.\n")
	sb.WriteString("2. Do NOT wrap the JSON in Markdown code fences.\n")
	sb.WriteString("3. Use double quotes for every key and every string value.\n")
	sb.WriteString("4. Escape double quotes inside strings as \\\" and every backslash as \\\\ (LaTeX \\frac must be written \\\\frac).\n")
	sb.WriteString("5. The top-level object has an \"exercises\" list. Each element has \"exercise_type\" and a \"questions\" list.\n")
	sb.WriteString("6. Each question has \"question\", \"correct_answer\", \"explanation\", and optionally \"choices\" (list of strings) and \"difficulty_level\".\n")
	sb.WriteString("7. Math goes inline between dollar signs, for example $a^2 + b^2 = c^2$.\n\n")

	sb.WriteString("# REQUESTED EXERCISES\n")
	sb.WriteString(fmt.Sprintf("Total exercises: %d\n", cfg.Exercises.Total))
	if len(cfg.Exercises.Types) == 0 {
		sb.WriteString("Types: choose a balanced mix of MCQ, OPEN and TRUE_FALSE.\n")
	} else {
		sb.WriteString("Types:\n")
		for _, t := range cfg.Exercises.Types {
			sb.WriteString(describeType(t))
		}
	}
	writeDifficulty(&sb, cfg.Exercises.Difficulty)
	if len(cfg.Exercises.PedagogicalObjectives) > 0 {
		sb.WriteString("Pedagogical objectives: " + strings.Join(cfg.Exercises.PedagogicalObjectives, "; ") + "\n")
	}
	sb.WriteString("\n")

	sb.WriteString("# SOURCE SCOPE\n")
	if len(cfg.SourceScope.ContentFocus) > 0 {
		sb.WriteString("Focus on: " + strings.Join(cfg.SourceScope.ContentFocus, ", ") + "\n")
	}
	if len(cfg.SourceScope.ExcludeSections) > 0 {
		sb.WriteString("Ignore sections: " + strings.Join(cfg.SourceScope.ExcludeSections, ", ") + "\n")
	}
	sb.WriteString(fmt.Sprintf("Avoid duplicate questions: %t\n\n", model.Flag(cfg.SourceScope.AvoidDuplicates)))

	sb.WriteString("# SCAFFOLDING\n")
	sb.WriteString(fmt.Sprintf("Provide hints: %t, hint level: %s\n", model.Flag(cfg.Scaffolding.ProvideHints), cfg.Scaffolding.HintLevel))
	sb.WriteString(fmt.Sprintf("Include worked examples: %t, formula sheet: %t, glossary: %t\n\n",
		cfg.Scaffolding.IncludeExample, cfg.Scaffolding.FormulaSheet, cfg.Scaffolding.Glossary))

	sb.WriteString("# CORRECTION\n")
	sb.WriteString("Every question MUST have a correct_answer and an explanation, including open questions.\n")
	if model.Flag(cfg.Correction.DetailedExplanations) {
		sb.WriteString("Explanations must be detailed and reference the source document.\n")
	}
	if len(cfg.Correction.PointsDistribution) > 0 {
		sb.WriteString("Points per type: " + formatPoints(cfg.Correction.PointsDistribution) + "\n")
	}
	if len(cfg.Correction.AutoCorrect) > 0 {
		sb.WriteString("Auto-corrected types: " + strings.Join(cfg.Correction.AutoCorrect, ", ") + "\n")
	}
	sb.WriteString("\n")

	sb.WriteString("# ASSESSMENT\n")
	sb.WriteString(fmt.Sprintf("Formative: %t, summative: %t, self-assessment: %t, peer-assessment: %t\n\n",
		model.Flag(cfg.Assessment.Formative), cfg.Assessment.Summative,
		model.Flag(cfg.Assessment.SelfAssessment), cfg.Assessment.PeerAssessment))

	sb.WriteString("# LAYOUT\n")
	sb.WriteString(fmt.Sprintf("Format: %s, numbering: %s, group by type: %t\n\n",
		cfg.Output.Format, cfg.Output.Numbering, cfg.Output.GroupByType))

	sb.WriteString("# EXPECTED JSON SHAPE\n")
	sb.WriteString(ExampleJSON)
	sb.WriteString("\n\n")

	sb.WriteString("# SOURCE DOCUMENT\n")
	sb.WriteString(doc)
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("Now generate the %d exercises as one valid JSON object.\n", cfg.Exercises.Total))

	return sb.String()
}

func (b Builder) maxChars() int {
	if b.MaxDocumentChars <= 0 {
		return DefaultMaxDocumentChars
	}
	return b.MaxDocumentChars
}

func describeType(t model.ExerciseTypeConfig) string {
	desc := "- " + t.Type
	if t.Label != "" {
		desc += " (" + t.Label + ")"
	}
	desc += fmt.Sprintf(": %d exercises, %d questions per exercise", t.Count, t.QuestionsPerExercise)
	if t.DifficultyLevel != "" {
		desc += ", difficulty " + t.DifficultyLevel
	}
	return desc + "\n"
}

func writeDifficulty(sb *strings.Builder, d model.DifficultyConfig) {
	if d.GlobalLevel != "" {
		sb.WriteString("Global difficulty: " + d.GlobalLevel + "\n")
	}
	if len(d.Distribution) == 0 {
		return
	}
	levels := make([]string, 0, len(d.Distribution))
	for level := range d.Distribution {
		levels = append(levels, level)
	}
	sort.Strings(levels)
	parts := make([]string, 0, len(levels))
	for _, level := range levels {
		parts = append(parts, fmt.Sprintf("%s %d%%", level, d.Distribution[level]))
	}
	sb.WriteString("Difficulty distribution: " + strings.Join(parts, ", ") + "\n")
}

func formatPoints(points map[string]float64) string {
	types := make([]string, 0, len(points))
	for t := range points {
		types = append(types, t)
	}
	sort.Strings(types)
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%s=%g", t, points[t]))
	}
	return strings.Join(parts, ", ")
}

// SanitizeDocument removes NUL bytes and invalid UTF-8 left behind by OCR.
func SanitizeDocument(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	return text
}

// Truncate cuts text to at most maxChars runes.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxChars])
}
