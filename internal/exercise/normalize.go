// Package exercise turns a repaired model payload into ordered exercise records.
package exercise

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/genex/genex/internal/model"
)

// ErrInvalidPayloadFormat is returned when the payload has no "exercises" list.
var ErrInvalidPayloadFormat = errors.New("invalid payload format")

// DefaultType is used for blocks that carry no type tag.
const DefaultType = "OPEN"

// Question is one normalized question.
type Question struct {
	Text          string
	CorrectAnswer string
	Choices       []string
	Explanation   string
	Difficulty    string
	Extra         map[string]any
}

// Block is either a GroupedBlock or a FlatBlock.
type Block interface {
	Type() string
	Questions() []Question
}

// GroupedBlock carries a list of questions sharing one type tag.
type GroupedBlock struct {
	Tag   string
	Items []Question
}

func (b GroupedBlock) Type() string          { return b.Tag }
func (b GroupedBlock) Questions() []Question { return b.Items }

// FlatBlock is a single-question exercise encoded directly on the block.
type FlatBlock struct {
	Tag  string
	Item Question
}

func (b FlatBlock) Type() string          { return b.Tag }
func (b FlatBlock) Questions() []Question { return []Question{b.Item} }

// Payload is the normalized form of a model response.
type Payload struct {
	Blocks []Block
}

// Normalize maps a repaired payload to exercise records ordered by block then
// question, with DisplayOrder starting at 0.
func Normalize(payload any) ([]model.ExerciseRecord, error) {
	p, err := ParsePayload(payload)
	if err != nil {
		return nil, err
	}
	return p.Records(), nil
}

// ParsePayload resolves every block of payload into its variant.
func ParsePayload(payload any) (Payload, error) {
	obj, ok := payload.(map[string]any)
	if !ok {
		return Payload{}, fmt.Errorf("%w: top-level value is %T, not an object", ErrInvalidPayloadFormat, payload)
	}
	raw, ok := obj["exercises"]
	if !ok {
		return Payload{}, fmt.Errorf("%w: missing \"exercises\" key", ErrInvalidPayloadFormat)
	}
	list, ok := raw.([]any)
	if !ok {
		return Payload{}, fmt.Errorf("%w: \"exercises\" is %T, not a list", ErrInvalidPayloadFormat, raw)
	}

	var p Payload
	for _, item := range list {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p.Blocks = append(p.Blocks, parseBlock(block))
	}
	return p, nil
}

// Records flattens the payload, assigning a strictly increasing display order.
func (p Payload) Records() []model.ExerciseRecord {
	records := []model.ExerciseRecord{}
	for _, b := range p.Blocks {
		for _, q := range b.Questions() {
			records = append(records, model.ExerciseRecord{
				ExerciseType:  b.Type(),
				QuestionText:  q.Text,
				CorrectAnswer: q.CorrectAnswer,
				Metadata: model.ExerciseMetadata{
					Choices:     q.Choices,
					Explanation: q.Explanation,
					Difficulty:  q.Difficulty,
					Extra:       q.Extra,
				},
				DisplayOrder: len(records),
			})
		}
	}
	return records
}

func parseBlock(block map[string]any) Block {
	tag := firstString(block, "exercise_type", "type")
	if tag == "" {
		tag = DefaultType
	}
	var items []Question
	switch qs := block["questions"].(type) {
	case []any:
		items = collectQuestions(qs, nil)
	case map[string]any:
		items = []Question{parseQuestion(qs)}
	}
	if len(items) > 0 {
		return GroupedBlock{Tag: tag, Items: items}
	}
	return FlatBlock{Tag: tag, Item: parseQuestion(block)}
}

// collectQuestions flattens nested question lists so no question is dropped.
func collectQuestions(list []any, out []Question) []Question {
	for _, item := range list {
		switch v := item.(type) {
		case map[string]any:
			out = append(out, parseQuestion(v))
		case []any:
			out = collectQuestions(v, out)
		case nil:
		default:
			out = append(out, Question{Text: stringify(v)})
		}
	}
	return out
}

var knownFields = map[string]bool{
	"exercise_type":    true,
	"type":             true,
	"questions":        true,
	"question":         true,
	"question_text":    true,
	"choices":          true,
	"options":          true,
	"correct_answer":   true,
	"answer":           true,
	"explanation":      true,
	"difficulty_level": true,
	"difficulty":       true,
	"metadata":         true,
}

func parseQuestion(m map[string]any) Question {
	q := Question{
		Text:          firstString(m, "question", "question_text"),
		CorrectAnswer: firstString(m, "correct_answer", "answer"),
		Explanation:   firstString(m, "explanation"),
		Difficulty:    firstString(m, "difficulty_level", "difficulty"),
	}
	if v, ok := m["choices"]; ok && v != nil {
		q.Choices = choices(v)
	} else if v, ok := m["options"]; ok && v != nil {
		q.Choices = choices(v)
	}

	extra := map[string]any{}
	if meta, ok := m["metadata"].(map[string]any); ok {
		for k, v := range meta {
			extra[k] = v
		}
	}
	for k, v := range m {
		if !knownFields[k] && v != nil {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		q.Extra = extra
	}
	return q
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(stringify(m[k])); s != "" {
			return s
		}
	}
	return ""
}

func choices(v any) []string {
	switch c := v.(type) {
	case []any:
		out := make([]string, 0, len(c))
		for _, item := range c {
			if item == nil {
				continue
			}
			out = append(out, stringify(item))
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, k+". "+stringify(c[k]))
		}
		return out
	default:
		if s := stringify(c); s != "" {
			return []string{s}
		}
		return nil
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			parts = append(parts, stringify(item))
		}
		return strings.Join(parts, ", ")
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}
