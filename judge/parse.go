package judge

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

const verdictSchema = `{
  "type": "object",
  "required": ["faithfulness", "answer_relevance", "context_relevance", "correctness", "explanation"],
  "properties": {
    "faithfulness":      { "type": "number", "minimum": 1, "maximum": 10 },
    "answer_relevance":  { "type": "number", "minimum": 1, "maximum": 10 },
    "context_relevance": { "type": "number", "minimum": 1, "maximum": 10 },
    "correctness":       { "type": "number", "minimum": 1, "maximum": 10 },
    "overall_score":     { "type": "number" },
    "explanation":       { "type": "string" }
  }
}`

var compiledVerdict = jsonschema.MustCompileString("judge_verdict", verdictSchema)

// parseVerdict extracts the JSON object from a judge reply, validates it and
// returns the score with OverallScore recomputed from the four dimensions.
// Strict JSON is tried first; replies with trailing commas, comments or
// single quotes fall back to JSON5.
func parseVerdict(reply string) (Score, error) {
	body := extractObject(reply)
	if body == "" {
		return Score{}, fmt.Errorf("no JSON object in judge response")
	}

	var raw any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		if err5 := json5.Unmarshal([]byte(body), &raw); err5 != nil {
			return Score{}, fmt.Errorf("decode judge response: %w", err)
		}
	}

	if err := compiledVerdict.Validate(raw); err != nil {
		return Score{}, &schemaError{err: err}
	}

	fields := raw.(map[string]any)
	s := Score{
		Faithfulness:     roundScore(fields["faithfulness"]),
		AnswerRelevance:  roundScore(fields["answer_relevance"]),
		ContextRelevance: roundScore(fields["context_relevance"]),
		Correctness:      roundScore(fields["correctness"]),
		Explanation:      fields["explanation"].(string),
	}
	s.OverallScore = s.mean()
	return s, nil
}

type schemaError struct {
	err error
}

func (e *schemaError) Error() string {
	return "judge response failed validation: " + e.err.Error()
}

func (e *schemaError) Unwrap() error {
	return e.err
}

// extractObject strips markdown fences and returns the text between the
// first '{' and the last '}'.
func extractObject(reply string) string {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func roundScore(v any) int {
	switch n := v.(type) {
	case float64:
		return int(math.Round(n))
	case json.Number:
		f, _ := n.Float64()
		return int(math.Round(f))
	default:
		return 0
	}
}
