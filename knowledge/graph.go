// Package knowledge mirrors evaluation runs into Neo4j so scores can be
// explored across runs, models, questions and categories.
package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/ragbench/judge"
)

// Run is one judged evaluation.
type Run struct {
	ID         string
	StartedAt  time.Time
	Evaluation judge.Evaluation
}

func NewRun(eval judge.Evaluation) Run {
	return Run{ID: uuid.NewString(), StartedAt: time.Now().UTC(), Evaluation: eval}
}

// ModelSummary is the per-model average of one run as stored in the graph.
type ModelSummary struct {
	Model        string
	Evaluations  int64
	Failures     int64
	Faithfulness float64
	Correctness  float64
	OverallScore float64
}

type Graph struct {
	driver neo4j.DriverWithContext
}

func NewGraph(driver neo4j.DriverWithContext) *Graph {
	return &Graph{driver: driver}
}

// SyncRun writes the run, its models and one Evaluation node per scored
// answer. Questions and categories are shared across runs.
func (g *Graph) SyncRun(ctx context.Context, run Run) error {
	if g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (r:Run {id: $id})
			SET r.started_at = datetime($started_at)
		`, map[string]any{
			"id":         run.ID,
			"started_at": run.StartedAt.Format(time.RFC3339),
		}); err != nil {
			return nil, fmt.Errorf("upsert run node: %w", err)
		}

		for _, model := range run.Evaluation.Models {
			if _, err := tx.Run(ctx, `
				MATCH (r:Run {id: $run_id})
				MERGE (m:Model {name: $model})
				MERGE (r)-[:EVALUATED]->(m)
			`, map[string]any{"run_id": run.ID, "model": model}); err != nil {
				return nil, fmt.Errorf("upsert model %s: %w", model, err)
			}

			rows := evaluationRows(run.ID, model, run.Evaluation.Results[model])
			if len(rows) == 0 {
				continue
			}
			if _, err := tx.Run(ctx, `
				MATCH (r:Run {id: $run_id}), (m:Model {name: $model})
				UNWIND $rows AS row
				MERGE (q:Question {text: row.question})
				SET q.golden_answer = row.golden_answer
				MERGE (c:Category {name: row.category})
				MERGE (q)-[:IN_CATEGORY]->(c)
				MERGE (e:Evaluation {id: row.id})
				SET e.answer = row.answer,
				    e.faithfulness = row.faithfulness,
				    e.answer_relevance = row.answer_relevance,
				    e.context_relevance = row.context_relevance,
				    e.correctness = row.correctness,
				    e.overall_score = row.overall_score,
				    e.explanation = row.explanation,
				    e.failure = row.failure
				MERGE (r)-[:HAS_EVALUATION]->(e)
				MERGE (e)-[:OF_MODEL]->(m)
				MERGE (e)-[:FOR_QUESTION]->(q)
			`, map[string]any{
				"run_id": run.ID,
				"model":  model,
				"rows":   rows,
			}); err != nil {
				return nil, fmt.Errorf("upsert evaluations for %s: %w", model, err)
			}
		}
		return nil, nil
	})
	return err
}

func evaluationRows(runID, model string, results []judge.Result) []map[string]any {
	rows := make([]map[string]any, 0, len(results))
	for i, res := range results {
		category := res.Category
		if category == "" {
			category = "Uncategorized"
		}
		failure := ""
		if !res.Score.OK() {
			failure = string(res.Score.Failure.Kind)
		}
		rows = append(rows, map[string]any{
			"id":                fmt.Sprintf("%s/%s/%d", runID, model, i),
			"question":          res.Question,
			"golden_answer":     res.GoldenAnswer,
			"category":          category,
			"answer":            res.Answer,
			"faithfulness":      res.Score.Faithfulness,
			"answer_relevance":  res.Score.AnswerRelevance,
			"context_relevance": res.Score.ContextRelevance,
			"correctness":       res.Score.Correctness,
			"overall_score":     res.Score.OverallScore,
			"explanation":       res.Score.Explanation,
			"failure":           failure,
		})
	}
	return rows
}

// ModelSummaries reads back per-model averages for one run.
func (g *Graph) ModelSummaries(ctx context.Context, runID string) ([]ModelSummary, error) {
	if g.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (:Run {id: $id})-[:HAS_EVALUATION]->(e:Evaluation)-[:OF_MODEL]->(m:Model)
		RETURN m.name AS model,
		       count(e) AS evaluations,
		       count(CASE WHEN e.failure <> '' THEN 1 END) AS failures,
		       avg(e.faithfulness) AS faithfulness,
		       avg(e.correctness) AS correctness,
		       avg(e.overall_score) AS overall
		ORDER BY model
	`, map[string]any{"id": runID})
	if err != nil {
		return nil, fmt.Errorf("run neo4j summary query: %w", err)
	}

	var summaries []ModelSummary
	for result.Next(ctx) {
		record := result.Record()
		model, _ := record.Get("model")
		evaluations, _ := record.Get("evaluations")
		failures, _ := record.Get("failures")
		faithfulness, _ := record.Get("faithfulness")
		correctness, _ := record.Get("correctness")
		overall, _ := record.Get("overall")

		summaries = append(summaries, ModelSummary{
			Model:        toString(model),
			Evaluations:  toInt64(evaluations),
			Failures:     toInt64(failures),
			Faithfulness: toFloat64(faithfulness),
			Correctness:  toFloat64(correctness),
			OverallScore: toFloat64(overall),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate neo4j summary: %w", err)
	}
	return summaries, nil
}

// Clear removes every node this package writes.
func (g *Graph) Clear(ctx context.Context) error {
	if g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (n)
			WHERE n:Run OR n:Evaluation OR n:Model OR n:Question OR n:Category
			DETACH DELETE n
		`, nil); err != nil {
			return nil, fmt.Errorf("clear evaluation graph: %w", err)
		}
		return nil, nil
	})
	return err
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}
