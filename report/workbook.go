package report

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/ragbench/judge"
	"github.com/fabfab/ragbench/tabular"
)

const (
	ComparisonFile   = "models_comparison_report.xlsx"
	modelReportFile  = "_evaluation_results.xlsx"
	detailedSheet    = "Detailed Evaluation"
	summarySheet     = "Summary Statistics"
	categorySheet    = "Category Analysis"
	comparisonSheet  = "Model Comparison"
	pivotSheetSuffix = " Comparison"
)

// ModelReportPath is where the report for model is written inside dir.
func ModelReportPath(dir, model string) string {
	return filepath.Join(dir, strings.ToLower(model)+modelReportFile)
}

func scoreColumn(d Dimension) string {
	if d == OverallScore {
		return string(d)
	}
	return string(d) + " Score"
}

// WriteModelReport writes the detailed rows, summary statistics and category
// analysis for one model.
func WriteModelReport(path string, r ModelReport) error {
	detailed := tabular.Sheet{
		Name: detailedSheet,
		Header: []string{
			tabular.ColumnCategory, tabular.ColumnQuestions, tabular.ColumnGoldenAnswer,
			r.Model + " Answer", tabular.ColumnContext,
		},
	}
	for _, d := range Dimensions {
		detailed.Header = append(detailed.Header, scoreColumn(d))
	}
	detailed.Header = append(detailed.Header, "Evaluation Explanation", "Failure Kind")

	for _, res := range r.Results {
		row := []any{res.Category, res.Question, res.GoldenAnswer, res.Answer, res.Context}
		for _, d := range Dimensions {
			row = append(row, d.of(res.Score))
		}
		kind := ""
		if !res.Score.OK() {
			kind = string(res.Score.Failure.Kind)
		}
		row = append(row, res.Score.Explanation, kind)
		detailed.Rows = append(detailed.Rows, row)
	}

	summary := tabular.Sheet{
		Name:   summarySheet,
		Header: []string{"Metric", "Average Score", "Min Score", "Max Score"},
	}
	for _, d := range Dimensions {
		st := r.Stats[d]
		summary.Rows = append(summary.Rows, []any{string(d), st.Mean, st.Min, st.Max})
	}

	category := tabular.Sheet{Name: categorySheet, Header: []string{tabular.ColumnCategory}}
	for _, d := range Dimensions {
		category.Header = append(category.Header, scoreColumn(d))
	}
	for _, cm := range r.Categories {
		row := []any{cm.Category}
		for _, d := range Dimensions {
			row = append(row, cm.Means[d])
		}
		category.Rows = append(category.Rows, row)
	}

	if err := tabular.WriteSheets(path, detailed, summary, category); err != nil {
		return fmt.Errorf("write %s report: %w", r.Model, err)
	}
	return nil
}

// WriteComparison writes the comparison table followed by one pivot sheet
// per dimension.
func WriteComparison(path string, c Comparison) error {
	table := tabular.Sheet{Name: comparisonSheet, Header: []string{"Model", tabular.ColumnCategory}}
	for _, d := range Dimensions {
		table.Header = append(table.Header, string(d))
	}
	for _, row := range c.Rows {
		values := []any{row.Model, row.Category}
		for _, d := range Dimensions {
			values = append(values, row.Means[d])
		}
		table.Rows = append(table.Rows, values)
	}

	sheets := []tabular.Sheet{table}
	for _, d := range Dimensions {
		p := c.Pivot(d)
		sheet := tabular.Sheet{
			Name:   string(d) + pivotSheetSuffix,
			Header: append([]string{tabular.ColumnCategory}, p.Models...),
		}
		for _, category := range p.Categories {
			values := []any{category}
			for _, m := range p.Models {
				if v, ok := p.Value(category, m); ok {
					values = append(values, v)
				} else {
					values = append(values, nil)
				}
			}
			sheet.Rows = append(sheet.Rows, values)
		}
		sheets = append(sheets, sheet)
	}

	if err := tabular.WriteSheets(path, sheets...); err != nil {
		return fmt.Errorf("write comparison report: %w", err)
	}
	return nil
}

// LogSummary prints the per-model averages after a model is judged.
func LogSummary(logger *zap.Logger, r ModelReport) {
	if logger == nil {
		return
	}
	logger.Info("model results summary",
		zap.String("model", r.Model),
		zap.Int("evaluated", r.Count),
		zap.Int("failed", r.Failures),
		zap.String("faithfulness", fmt.Sprintf("%.2f", r.Stats[Faithfulness].Mean)),
		zap.String("answer_relevance", fmt.Sprintf("%.2f", r.Stats[AnswerRelevance].Mean)),
		zap.String("context_relevance", fmt.Sprintf("%.2f", r.Stats[ContextRelevance].Mean)),
		zap.String("correctness", fmt.Sprintf("%.2f", r.Stats[Correctness].Mean)),
		zap.String("overall", fmt.Sprintf("%.2f", r.Stats[OverallScore].Mean)),
	)
}

// Publish writes one report per evaluated model and the comparison report
// into dir, returning the comparison. Models are written in evaluation order.
func Publish(dir string, eval judge.Evaluation, logger *zap.Logger) (Comparison, []string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		reports []ModelReport
		files   []string
	)
	for _, model := range eval.Models {
		r := Summarize(model, eval.Results[model])
		path := ModelReportPath(dir, model)
		if err := WriteModelReport(path, r); err != nil {
			return Comparison{}, files, err
		}
		logger.Info("model report saved", zap.String("model", model), zap.String("path", path))
		LogSummary(logger, r)
		reports = append(reports, r)
		files = append(files, path)
	}

	cmp := Compare(reports)
	if len(cmp.Models) == 0 {
		logger.Warn("no model results, skipping comparison report")
		return cmp, files, nil
	}
	path := filepath.Join(dir, ComparisonFile)
	if err := WriteComparison(path, cmp); err != nil {
		return Comparison{}, files, err
	}
	logger.Info("comparison report saved", zap.String("path", path))
	return cmp, append(files, path), nil
}
