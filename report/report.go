// Package report aggregates judge results into per-model statistics,
// per-category means and cross-model pivot tables.
package report

import (
	"math"
	"sort"

	"github.com/fabfab/ragbench/judge"
)

// Dimension names one scored column. The string values are the legacy
// spreadsheet labels, including the lowercase "correctness".
type Dimension string

const (
	Faithfulness     Dimension = "Faithfulness"
	AnswerRelevance  Dimension = "Answer Relevance"
	ContextRelevance Dimension = "Context Relevance"
	Correctness      Dimension = "correctness"
	OverallScore     Dimension = "Overall Score"
)

// OverallCategory labels the per-model row computed over every result.
const OverallCategory = "OVERALL"

// Dimensions lists every dimension in report order.
var Dimensions = []Dimension{Faithfulness, AnswerRelevance, ContextRelevance, Correctness, OverallScore}

func (d Dimension) of(s judge.Score) float64 {
	switch d {
	case Faithfulness:
		return float64(s.Faithfulness)
	case AnswerRelevance:
		return float64(s.AnswerRelevance)
	case ContextRelevance:
		return float64(s.ContextRelevance)
	case Correctness:
		return float64(s.Correctness)
	case OverallScore:
		return s.OverallScore
	default:
		return 0
	}
}

type Stats struct {
	Mean float64
	Min  float64
	Max  float64
}

// Means holds one value per dimension.
type Means map[Dimension]float64

type CategoryMeans struct {
	Category string
	Means    Means
}

// ModelReport summarizes one model. Failed evaluations count as zeros in
// every statistic and are also counted in Failures.
type ModelReport struct {
	Model      string
	Count      int
	Failures   int
	Stats      map[Dimension]Stats
	Categories []CategoryMeans
	Results    []judge.Result
}

// Summarize computes overall statistics and per-category means for one
// model. Category means are rounded to two decimals; results with an empty
// category only contribute to the overall statistics.
func Summarize(model string, results []judge.Result) ModelReport {
	r := ModelReport{
		Model:   model,
		Count:   len(results),
		Stats:   make(map[Dimension]Stats, len(Dimensions)),
		Results: results,
	}
	if len(results) == 0 {
		return r
	}

	for _, res := range results {
		if !res.Score.OK() {
			r.Failures++
		}
	}

	for _, d := range Dimensions {
		st := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
		var sum float64
		for _, res := range results {
			v := d.of(res.Score)
			sum += v
			st.Min = math.Min(st.Min, v)
			st.Max = math.Max(st.Max, v)
		}
		st.Mean = sum / float64(len(results))
		r.Stats[d] = st
	}

	groups := make(map[string][]judge.Score)
	for _, res := range results {
		if res.Category == "" {
			continue
		}
		groups[res.Category] = append(groups[res.Category], res.Score)
	}
	categories := make([]string, 0, len(groups))
	for c := range groups {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	for _, c := range categories {
		scores := groups[c]
		means := make(Means, len(Dimensions))
		for _, d := range Dimensions {
			var sum float64
			for _, s := range scores {
				sum += d.of(s)
			}
			means[d] = round2(sum / float64(len(scores)))
		}
		r.Categories = append(r.Categories, CategoryMeans{Category: c, Means: means})
	}
	return r
}

// Row is one (model, category) line of the comparison table.
type Row struct {
	Model    string
	Category string
	Means    Means
}

// Comparison is the cross-model table: each model's category rows followed
// by its OVERALL row, in model order.
type Comparison struct {
	Models []string
	Rows   []Row
}

// Compare builds the comparison from per-model reports. Models with no
// results are left out. OVERALL rows carry unrounded means.
func Compare(reports []ModelReport) Comparison {
	var c Comparison
	for _, r := range reports {
		if r.Count == 0 {
			continue
		}
		c.Models = append(c.Models, r.Model)
		for _, cm := range r.Categories {
			c.Rows = append(c.Rows, Row{Model: r.Model, Category: cm.Category, Means: cm.Means})
		}

		overall := make(Means, len(Dimensions))
		for _, d := range Dimensions {
			overall[d] = r.Stats[d].Mean
		}
		c.Rows = append(c.Rows, Row{Model: r.Model, Category: OverallCategory, Means: overall})
	}
	return c
}

// Pivot is one dimension laid out as category rows by model columns.
type Pivot struct {
	Dimension  Dimension
	Categories []string
	Models     []string
	cells      map[string]map[string]float64
}

// Value returns the cell for (category, model). ok is false when the model
// has no results in that category; such cells are absent, not zero.
func (p Pivot) Value(category, model string) (v float64, ok bool) {
	v, ok = p.cells[category][model]
	return v, ok
}

// Pivot lays out dimension d. Categories are sorted with OVERALL last;
// models keep comparison order.
func (c Comparison) Pivot(d Dimension) Pivot {
	p := Pivot{
		Dimension: d,
		Models:    c.Models,
		cells:     make(map[string]map[string]float64),
	}
	hasOverall := false
	for _, row := range c.Rows {
		if _, seen := p.cells[row.Category]; !seen {
			p.cells[row.Category] = make(map[string]float64)
			if row.Category == OverallCategory {
				hasOverall = true
			} else {
				p.Categories = append(p.Categories, row.Category)
			}
		}
		p.cells[row.Category][row.Model] = row.Means[d]
	}
	sort.Strings(p.Categories)
	if hasOverall {
		p.Categories = append(p.Categories, OverallCategory)
	}
	return p
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
