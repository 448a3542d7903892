// Package tabular reads and writes the spreadsheets at the edges of the
// pipeline: the question set, the intermediate answer workbook and the
// generic sheet writer the reports are built on.
package tabular

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/fabfab/ragbench/outcome"
)

const (
	ColumnCategory     = "Category"
	ColumnQuestions    = "Questions"
	ColumnGoldenAnswer = "Golden Answers"
	ColumnContext      = "Context"

	answersSheet = "Sheet1"
)

// ErrMissingColumn is returned when a required header is absent.
var ErrMissingColumn = errors.New("missing required column")

type Question struct {
	Category     string
	Question     string
	GoldenAnswer string
}

// AnswerRecord is one question with the shared retrieved context and every
// backend's outcome keyed by backend name.
type AnswerRecord struct {
	Question
	Context string
	Answers map[string]outcome.Outcome
}

// ReadQuestions loads the first sheet of the workbook at path. The header row
// must contain Category, Questions and Golden Answers; other columns are
// ignored. Rows with an empty question are skipped.
func ReadQuestions(path string) ([]Question, error) {
	header, rows, err := readFirstSheet(path)
	if err != nil {
		return nil, err
	}

	cols, err := locate(header, ColumnCategory, ColumnQuestions, ColumnGoldenAnswer)
	if err != nil {
		return nil, err
	}

	questions := make([]Question, 0, len(rows))
	for _, row := range rows {
		q := Question{
			Category:     cell(row, cols[ColumnCategory]),
			Question:     cell(row, cols[ColumnQuestions]),
			GoldenAnswer: cell(row, cols[ColumnGoldenAnswer]),
		}
		if strings.TrimSpace(q.Question) == "" {
			continue
		}
		questions = append(questions, q)
	}
	return questions, nil
}

// WriteAnswers writes the intermediate workbook: Category, Questions, Golden
// Answers, one column per model in the given order, then Context.
func WriteAnswers(path string, models []string, records []AnswerRecord) error {
	header := make([]string, 0, len(models)+4)
	header = append(header, ColumnCategory, ColumnQuestions, ColumnGoldenAnswer)
	header = append(header, models...)
	header = append(header, ColumnContext)

	rows := make([][]any, len(records))
	for i, rec := range records {
		row := make([]any, 0, len(header))
		row = append(row, rec.Category, rec.Question.Question, rec.GoldenAnswer)
		for _, m := range models {
			row = append(row, rec.Answers[m].Text())
		}
		row = append(row, rec.Context)
		rows[i] = row
	}

	return WriteSheets(path, Sheet{Name: answersSheet, Header: header, Rows: rows})
}

// ReadAnswers loads an intermediate workbook. Model columns are those between
// Golden Answers and Context, returned in sheet order. "Error: " cells become
// failed outcomes.
func ReadAnswers(path string) ([]string, []AnswerRecord, error) {
	header, rows, err := readFirstSheet(path)
	if err != nil {
		return nil, nil, err
	}

	cols, err := locate(header, ColumnCategory, ColumnQuestions, ColumnGoldenAnswer, ColumnContext)
	if err != nil {
		return nil, nil, err
	}

	fixed := map[int]bool{}
	for _, idx := range cols {
		fixed[idx] = true
	}
	var (
		models   []string
		modelCol = map[string]int{}
	)
	for i, name := range header {
		name = strings.TrimSpace(name)
		if fixed[i] || name == "" {
			continue
		}
		if _, dup := modelCol[name]; dup {
			continue
		}
		models = append(models, name)
		modelCol[name] = i
	}

	records := make([]AnswerRecord, 0, len(rows))
	for _, row := range rows {
		rec := AnswerRecord{
			Question: Question{
				Category:     cell(row, cols[ColumnCategory]),
				Question:     cell(row, cols[ColumnQuestions]),
				GoldenAnswer: cell(row, cols[ColumnGoldenAnswer]),
			},
			Context: cell(row, cols[ColumnContext]),
			Answers: make(map[string]outcome.Outcome, len(models)),
		}
		if strings.TrimSpace(rec.Question.Question) == "" {
			continue
		}
		for _, m := range models {
			rec.Answers[m] = outcome.Parse(cell(row, modelCol[m]))
		}
		records = append(records, rec)
	}
	return models, records, nil
}

// Sheet is one worksheet: a header row followed by data rows.
type Sheet struct {
	Name   string
	Header []string
	Rows   [][]any
}

// WriteSheets writes the sheets, in order, to a new workbook at path,
// creating parent directories. Cells longer than the format limit are
// truncated by excelize.
func WriteSheets(path string, sheets ...Sheet) (err error) {
	if len(sheets) == 0 {
		return fmt.Errorf("write workbook: no sheets")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	f := excelize.NewFile()
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close workbook: %w", closeErr)
		}
	}()

	for i, sheet := range sheets {
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), sheet.Name); err != nil {
				return fmt.Errorf("rename sheet %q: %w", sheet.Name, err)
			}
		} else if _, err := f.NewSheet(sheet.Name); err != nil {
			return fmt.Errorf("create sheet %q: %w", sheet.Name, err)
		}

		header := make([]any, len(sheet.Header))
		for j, h := range sheet.Header {
			header[j] = h
		}
		if err := f.SetSheetRow(sheet.Name, "A1", &header); err != nil {
			return fmt.Errorf("write header of %q: %w", sheet.Name, err)
		}

		for j, row := range sheet.Rows {
			addr, err := excelize.CoordinatesToCellName(1, j+2)
			if err != nil {
				return err
			}
			values := row
			if err := f.SetSheetRow(sheet.Name, addr, &values); err != nil {
				return fmt.Errorf("write row %d of %q: %w", j+1, sheet.Name, err)
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

// ReadSheet returns the rows of the named sheet, header included.
func ReadSheet(path, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return rows, nil
}

func readFirstSheet(path string) ([]string, [][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("%w: sheet %q is empty", ErrMissingColumn, sheets[0])
	}
	return rows[0], rows[1:], nil
}

func locate(header []string, names ...string) (map[string]int, error) {
	cols := make(map[string]int, len(names))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if _, seen := cols[h]; !seen {
			cols[h] = i
		}
	}

	out := make(map[string]int, len(names))
	var missing []string
	for _, name := range names {
		idx, ok := cols[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		out[name] = idx
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return out, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}
