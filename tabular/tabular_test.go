package tabular

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/fabfab/ragbench/outcome"
)

func writeWorkbook(t *testing.T, rows [][]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "questions.xlsx")
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		addr, _ := excelize.CoordinatesToCellName(1, i+1)
		r := row
		if err := f.SetSheetRow("Sheet1", addr, &r); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	return path
}

func TestReadQuestions(t *testing.T) {
	path := writeWorkbook(t, [][]any{
		{"Questions", "Notes", "Category", "Golden Answers"},
		{"What is LOD500?", "ignored", "BIM", "as-built"},
		{"", "blank question", "BIM", "skip me"},
		{"Who signs off?", "", "Process", ""},
	})

	qs, err := ReadQuestions(path)
	if err != nil {
		t.Fatalf("read questions: %v", err)
	}
	if len(qs) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(qs))
	}
	if qs[0] != (Question{Category: "BIM", Question: "What is LOD500?", GoldenAnswer: "as-built"}) {
		t.Fatalf("unexpected first question %+v", qs[0])
	}
	if qs[1].Category != "Process" || qs[1].GoldenAnswer != "" {
		t.Fatalf("unexpected second question %+v", qs[1])
	}
}

func TestReadQuestionsMissingColumn(t *testing.T) {
	path := writeWorkbook(t, [][]any{
		{"Category", "Questions"},
		{"BIM", "What is LOD500?"},
	})

	_, err := ReadQuestions(path)
	if !errors.Is(err, ErrMissingColumn) {
		t.Fatalf("expected ErrMissingColumn, got %v", err)
	}
	if !strings.Contains(err.Error(), "Golden Answers") {
		t.Fatalf("expected missing column name in error, got %v", err)
	}
}

func TestAnswersRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "middle", "results.xlsx")
	models := []string{"gpt-4o", "Grok3", "Claude3.7"}
	records := []AnswerRecord{
		{
			Question: Question{Category: "BIM", Question: "What is LOD500?", GoldenAnswer: "as-built"},
			Context:  "LOD 500 means as-built\nsecond chunk",
			Answers: map[string]outcome.Outcome{
				"gpt-4o":    outcome.Success("as-built"),
				"Grok3":     outcome.Fail(outcome.KindRateLimit, "429 too many requests"),
				"Claude3.7": outcome.Success("As-built model"),
			},
		},
	}

	if err := WriteAnswers(path, models, records); err != nil {
		t.Fatalf("write answers: %v", err)
	}

	header, err := ReadSheet(path, answersSheet)
	if err != nil {
		t.Fatalf("read sheet: %v", err)
	}
	wantHeader := []string{"Category", "Questions", "Golden Answers", "gpt-4o", "Grok3", "Claude3.7", "Context"}
	if strings.Join(header[0], "|") != strings.Join(wantHeader, "|") {
		t.Fatalf("unexpected header %v", header[0])
	}

	gotModels, got, err := ReadAnswers(path)
	if err != nil {
		t.Fatalf("read answers: %v", err)
	}
	if strings.Join(gotModels, "|") != strings.Join(models, "|") {
		t.Fatalf("unexpected models %v", gotModels)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	rec := got[0]
	if rec.Context != records[0].Context || rec.GoldenAnswer != "as-built" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.Answers["gpt-4o"].OK() || rec.Answers["gpt-4o"].Value != "as-built" {
		t.Fatalf("unexpected gpt-4o answer %+v", rec.Answers["gpt-4o"])
	}
	grok := rec.Answers["Grok3"]
	if grok.OK() || grok.Failure.Message != "429 too many requests" {
		t.Fatalf("expected failed Grok3 answer, got %+v", grok)
	}
}

func TestWriteSheetsOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.xlsx")
	err := WriteSheets(path,
		Sheet{Name: "First", Header: []string{"A"}, Rows: [][]any{{1.5}}},
		Sheet{Name: "Second", Header: []string{"B"}},
	)
	if err != nil {
		t.Fatalf("write sheets: %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 2 || sheets[0] != "First" || sheets[1] != "Second" {
		t.Fatalf("unexpected sheets %v", sheets)
	}
	v, _ := f.GetCellValue("First", "A2")
	if v != "1.5" {
		t.Fatalf("unexpected cell value %q", v)
	}
}

func TestWriteSheetsTruncatesLongCells(t *testing.T) {
	path := filepath.Join(t.TempDir(), "long.xlsx")
	long := strings.Repeat("x", excelize.TotalCellChars+10)
	if err := WriteSheets(path, Sheet{Name: "S", Header: []string{"Context"}, Rows: [][]any{{long}}}); err != nil {
		t.Fatalf("write sheets: %v", err)
	}

	rows, err := ReadSheet(path, "S")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows[1][0]) != excelize.TotalCellChars {
		t.Fatalf("expected truncation to %d chars, got %d", excelize.TotalCellChars, len(rows[1][0]))
	}
}
