package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendwise/ml"
)

func TestNewDataCleaner(t *testing.T) {
	cleaner := NewDataCleaner(nil)
	require.NotNil(t, cleaner)
	require.Len(t, cleaner.rules, 1)
	assert.Equal(t, "completeness", cleaner.rules[0].Name())
}

func TestCompletenessRule(t *testing.T) {
	rule := NewCompletenessRule()

	tests := []struct {
		name    string
		c       *Candidate
		wantErr bool
	}{
		{"complete", &Candidate{Index: 0}, false},
		{"missing field", &Candidate{Index: 1, Problems: []FieldProblem{{Field: "food", Kind: ProblemMissing}}}, true},
		{"null target", &Candidate{Index: 2, Problems: []FieldProblem{{Field: "miscellaneous", Kind: ProblemNull}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rule.Apply(tt.c)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.c.Problems[0].Field)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDataCleaner_CleanDropsIncompleteRows(t *testing.T) {
	docs := []map[string]any{
		fullDoc(1000, 80),
		fullDoc(1200, 95),
		withoutField(fullDoc(900, 60), "food"),
		withField(fullDoc(1100, 70), "tuition", nil),
		withField(fullDoc(1300, 110), "housing", "n/a"),
		fullDoc(800, 50),
	}
	candidates := make([]*Candidate, len(docs))
	incomplete := 0
	for i, doc := range docs {
		rec, problems := DecodeRecord(doc)
		if len(problems) > 0 {
			incomplete++
		}
		candidates[i] = &Candidate{Index: i, Record: rec, Problems: problems}
	}

	cleaner := NewDataCleaner(nil)
	cleaned, issues := cleaner.Clean(candidates)

	assert.Equal(t, len(docs)-incomplete, len(cleaned))
	assert.Len(t, cleaned, 3)
	assert.Len(t, issues, 3)
	assert.Equal(t, 2, issues[0].Row)
	assert.Equal(t, []float64{1000, 1200, 800}, []float64{
		cleaned[0].MonthlyIncome, cleaned[1].MonthlyIncome, cleaned[2].MonthlyIncome,
	})

	stats := cleaner.GetStats()
	assert.EqualValues(t, 6, stats.TotalProcessed)
	assert.EqualValues(t, 3, stats.Passed)
	assert.EqualValues(t, 3, stats.Rejected)
	assert.EqualValues(t, 3, stats.Issues["completeness"])

	assert.Len(t, cleaner.GetIssues(2), 2)
	assert.Equal(t, 4, cleaner.GetIssues(2)[1].Row)
	cleaner.ClearIssues()
	assert.Empty(t, cleaner.GetIssues(0))
}

type rejectNegativeTarget struct{}

func (rejectNegativeTarget) Name() string { return "negative_target" }

func (rejectNegativeTarget) Apply(c *Candidate) error {
	if c.Record.Miscellaneous < 0 {
		return errors.New("negative target")
	}
	return nil
}

func TestDataCleaner_ExtraRule(t *testing.T) {
	cleaner := NewDataCleaner(nil)
	cleaner.AddRule(rejectNegativeTarget{})

	cleaned, issues := cleaner.Clean([]*Candidate{
		{Index: 0, Record: ml.LabeledRecord{Miscellaneous: 10}},
		{Index: 1, Record: ml.LabeledRecord{Miscellaneous: -1}},
	})
	assert.Len(t, cleaned, 1)
	require.Len(t, issues, 1)
	assert.Equal(t, "negative_target", issues[0].Type)
}
