package pipeline

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"spendwise/ml"
)

// CleaningRule 清洗规则
type CleaningRule interface {
	Apply(*Candidate) error
	Name() string
}

// QualityIssue 质量问题
type QualityIssue struct {
	Row       int       `json:"row"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // low, medium, high
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// DataCleaner 数据清洗器
type DataCleaner struct {
	rules []CleaningRule
	log   *zap.Logger

	issues     []QualityIssue
	issuesLock sync.RWMutex

	stats     CleaningStats
	statsLock sync.RWMutex
}

// NewDataCleaner returns a cleaner with the completeness rule installed.
func NewDataCleaner(logger *zap.Logger) *DataCleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cleaner := &DataCleaner{
		rules:  make([]CleaningRule, 0),
		log:    logger.Named("cleaning"),
		issues: make([]QualityIssue, 0),
		stats: CleaningStats{
			Issues: make(map[string]int64),
		},
	}
	cleaner.AddRule(NewCompletenessRule())
	return cleaner
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
	dc.log.Debug("cleaning rule added", zap.String("rule", rule.Name()))
}

// Clean drops every candidate a rule rejects. Rows are deleted, never
// imputed, so len(cleaned) == len(candidates) - rejected.
func (dc *DataCleaner) Clean(candidates []*Candidate) ([]ml.LabeledRecord, []QualityIssue) {
	cleaned := make([]ml.LabeledRecord, 0, len(candidates))
	var issues []QualityIssue

	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	now := time.Now()
	for _, c := range candidates {
		dc.stats.TotalProcessed++

		var rowIssues []QualityIssue
		for _, rule := range dc.rules {
			if err := rule.Apply(c); err != nil {
				rowIssues = append(rowIssues, QualityIssue{
					Row:       c.Index,
					Type:      rule.Name(),
					Severity:  "medium",
					Message:   err.Error(),
					Timestamp: now,
				})
				dc.stats.Issues[rule.Name()]++
			}
		}

		if len(rowIssues) > 0 {
			dc.stats.Rejected++
			issues = append(issues, rowIssues...)
			continue
		}
		dc.stats.Passed++
		cleaned = append(cleaned, c.Record)
	}
	dc.stats.LastClean = now

	if len(issues) > 0 {
		dc.issuesLock.Lock()
		dc.issues = append(dc.issues, issues...)
		dc.issuesLock.Unlock()
	}

	dc.log.Info("cleaning finished",
		zap.Int("input", len(candidates)),
		zap.Int("kept", len(cleaned)),
		zap.Int("dropped", len(candidates)-len(cleaned)))
	return cleaned, issues
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// GetIssues returns the most recent issues, oldest first.
func (dc *DataCleaner) GetIssues(limit int) []QualityIssue {
	dc.issuesLock.RLock()
	defer dc.issuesLock.RUnlock()

	if limit <= 0 || limit > len(dc.issues) {
		limit = len(dc.issues)
	}
	issues := make([]QualityIssue, limit)
	copy(issues, dc.issues[len(dc.issues)-limit:])
	return issues
}

// ClearIssues 清空问题列表
func (dc *DataCleaner) ClearIssues() {
	dc.issuesLock.Lock()
	defer dc.issuesLock.Unlock()

	dc.issues = make([]QualityIssue, 0)
}

// CompletenessRule rejects candidates with any missing, null or unusable
// field.
type CompletenessRule struct{}

func NewCompletenessRule() *CompletenessRule {
	return &CompletenessRule{}
}

func (r *CompletenessRule) Name() string {
	return "completeness"
}

func (r *CompletenessRule) Apply(c *Candidate) error {
	if c.Complete() {
		return nil
	}
	parts := make([]string, len(c.Problems))
	for i, p := range c.Problems {
		parts[i] = p.String()
	}
	return errors.Newf("row %d is incomplete (%s)", c.Index, strings.Join(parts, ", "))
}
