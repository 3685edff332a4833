package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"spendwise/ml"
)

// Source is the training-data collaborator: a collection of flat documents.
type Source interface {
	FetchAll(ctx context.Context) ([]map[string]any, error)
}

// Problem kinds reported for a document field.
const (
	ProblemMissing    = "missing_field"
	ProblemNull       = "null_field"
	ProblemNonNumeric = "non_numeric"
	ProblemNonFinite  = "non_finite"
)

// FieldProblem describes why one field of a document could not be used.
type FieldProblem struct {
	Field string `json:"field"`
	Kind  string `json:"kind"`
}

func (p FieldProblem) String() string {
	return fmt.Sprintf("%s: %s", p.Field, p.Kind)
}

// Candidate is a document after coercion. A candidate with problems is
// incomplete and never reaches training.
type Candidate struct {
	Index    int
	Record   ml.LabeledRecord
	Problems []FieldProblem
}

// Complete reports whether every required field was usable.
func (c *Candidate) Complete() bool { return len(c.Problems) == 0 }

// DecodeRecord coerces a flat document into a LabeledRecord. Numbers and
// numeric strings are accepted; every other shape is reported as a problem
// for the field. Unknown keys are ignored.
func DecodeRecord(doc map[string]any) (ml.LabeledRecord, []FieldProblem) {
	var values [ml.FeatureCount + 1]float64
	var problems []FieldProblem
	for i, name := range ml.RequiredColumns() {
		raw, ok := doc[name]
		if !ok {
			problems = append(problems, FieldProblem{Field: name, Kind: ProblemMissing})
			continue
		}
		v, kind := coerceNumber(raw)
		if kind != "" {
			problems = append(problems, FieldProblem{Field: name, Kind: kind})
			continue
		}
		values[i] = v
	}

	features, _ := ml.RecordFromVector(values[:ml.FeatureCount])
	return ml.LabeledRecord{FeatureRecord: features, Miscellaneous: values[ml.FeatureCount]}, problems
}

// coerceNumber returns the value or the problem kind.
func coerceNumber(raw any) (float64, string) {
	var v float64
	switch x := raw.(type) {
	case nil:
		return 0, ProblemNull
	case float64:
		v = x
	case float32:
		v = float64(x)
	case int:
		v = float64(x)
	case int32:
		v = float64(x)
	case int64:
		v = float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, ProblemNonNumeric
		}
		v = f
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, ProblemNull
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, ProblemNonNumeric
		}
		v = f
	default:
		return 0, ProblemNonNumeric
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ProblemNonFinite
	}
	return v, ""
}

// IngestionStats 摄取统计
type IngestionStats struct {
	TotalDocuments int64            `json:"total_documents"`
	Incomplete     int64            `json:"incomplete"`
	Problems       map[string]int64 `json:"problems"`
	LastIngestion  time.Time        `json:"last_ingestion"`
}

// DataIngester pulls every document from a Source and coerces it.
type DataIngester struct {
	source Source
	log    *zap.Logger

	stats     IngestionStats
	statsLock sync.RWMutex
}

// NewDataIngester 创建数据摄取器
func NewDataIngester(source Source, logger *zap.Logger) *DataIngester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DataIngester{
		source: source,
		log:    logger.Named("ingestion"),
		stats: IngestionStats{
			Problems: make(map[string]int64),
		},
	}
}

// Ingest fetches and coerces all documents. Documents lacking a required
// field are kept as incomplete candidates; cleaning decides what is dropped.
func (di *DataIngester) Ingest(ctx context.Context) ([]*Candidate, error) {
	docs, err := di.source.FetchAll(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch training documents")
	}

	candidates := make([]*Candidate, 0, len(docs))
	var incomplete int64
	problemCounts := make(map[string]int64)
	for i, doc := range docs {
		rec, problems := DecodeRecord(doc)
		if len(problems) > 0 {
			incomplete++
			for _, p := range problems {
				problemCounts[p.Kind]++
			}
		}
		candidates = append(candidates, &Candidate{Index: i, Record: rec, Problems: problems})
	}

	di.statsLock.Lock()
	di.stats.TotalDocuments += int64(len(docs))
	di.stats.Incomplete += incomplete
	for k, n := range problemCounts {
		di.stats.Problems[k] += n
	}
	di.stats.LastIngestion = time.Now()
	di.statsLock.Unlock()

	di.log.Info("training documents ingested",
		zap.Int("documents", len(docs)),
		zap.Int64("incomplete", incomplete))
	return candidates, nil
}

// GetStats 获取统计信息
func (di *DataIngester) GetStats() IngestionStats {
	di.statsLock.RLock()
	defer di.statsLock.RUnlock()

	stats := di.stats
	stats.Problems = make(map[string]int64, len(di.stats.Problems))
	for k, v := range di.stats.Problems {
		stats.Problems[k] = v
	}
	return stats
}
