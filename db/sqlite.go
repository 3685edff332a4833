// Package db stores the training-document collection and the training
// journal in a local SQLite database.
package db

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Config 数据库配置
type Config struct {
	Path      string
	EnableWAL bool
}

// Store wraps the SQLite handle. All methods are safe for concurrent use.
type Store struct {
	config Config
	db     *sql.DB
	log    *zap.Logger

	closeOnce sync.Once
}

// TrainingLog is one row of the training journal.
type TrainingLog struct {
	ID                int64         `json:"id"`
	Generation        string        `json:"generation"`
	ModelName         string        `json:"model_name"`
	DataPoints        int           `json:"data_points"`
	DroppedRows       int           `json:"dropped_rows"`
	Epochs            int           `json:"epochs"`
	BestEpoch         int           `json:"best_epoch"`
	BestLoss          float64       `json:"best_loss"`
	FinalLearningRate float64       `json:"final_learning_rate"`
	StoppedEarly      bool          `json:"stopped_early"`
	Duration          time.Duration `json:"duration_ns"`
	TrainedAt         time.Time     `json:"trained_at"`
}

// QualityIssue is a data-quality finding recorded during cleaning.
type QualityIssue struct {
	Generation string    `json:"generation"`
	Row        int       `json:"row"`
	IssueType  string    `json:"issue_type"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// Open opens (creating if needed) the database at cfg.Path and applies the
// schema.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
		return nil, err
	}

	dsn := cfg.Path
	if cfg.EnableWAL {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	} else {
		dsn += "?_busy_timeout=5000"
	}

	handle, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database failed")
	}
	handle.SetMaxOpenConns(10)
	handle.SetMaxIdleConns(5)
	handle.SetConnMaxLifetime(1 * time.Hour)

	s := &Store{config: cfg, db: handle, log: logger.Named("db")}
	if err := s.createTables(); err != nil {
		handle.Close()
		return nil, errors.Wrap(err, "create tables failed")
	}
	if err := s.createIndexes(); err != nil {
		s.log.Warn("create indexes failed", zap.Error(err))
	}
	return s, nil
}

func (s *Store) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS training_data (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            body TEXT NOT NULL,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS training_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            generation TEXT NOT NULL,
            model_name TEXT NOT NULL,
            data_points INTEGER NOT NULL,
            dropped_rows INTEGER NOT NULL,
            epochs INTEGER NOT NULL,
            best_epoch INTEGER NOT NULL,
            best_loss REAL NOT NULL,
            final_learning_rate REAL NOT NULL,
            stopped_early INTEGER NOT NULL DEFAULT 0,
            duration_ns INTEGER NOT NULL,
            trained_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS data_quality (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            generation TEXT NOT NULL,
            row_index INTEGER NOT NULL,
            issue_type TEXT NOT NULL,
            severity TEXT NOT NULL,
            message TEXT,
            created_at DATETIME NOT NULL
        )`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return errors.Wrap(err, "exec query failed")
		}
	}
	return nil
}

func (s *Store) createIndexes() error {
	queries := []string{
		`CREATE INDEX IF NOT EXISTS idx_training_log_trained_at ON training_log(trained_at)`,
		`CREATE INDEX IF NOT EXISTS idx_quality_generation ON data_quality(generation)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// InsertDocuments appends flat key/value documents to the training
// collection in one transaction and returns how many were stored.
func (s *Store) InsertDocuments(ctx context.Context, docs []map[string]any) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO training_data (body) VALUES (?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for i, doc := range docs {
		body, err := json.Marshal(doc)
		if err != nil {
			return 0, errors.Wrapf(err, "encode document %d", i)
		}
		if _, err := stmt.ExecContext(ctx, string(body)); err != nil {
			return 0, errors.Wrapf(err, "insert document %d", i)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.log.Info("training documents stored", zap.Int("count", len(docs)))
	return len(docs), nil
}

// FetchAll returns every training document. Numbers are decoded as
// json.Number so that the ingestion layer sees the stored text.
func (s *Store) FetchAll(ctx context.Context) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM training_data ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]map[string]any, 0)
	for rows.Next() {
		var (
			id   int64
			body string
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(body)))
		dec.UseNumber()
		var doc map[string]any
		if err := dec.Decode(&doc); err != nil {
			// a non-object body is still a document; ingestion drops it as incomplete
			s.log.Warn("undecodable training document", zap.Int64("id", id), zap.Error(err))
			doc = map[string]any{}
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CountDocuments returns the size of the training collection.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM training_data`).Scan(&n)
	return n, err
}

// SaveTrainingLog appends a journal row and returns its id.
func (s *Store) SaveTrainingLog(ctx context.Context, entry TrainingLog) (int64, error) {
	if entry.TrainedAt.IsZero() {
		entry.TrainedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO training_log (
            generation, model_name, data_points, dropped_rows, epochs, best_epoch,
            best_loss, final_learning_rate, stopped_early, duration_ns, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Generation,
		entry.ModelName,
		entry.DataPoints,
		entry.DroppedRows,
		entry.Epochs,
		entry.BestEpoch,
		entry.BestLoss,
		entry.FinalLearningRate,
		entry.StoppedEarly,
		int64(entry.Duration),
		entry.TrainedAt.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LoadTrainingLog returns the newest journal rows first. limit <= 0 returns
// everything.
func (s *Store) LoadTrainingLog(ctx context.Context, limit int) ([]TrainingLog, error) {
	query := `
        SELECT id, generation, model_name, data_points, dropped_rows, epochs, best_epoch,
               best_loss, final_learning_rate, stopped_early, duration_ns, trained_at
        FROM training_log
        ORDER BY trained_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var (
			entry    TrainingLog
			duration int64
		)
		if err := rows.Scan(&entry.ID, &entry.Generation, &entry.ModelName, &entry.DataPoints,
			&entry.DroppedRows, &entry.Epochs, &entry.BestEpoch, &entry.BestLoss,
			&entry.FinalLearningRate, &entry.StoppedEarly, &duration, &entry.TrainedAt); err != nil {
			return nil, err
		}
		entry.Duration = time.Duration(duration)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// SaveQualityIssues records cleaning findings for a training generation.
func (s *Store) SaveQualityIssues(ctx context.Context, issues []QualityIssue) error {
	if len(issues) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO data_quality (generation, row_index, issue_type, severity, message, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, issue := range issues {
		created := issue.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx, issue.Generation, issue.Row, issue.IssueType,
			issue.Severity, issue.Message, created.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QualityIssues returns the findings recorded for generation.
func (s *Store) QualityIssues(ctx context.Context, generation string) ([]QualityIssue, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT generation, row_index, issue_type, severity, message, created_at
        FROM data_quality
        WHERE generation = ?
        ORDER BY row_index, id`, generation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	issues := make([]QualityIssue, 0)
	for rows.Next() {
		var (
			issue   QualityIssue
			message sql.NullString
		)
		if err := rows.Scan(&issue.Generation, &issue.Row, &issue.IssueType, &issue.Severity,
			&message, &issue.CreatedAt); err != nil {
			return nil, err
		}
		issue.Message = message.String
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
