package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/nordsight/rapport-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLite opens a SQLite database at the given path. Pragmas ride on the
// DSN so every pooled connection gets them; foreign keys in particular must
// be on for whichever connection runs the replace transaction, or deleted
// periods would leave orphan child rows behind.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = "rapport.db"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+
		"_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Every in-memory connection is its own empty database.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id         INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	slug       TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS periods (
	id          INTEGER PRIMARY KEY,
	company_id  INTEGER NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	quarter     INTEGER NOT NULL CHECK (quarter BETWEEN 1 AND 4),
	year        INTEGER NOT NULL CHECK (year BETWEEN 2000 AND 2100),
	source_file TEXT NOT NULL,
	pdf_hash    TEXT NOT NULL,
	currency    TEXT NOT NULL DEFAULT '',
	language    TEXT NOT NULL DEFAULT '',
	meta        TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (company_id, quarter, year)
);

CREATE TABLE IF NOT EXISTS report_tables (
	id          INTEGER PRIMARY KEY,
	period_id   INTEGER NOT NULL REFERENCES periods(id) ON DELETE CASCADE,
	table_id    TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	table_type  TEXT NOT NULL DEFAULT 'other',
	source_page INTEGER NOT NULL DEFAULT 0,
	columns     TEXT NOT NULL,
	rows        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sections (
	id              INTEGER PRIMARY KEY,
	period_id       INTEGER NOT NULL REFERENCES periods(id) ON DELETE CASCADE,
	section_id      TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	section_type    TEXT NOT NULL DEFAULT '',
	source_page     INTEGER NOT NULL DEFAULT 0,
	content         TEXT NOT NULL,
	embedding       TEXT,
	embedding_model TEXT,
	embedded_at     DATETIME
);

CREATE TABLE IF NOT EXISTS charts (
	id          INTEGER PRIMARY KEY,
	period_id   INTEGER NOT NULL REFERENCES periods(id) ON DELETE CASCADE,
	chart_id    TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	chart_type  TEXT NOT NULL DEFAULT '',
	source_page INTEGER NOT NULL DEFAULT 0,
	x_axis      TEXT NOT NULL DEFAULT '',
	y_axis      TEXT NOT NULL DEFAULT '',
	data_points TEXT
);

CREATE INDEX IF NOT EXISTS idx_periods_company ON periods(company_id);
CREATE INDEX IF NOT EXISTS idx_periods_pdf_hash ON periods(pdf_hash);
CREATE INDEX IF NOT EXISTS idx_report_tables_period ON report_tables(period_id);
CREATE INDEX IF NOT EXISTS idx_sections_period ON sections(period_id);
CREATE INDEX IF NOT EXISTS idx_charts_period ON charts(period_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertCompany(ctx context.Context, name string) (*model.Company, error) {
	var c model.Company
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO companies (name, slug, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (slug) DO UPDATE SET name = excluded.name
		 RETURNING id, name, slug, created_at`,
		name, model.Slugify(name), time.Now().UTC(),
	).Scan(&c.ID, &c.Name, &c.Slug, &c.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert company %s", name)
	}
	return &c, nil
}

// sqlRow is satisfied by both *sql.Row and *sql.Rows.
type sqlRow interface {
	Scan(dest ...any) error
}

func scanPeriodSQL(row sqlRow) (*model.Period, error) {
	var p model.Period
	var metaJSON string
	if err := row.Scan(&p.ID, &p.CompanyID, &p.Quarter, &p.Year, &p.SourceFile,
		&p.PDFHash, &p.Currency, &p.Language, &metaJSON, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &p.Meta); err != nil {
		return nil, eris.Wrap(err, "unmarshal meta")
	}
	return &p, nil
}

func (s *SQLiteStore) FindPeriod(ctx context.Context, companyID int64, quarter, year int) (*model.Period, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, quarter, year, source_file, pdf_hash, currency, language, meta, created_at
		 FROM periods WHERE company_id = ? AND quarter = ? AND year = ?`,
		companyID, quarter, year,
	)
	p, err := scanPeriodSQL(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: find period Q%d %d", quarter, year)
	}
	return p, nil
}

func (s *SQLiteStore) SavePeriodAtomic(ctx context.Context, companyID int64, payload *model.PeriodPayload, pdfHash, sourceFile string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaJSON, err := json.Marshal(payload.Meta)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: marshal meta")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin save period")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM periods WHERE company_id = ? AND quarter = ? AND year = ?`,
		companyID, payload.Quarter, payload.Year,
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: delete prior period")
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO periods (company_id, quarter, year, source_file, pdf_hash, currency, language, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		companyID, payload.Quarter, payload.Year, sourceFile, pdfHash,
		payload.Currency, string(payload.Language), string(metaJSON), time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert period")
	}
	periodID, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: period id")
	}

	for _, t := range payload.Tables {
		columnsJSON, err := json.Marshal(t.Columns)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: marshal columns %s", t.TableID)
		}
		rowsJSON, err := json.Marshal(t.Rows)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: marshal rows %s", t.TableID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO report_tables (period_id, table_id, title, table_type, source_page, columns, rows)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			periodID, t.TableID, t.Title, string(t.Type), t.SourcePage,
			string(columnsJSON), string(rowsJSON),
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert table %s", t.TableID)
		}
	}

	for _, sec := range payload.Sections {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sections (period_id, section_id, title, section_type, source_page, content)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			periodID, sec.SectionID, sec.Title, sec.Type, sec.SourcePage, sec.Content,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert section %s", sec.SectionID)
		}
	}

	for _, ch := range payload.Charts {
		pointsJSON, err := json.Marshal(ch.DataPoints)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: marshal data points %s", ch.ChartID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO charts (period_id, chart_id, title, chart_type, source_page, x_axis, y_axis, data_points)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			periodID, ch.ChartID, ch.Title, ch.Type, ch.SourcePage,
			ch.XAxis, ch.YAxis, string(pointsJSON),
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert chart %s", ch.ChartID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit save period")
	}
	return periodID, nil
}

func (s *SQLiteStore) LoadPeriod(ctx context.Context, periodID int64) (*model.PeriodPayload, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, quarter, year, source_file, pdf_hash, currency, language, meta, created_at
		 FROM periods WHERE id = ?`,
		periodID,
	)
	p, err := scanPeriodSQL(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load period %d", periodID)
	}

	payload := &model.PeriodPayload{
		Quarter:  p.Quarter,
		Year:     p.Year,
		Currency: p.Currency,
		Language: p.Language,
		Meta:     p.Meta,
	}

	if payload.Tables, err = s.loadTables(ctx, periodID); err != nil {
		return nil, err
	}
	if payload.Sections, err = s.loadSections(ctx, periodID); err != nil {
		return nil, err
	}
	if payload.Charts, err = s.loadCharts(ctx, periodID); err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *SQLiteStore) loadTables(ctx context.Context, periodID int64) ([]model.ReportTable, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_id, title, table_type, source_page, columns, rows
		 FROM report_tables WHERE period_id = ? ORDER BY id`,
		periodID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load tables")
	}
	defer rows.Close()

	var tables []model.ReportTable
	for rows.Next() {
		var t model.ReportTable
		var columnsJSON, rowsJSON string
		if err := rows.Scan(&t.TableID, &t.Title, &t.Type, &t.SourcePage, &columnsJSON, &rowsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan table")
		}
		if err := json.Unmarshal([]byte(columnsJSON), &t.Columns); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal columns %s", t.TableID)
		}
		if err := json.Unmarshal([]byte(rowsJSON), &t.Rows); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal rows %s", t.TableID)
		}
		tables = append(tables, t)
	}
	return tables, eris.Wrap(rows.Err(), "sqlite: load tables iterate")
}

func (s *SQLiteStore) loadSections(ctx context.Context, periodID int64) ([]model.Section, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT section_id, title, section_type, source_page, content, embedding
		 FROM sections WHERE period_id = ? ORDER BY id`,
		periodID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load sections")
	}
	defer rows.Close()

	var sections []model.Section
	for rows.Next() {
		var sec model.Section
		var embeddingJSON sql.NullString
		if err := rows.Scan(&sec.SectionID, &sec.Title, &sec.Type, &sec.SourcePage, &sec.Content, &embeddingJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan section")
		}
		if embeddingJSON.Valid && embeddingJSON.String != "" {
			if err := json.Unmarshal([]byte(embeddingJSON.String), &sec.Embedding); err != nil {
				return nil, eris.Wrapf(err, "sqlite: unmarshal embedding %s", sec.SectionID)
			}
		}
		sections = append(sections, sec)
	}
	return sections, eris.Wrap(rows.Err(), "sqlite: load sections iterate")
}

func (s *SQLiteStore) loadCharts(ctx context.Context, periodID int64) ([]model.Chart, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chart_id, title, chart_type, source_page, x_axis, y_axis, data_points
		 FROM charts WHERE period_id = ? ORDER BY id`,
		periodID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load charts")
	}
	defer rows.Close()

	var charts []model.Chart
	for rows.Next() {
		var ch model.Chart
		var pointsJSON sql.NullString
		if err := rows.Scan(&ch.ChartID, &ch.Title, &ch.Type, &ch.SourcePage, &ch.XAxis, &ch.YAxis, &pointsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chart")
		}
		if pointsJSON.Valid && pointsJSON.String != "" {
			if err := json.Unmarshal([]byte(pointsJSON.String), &ch.DataPoints); err != nil {
				return nil, eris.Wrapf(err, "sqlite: unmarshal data points %s", ch.ChartID)
			}
		}
		charts = append(charts, ch)
	}
	return charts, eris.Wrap(rows.Err(), "sqlite: load charts iterate")
}

func (s *SQLiteStore) ListPeriods(ctx context.Context, companyID int64) ([]model.Period, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company_id, quarter, year, source_file, pdf_hash, currency, language, meta, created_at
		 FROM periods WHERE company_id = ? ORDER BY year, quarter`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list periods")
	}
	defer rows.Close()

	var periods []model.Period
	for rows.Next() {
		p, err := scanPeriodSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan period")
		}
		periods = append(periods, *p)
	}
	return periods, eris.Wrap(rows.Err(), "sqlite: list periods iterate")
}

func (s *SQLiteStore) CountChildrenBatch(ctx context.Context, periodIDs []int64) (map[int64]ChildCounts, error) {
	counts := make(map[int64]ChildCounts, len(periodIDs))
	if len(periodIDs) == 0 {
		return counts, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(periodIDs)), ",")
	args := make([]any, len(periodIDs))
	for i, id := range periodIDs {
		args[i] = id
	}

	for _, kind := range []struct {
		table  string
		assign func(c *ChildCounts, n int)
	}{
		{"report_tables", func(c *ChildCounts, n int) { c.Tables = n }},
		{"sections", func(c *ChildCounts, n int) { c.Sections = n }},
		{"charts", func(c *ChildCounts, n int) { c.Charts = n }},
	} {
		rows, err := s.db.QueryContext(ctx,
			`SELECT period_id, COUNT(*) FROM `+kind.table+` WHERE period_id IN (`+placeholders+`) GROUP BY period_id`,
			args...,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: count %s", kind.table)
		}
		for rows.Next() {
			var periodID int64
			var n int
			if err := rows.Scan(&periodID, &n); err != nil {
				rows.Close()
				return nil, eris.Wrapf(err, "sqlite: scan %s count", kind.table)
			}
			c := counts[periodID]
			kind.assign(&c, n)
			counts[periodID] = c
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, eris.Wrapf(err, "sqlite: count %s iterate", kind.table)
		}
	}
	return counts, nil
}

func (s *SQLiteStore) PersistedHashes(ctx context.Context, companyID int64) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pdf_hash FROM periods WHERE company_id = ?`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: persisted hashes")
	}
	defer rows.Close()

	hashes := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan hash")
		}
		hashes[h] = true
	}
	return hashes, eris.Wrap(rows.Err(), "sqlite: persisted hashes iterate")
}

func (s *SQLiteStore) EmbeddingStats(ctx context.Context, companyID int64) (*EmbeddingStats, error) {
	var stats EmbeddingStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(s.embedding), COALESCE(MAX(s.embedding_model), '')
		 FROM sections s JOIN periods p ON p.id = s.period_id
		 WHERE p.company_id = ?`,
		companyID,
	).Scan(&stats.Total, &stats.Embedded, &stats.Model)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: embedding stats")
	}
	return &stats, nil
}

func (s *SQLiteStore) SectionsWithoutEmbedding(ctx context.Context, limit int) ([]PendingSection, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, period_id, section_id, title, section_type, source_page, content
		 FROM sections WHERE embedding IS NULL ORDER BY id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: sections without embedding")
	}
	defer rows.Close()

	var pending []PendingSection
	for rows.Next() {
		var ps PendingSection
		if err := rows.Scan(&ps.RowID, &ps.PeriodID, &ps.Section.SectionID,
			&ps.Section.Title, &ps.Section.Type, &ps.Section.SourcePage, &ps.Section.Content); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending section")
		}
		pending = append(pending, ps)
	}
	return pending, eris.Wrap(rows.Err(), "sqlite: sections without embedding iterate")
}

func (s *SQLiteStore) UpdateSectionEmbedding(ctx context.Context, rowID int64, vector []float32, embeddingModel string) error {
	if len(vector) != model.EmbeddingDims {
		return eris.Errorf("sqlite: embedding has %d dims, want %d", len(vector), model.EmbeddingDims)
	}
	vectorJSON, err := json.Marshal(vector)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal embedding")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sections SET embedding = ?, embedding_model = ?, embedded_at = ? WHERE id = ?`,
		string(vectorJSON), embeddingModel, time.Now().UTC(), rowID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update embedding %d", rowID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("section not found: %d", rowID)
	}
	return nil
}
