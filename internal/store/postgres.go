package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/nordsight/rapport-cli/internal/db"
	"github.com/nordsight/rapport-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()

	// Serializes SavePeriodAtomic within this process so two workers never
	// interleave delete+insert for the same (company, quarter, year).
	mu sync.Mutex
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"upsert_company": `INSERT INTO companies (name, slug, created_at) VALUES ($1, $2, $3)
	                   ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name
	                   RETURNING id, name, slug, created_at`,
	"find_period": `SELECT id, company_id, quarter, year, source_file, pdf_hash, currency, language, meta, created_at
	                FROM periods WHERE company_id = $1 AND quarter = $2 AND year = $3`,
	"list_periods": `SELECT id, company_id, quarter, year, source_file, pdf_hash, currency, language, meta, created_at
	                 FROM periods WHERE company_id = $1 ORDER BY year, quarter`,
	"persisted_hashes": `SELECT pdf_hash FROM periods WHERE company_id = $1`,
	"sections_pending": `SELECT id, period_id, section_id, title, section_type, source_page, content
	                     FROM sections WHERE embedding IS NULL ORDER BY id LIMIT $1`,
	"update_embedding": `UPDATE sections SET embedding = $1, embedding_model = $2, embedded_at = $3 WHERE id = $4`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	slug       TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS periods (
	id          BIGSERIAL PRIMARY KEY,
	company_id  BIGINT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	quarter     INTEGER NOT NULL CHECK (quarter BETWEEN 1 AND 4),
	year        INTEGER NOT NULL CHECK (year BETWEEN 2000 AND 2100),
	source_file TEXT NOT NULL,
	pdf_hash    TEXT NOT NULL,
	currency    TEXT NOT NULL DEFAULT '',
	language    TEXT NOT NULL DEFAULT '',
	meta        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (company_id, quarter, year)
);

CREATE TABLE IF NOT EXISTS report_tables (
	id          BIGSERIAL PRIMARY KEY,
	period_id   BIGINT NOT NULL REFERENCES periods(id) ON DELETE CASCADE,
	table_id    TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	table_type  TEXT NOT NULL DEFAULT 'other',
	source_page INTEGER NOT NULL DEFAULT 0,
	columns     JSONB NOT NULL,
	rows        JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS sections (
	id              BIGSERIAL PRIMARY KEY,
	period_id       BIGINT NOT NULL REFERENCES periods(id) ON DELETE CASCADE,
	section_id      TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	section_type    TEXT NOT NULL DEFAULT '',
	source_page     INTEGER NOT NULL DEFAULT 0,
	content         TEXT NOT NULL,
	embedding       JSONB,
	embedding_model TEXT,
	embedded_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS charts (
	id          BIGSERIAL PRIMARY KEY,
	period_id   BIGINT NOT NULL REFERENCES periods(id) ON DELETE CASCADE,
	chart_id    TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	chart_type  TEXT NOT NULL DEFAULT '',
	source_page INTEGER NOT NULL DEFAULT 0,
	x_axis      TEXT NOT NULL DEFAULT '',
	y_axis      TEXT NOT NULL DEFAULT '',
	data_points JSONB
);

CREATE INDEX IF NOT EXISTS idx_periods_company ON periods(company_id);
CREATE INDEX IF NOT EXISTS idx_periods_pdf_hash ON periods(pdf_hash);
CREATE INDEX IF NOT EXISTS idx_report_tables_period ON report_tables(period_id);
CREATE INDEX IF NOT EXISTS idx_sections_period ON sections(period_id);
CREATE INDEX IF NOT EXISTS idx_sections_pending ON sections(id) WHERE embedding IS NULL;
CREATE INDEX IF NOT EXISTS idx_charts_period ON charts(period_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertCompany(ctx context.Context, name string) (*model.Company, error) {
	var c model.Company
	err := s.pool.QueryRow(ctx,
		`INSERT INTO companies (name, slug, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, name, slug, created_at`,
		name, model.Slugify(name), time.Now().UTC(),
	).Scan(&c.ID, &c.Name, &c.Slug, &c.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert company %s", name)
	}
	return &c, nil
}

func (s *PostgresStore) FindPeriod(ctx context.Context, companyID int64, quarter, year int) (*model.Period, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, company_id, quarter, year, source_file, pdf_hash, currency, language, meta, created_at
		 FROM periods WHERE company_id = $1 AND quarter = $2 AND year = $3`,
		companyID, quarter, year,
	)
	p, err := scanPeriod(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: find period Q%d %d", quarter, year)
	}
	return p, nil
}

func scanPeriod(row pgx.Row) (*model.Period, error) {
	var p model.Period
	var metaJSON []byte
	if err := row.Scan(&p.ID, &p.CompanyID, &p.Quarter, &p.Year, &p.SourceFile,
		&p.PDFHash, &p.Currency, &p.Language, &metaJSON, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metaJSON, &p.Meta); err != nil {
		return nil, eris.Wrap(err, "unmarshal meta")
	}
	return &p, nil
}

// SavePeriodAtomic replaces any existing period for the same company and
// quarter in one transaction: delete the old period (children cascade),
// insert the new period row, COPY the children. Either everything lands or
// nothing does, so a period can never exist with a partial child set.
func (s *PostgresStore) SavePeriodAtomic(ctx context.Context, companyID int64, payload *model.PeriodPayload, pdfHash, sourceFile string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaJSON, err := json.Marshal(payload.Meta)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: marshal meta")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin save period")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM periods WHERE company_id = $1 AND quarter = $2 AND year = $3`,
		companyID, payload.Quarter, payload.Year,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: delete prior period")
	}

	var periodID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO periods (company_id, quarter, year, source_file, pdf_hash, currency, language, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		companyID, payload.Quarter, payload.Year, sourceFile, pdfHash,
		payload.Currency, string(payload.Language), metaJSON, time.Now().UTC(),
	).Scan(&periodID)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert period")
	}

	tableRows := make([][]any, 0, len(payload.Tables))
	for _, t := range payload.Tables {
		columnsJSON, err := json.Marshal(t.Columns)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal columns %s", t.TableID)
		}
		rowsJSON, err := json.Marshal(t.Rows)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal rows %s", t.TableID)
		}
		tableRows = append(tableRows, []any{
			periodID, t.TableID, t.Title, string(t.Type), t.SourcePage,
			string(columnsJSON), string(rowsJSON),
		})
	}
	if _, err := db.CopyFrom(ctx, tx, "report_tables",
		[]string{"period_id", "table_id", "title", "table_type", "source_page", "columns", "rows"},
		tableRows,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: copy tables")
	}

	sectionRows := make([][]any, 0, len(payload.Sections))
	for _, sec := range payload.Sections {
		sectionRows = append(sectionRows, []any{
			periodID, sec.SectionID, sec.Title, sec.Type, sec.SourcePage, sec.Content,
		})
	}
	if _, err := db.CopyFrom(ctx, tx, "sections",
		[]string{"period_id", "section_id", "title", "section_type", "source_page", "content"},
		sectionRows,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: copy sections")
	}

	chartRows := make([][]any, 0, len(payload.Charts))
	for _, ch := range payload.Charts {
		pointsJSON, err := json.Marshal(ch.DataPoints)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal data points %s", ch.ChartID)
		}
		chartRows = append(chartRows, []any{
			periodID, ch.ChartID, ch.Title, ch.Type, ch.SourcePage,
			ch.XAxis, ch.YAxis, string(pointsJSON),
		})
	}
	if _, err := db.CopyFrom(ctx, tx, "charts",
		[]string{"period_id", "chart_id", "title", "chart_type", "source_page", "x_axis", "y_axis", "data_points"},
		chartRows,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: copy charts")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit save period")
	}
	return periodID, nil
}

func (s *PostgresStore) LoadPeriod(ctx context.Context, periodID int64) (*model.PeriodPayload, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, company_id, quarter, year, source_file, pdf_hash, currency, language, meta, created_at
		 FROM periods WHERE id = $1`,
		periodID,
	)
	p, err := scanPeriod(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load period %d", periodID)
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

func (s *PostgresStore) loadTables(ctx context.Context, periodID int64) ([]model.ReportTable, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT table_id, title, table_type, source_page, columns, rows
		 FROM report_tables WHERE period_id = $1 ORDER BY id`,
		periodID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load tables")
	}
	defer rows.Close()

	var tables []model.ReportTable
	for rows.Next() {
		var t model.ReportTable
		var columnsJSON, rowsJSON []byte
		if err := rows.Scan(&t.TableID, &t.Title, &t.Type, &t.SourcePage, &columnsJSON, &rowsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan table")
		}
		if err := json.Unmarshal(columnsJSON, &t.Columns); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal columns %s", t.TableID)
		}
		if err := json.Unmarshal(rowsJSON, &t.Rows); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal rows %s", t.TableID)
		}
		tables = append(tables, t)
	}
	return tables, eris.Wrap(rows.Err(), "postgres: load tables iterate")
}

func (s *PostgresStore) loadSections(ctx context.Context, periodID int64) ([]model.Section, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT section_id, title, section_type, source_page, content, embedding
		 FROM sections WHERE period_id = $1 ORDER BY id`,
		periodID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load sections")
	}
	defer rows.Close()

	var sections []model.Section
	for rows.Next() {
		var sec model.Section
		var embeddingJSON []byte
		if err := rows.Scan(&sec.SectionID, &sec.Title, &sec.Type, &sec.SourcePage, &sec.Content, &embeddingJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan section")
		}
		if len(embeddingJSON) > 0 {
			if err := json.Unmarshal(embeddingJSON, &sec.Embedding); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal embedding %s", sec.SectionID)
			}
		}
		sections = append(sections, sec)
	}
	return sections, eris.Wrap(rows.Err(), "postgres: load sections iterate")
}

func (s *PostgresStore) loadCharts(ctx context.Context, periodID int64) ([]model.Chart, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chart_id, title, chart_type, source_page, x_axis, y_axis, data_points
		 FROM charts WHERE period_id = $1 ORDER BY id`,
		periodID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load charts")
	}
	defer rows.Close()

	var charts []model.Chart
	for rows.Next() {
		var ch model.Chart
		var pointsJSON []byte
		if err := rows.Scan(&ch.ChartID, &ch.Title, &ch.Type, &ch.SourcePage, &ch.XAxis, &ch.YAxis, &pointsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan chart")
		}
		if len(pointsJSON) > 0 {
			if err := json.Unmarshal(pointsJSON, &ch.DataPoints); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal data points %s", ch.ChartID)
			}
		}
		charts = append(charts, ch)
	}
	return charts, eris.Wrap(rows.Err(), "postgres: load charts iterate")
}

func (s *PostgresStore) ListPeriods(ctx context.Context, companyID int64) ([]model.Period, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, company_id, quarter, year, source_file, pdf_hash, currency, language, meta, created_at
		 FROM periods WHERE company_id = $1 ORDER BY year, quarter`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list periods")
	}
	defer rows.Close()

	var periods []model.Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan period")
		}
		periods = append(periods, *p)
	}
	return periods, eris.Wrap(rows.Err(), "postgres: list periods iterate")
}

// CountChildrenBatch issues one bulk query per child kind rather than three
// queries per period.
func (s *PostgresStore) CountChildrenBatch(ctx context.Context, periodIDs []int64) (map[int64]ChildCounts, error) {
	counts := make(map[int64]ChildCounts, len(periodIDs))
	if len(periodIDs) == 0 {
		return counts, nil
	}

	for _, kind := range []struct {
		table  string
		assign func(c *ChildCounts, n int)
	}{
		{"report_tables", func(c *ChildCounts, n int) { c.Tables = n }},
		{"sections", func(c *ChildCounts, n int) { c.Sections = n }},
		{"charts", func(c *ChildCounts, n int) { c.Charts = n }},
	} {
		rows, err := s.pool.Query(ctx,
			`SELECT period_id, COUNT(*) FROM `+kind.table+` WHERE period_id = ANY($1) GROUP BY period_id`,
			periodIDs,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: count %s", kind.table)
		}
		for rows.Next() {
			var periodID int64
			var n int
			if err := rows.Scan(&periodID, &n); err != nil {
				rows.Close()
				return nil, eris.Wrapf(err, "postgres: scan %s count", kind.table)
			}
			c := counts[periodID]
			kind.assign(&c, n)
			counts[periodID] = c
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, eris.Wrapf(err, "postgres: count %s iterate", kind.table)
		}
	}
	return counts, nil
}

func (s *PostgresStore) PersistedHashes(ctx context.Context, companyID int64) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pdf_hash FROM periods WHERE company_id = $1`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: persisted hashes")
	}
	defer rows.Close()

	hashes := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, eris.Wrap(err, "postgres: scan hash")
		}
		hashes[h] = true
	}
	return hashes, eris.Wrap(rows.Err(), "postgres: persisted hashes iterate")
}

func (s *PostgresStore) EmbeddingStats(ctx context.Context, companyID int64) (*EmbeddingStats, error) {
	var stats EmbeddingStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(s.embedding), COALESCE(MAX(s.embedding_model), '')
		 FROM sections s JOIN periods p ON p.id = s.period_id
		 WHERE p.company_id = $1`,
		companyID,
	).Scan(&stats.Total, &stats.Embedded, &stats.Model)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: embedding stats")
	}
	return &stats, nil
}

func (s *PostgresStore) SectionsWithoutEmbedding(ctx context.Context, limit int) ([]PendingSection, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, period_id, section_id, title, section_type, source_page, content
		 FROM sections WHERE embedding IS NULL ORDER BY id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: sections without embedding")
	}
	defer rows.Close()

	var pending []PendingSection
	for rows.Next() {
		var ps PendingSection
		if err := rows.Scan(&ps.RowID, &ps.PeriodID, &ps.Section.SectionID,
			&ps.Section.Title, &ps.Section.Type, &ps.Section.SourcePage, &ps.Section.Content); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending section")
		}
		pending = append(pending, ps)
	}
	return pending, eris.Wrap(rows.Err(), "postgres: sections without embedding iterate")
}

func (s *PostgresStore) UpdateSectionEmbedding(ctx context.Context, rowID int64, vector []float32, embeddingModel string) error {
	if len(vector) != model.EmbeddingDims {
		return eris.Errorf("postgres: embedding has %d dims, want %d", len(vector), model.EmbeddingDims)
	}
	vectorJSON, err := json.Marshal(vector)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal embedding")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sections SET embedding = $1, embedding_model = $2, embedded_at = $3 WHERE id = $4`,
		vectorJSON, embeddingModel, time.Now().UTC(), rowID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update embedding %d", rowID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("section not found: %d", rowID)
	}
	return nil
}
