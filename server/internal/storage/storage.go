// Package storage provides durable persistence for articles, news sources,
// browsing history, and LLM analysis records over an embedded DuckDB
// database. The database may live on disk or entirely in memory.
//
// Connection Source:
//   - Opens the path given to Open; ":memory:" (or the empty string) runs
//     against an in-memory database that vanishes with the process.
//
// Migration Strategy:
//   - On first creation, runs the full DDL.
//   - On every open, re-attempts additive ALTER TABLE statements for the
//     news_sources status columns; "already exists" errors are swallowed.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // DuckDB driver

	"github.com/newsworkbench/engine/server/internal/models"
)

// InMemoryPath is the literal marker selecting an in-memory database.
const InMemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS articles (
	id BIGINT PRIMARY KEY,
	link TEXT NOT NULL UNIQUE,
	title TEXT,
	content TEXT,
	summary TEXT,
	source_name TEXT,
	source_url TEXT,
	category_name TEXT,
	publish_time TIMESTAMP,
	retrieval_time TIMESTAMP,
	image_url TEXT,
	is_read BOOLEAN DEFAULT false,
	llm_summary TEXT
);

CREATE SEQUENCE IF NOT EXISTS articles_id_seq START 1;

CREATE TABLE IF NOT EXISTS news_sources (
	id BIGINT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	url TEXT,
	category_name TEXT DEFAULT '未分类',
	is_enabled BOOLEAN DEFAULT true,
	is_user_added BOOLEAN DEFAULT true,
	custom_config TEXT,
	notes TEXT,
	last_checked_time TIMESTAMP
);

CREATE SEQUENCE IF NOT EXISTS news_sources_id_seq START 1;

CREATE TABLE IF NOT EXISTS browsing_history (
	id BIGINT PRIMARY KEY,
	article_id BIGINT NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
	view_time TIMESTAMP
);

CREATE SEQUENCE IF NOT EXISTS browsing_history_id_seq START 1;

CREATE TABLE IF NOT EXISTS llm_analyses (
	id BIGINT PRIMARY KEY,
	analysis_timestamp TIMESTAMP,
	analysis_type TEXT,
	analysis_result_text TEXT,
	meta_news_count INTEGER,
	meta_news_titles TEXT,
	meta_news_sources TEXT,
	meta_categories TEXT,
	meta_groups TEXT,
	meta_article_ids TEXT,
	meta_analysis_params TEXT,
	meta_error_info TEXT
);

CREATE SEQUENCE IF NOT EXISTS llm_analyses_id_seq START 1;

CREATE TABLE IF NOT EXISTS article_analysis_mappings (
	article_id BIGINT NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
	analysis_id BIGINT NOT NULL REFERENCES llm_analyses(id) ON DELETE CASCADE,
	PRIMARY KEY (article_id, analysis_id)
);
`

// additiveSourceColumns are attempted on every open, per spec §4.1/§6.1.
var additiveSourceColumns = []string{
	"ALTER TABLE news_sources ADD COLUMN status TEXT DEFAULT 'unknown'",
	"ALTER TABLE news_sources ADD COLUMN last_error TEXT",
	"ALTER TABLE news_sources ADD COLUMN consecutive_error_count INTEGER DEFAULT 0",
}

// Storage owns one DuckDB connection and serializes mutating operations
// behind mu. Reads are issued without holding the lock, relying on the
// backing store's own snapshot semantics.
type Storage struct {
	db         *sql.DB
	mu         sync.Mutex
	wasCreated bool
	log        *log.Logger
}

// Open connects to the database at path (or an in-memory database when
// path is "" or InMemoryPath), running the DDL on first creation and
// additive migrations on every open.
func Open(path string) (*Storage, error) {
	logger := log.New(os.Stderr, "[storage] ", log.LstdFlags)

	isMemory := path == "" || path == InMemoryPath
	wasCreated := isMemory
	if !isMemory {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			wasCreated = true
		}
	}

	dsn := path
	if isMemory {
		dsn = InMemoryPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connecting to duckdb database: %w", err)
	}

	s := &Storage{db: db, wasCreated: wasCreated, log: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

// WasDBJustCreated reports whether Open created a new database file (or a
// fresh in-memory database) rather than attaching to an existing one.
func (s *Storage) WasDBJustCreated() bool { return s.wasCreated }

// Close releases the underlying connection.
func (s *Storage) Close() error { return s.db.Close() }

func (s *Storage) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing base schema: %w", err)
	}
	for _, stmt := range additiveSourceColumns {
		if _, err := s.db.Exec(stmt); err != nil {
			if isDuplicateColumnErr(err) {
				s.log.Printf("debug: additive column already present: %v", err)
				continue
			}
			return fmt.Errorf("additive migration %q: %w", stmt, err)
		}
	}
	return nil
}

// isDuplicateColumnErr matches DuckDB's "column already exists" phrasing so
// repeated additive migrations are silently tolerated, mirroring the
// original SQLite `"duplicate column name"` swallow.
func isDuplicateColumnErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column")
}

// ============================================================================
// ARTICLES
// ============================================================================

// UpsertArticle inserts a or updates the existing row with matching link,
// returning the row's id. The link must be non-empty.
func (s *Storage) UpsertArticle(a models.Article) (*int64, error) {
	if strings.TrimSpace(a.Link) == "" {
		return nil, fmt.Errorf("upsert article: link must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var existingID int64
	err := s.db.QueryRow(`SELECT id FROM articles WHERE link = ?`, a.Link).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		id, genErr := s.nextID("articles_id_seq")
		if genErr != nil {
			return nil, genErr
		}
		_, err = s.db.Exec(`
			INSERT INTO articles (id, link, title, content, summary, source_name, source_url,
				category_name, publish_time, retrieval_time, image_url, is_read, llm_summary)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, a.Link, a.Title, a.Content, a.Summary, a.SourceName, a.SourceURL,
			a.CategoryName, toSQLTime(a.PublishTime), now, a.ImageURL, a.IsRead, a.LLMSummary)
		if err != nil {
			return nil, fmt.Errorf("inserting article: %w", err)
		}
		return &id, nil
	case err != nil:
		return nil, fmt.Errorf("checking existing article: %w", err)
	default:
		_, err = s.db.Exec(`
			UPDATE articles SET title=?, content=?, summary=?, source_name=?, source_url=?,
				category_name=?, publish_time=?, retrieval_time=?, image_url=?, llm_summary=?
			WHERE id=?`,
			a.Title, a.Content, a.Summary, a.SourceName, a.SourceURL,
			a.CategoryName, toSQLTime(a.PublishTime), now, a.ImageURL, a.LLMSummary, existingID)
		if err != nil {
			return nil, fmt.Errorf("updating article: %w", err)
		}
		return &existingID, nil
	}
}

// UpsertArticlesBatch applies UpsertArticle to each item with a link,
// skipping items without one, and returns the number of rows affected.
func (s *Storage) UpsertArticlesBatch(articles []models.Article) (int, error) {
	count := 0
	for _, a := range articles {
		if strings.TrimSpace(a.Link) == "" {
			continue
		}
		if _, err := s.UpsertArticle(a); err != nil {
			return count, fmt.Errorf("batch upsert failed after %d rows: %w", count, err)
		}
		count++
	}
	return count, nil
}

func (s *Storage) scanArticle(row interface{ Scan(...any) error }) (*models.Article, error) {
	var a models.Article
	var publishTime, retrievalTime sql.NullTime
	err := row.Scan(&a.ID, &a.Link, &a.Title, &a.Content, &a.Summary, &a.SourceName,
		&a.SourceURL, &a.CategoryName, &publishTime, &retrievalTime, &a.ImageURL, &a.IsRead, &a.LLMSummary)
	if err != nil {
		return nil, err
	}
	if publishTime.Valid {
		t := publishTime.Time
		a.PublishTime = &t
	}
	if retrievalTime.Valid {
		t := retrievalTime.Time
		a.RetrievalTime = &t
	}
	return &a, nil
}

const articleColumns = `id, link, title, content, summary, source_name, source_url, category_name, publish_time, retrieval_time, image_url, is_read, llm_summary`

// GetArticleByID returns nil if no article has the given id.
func (s *Storage) GetArticleByID(id int64) (*models.Article, error) {
	row := s.db.QueryRow(`SELECT `+articleColumns+` FROM articles WHERE id = ?`, id)
	a, err := s.scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get article by id: %w", err)
	}
	return a, nil
}

// GetArticleByLink returns nil if no article has the given link.
func (s *Storage) GetArticleByLink(link string) (*models.Article, error) {
	row := s.db.QueryRow(`SELECT `+articleColumns+` FROM articles WHERE link = ?`, link)
	a, err := s.scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get article by link: %w", err)
	}
	return a, nil
}

// GetArticlesByLinks returns the articles matching any of links; ordering
// is not guaranteed.
func (s *Storage) GetArticlesByLinks(links []string) ([]models.Article, error) {
	if len(links) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(links))
	args := make([]any, len(links))
	for i, l := range links {
		placeholders[i] = "?"
		args[i] = l
	}
	query := fmt.Sprintf(`SELECT %s FROM articles WHERE link IN (%s)`, articleColumns, strings.Join(placeholders, ","))
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, nil
	}
	defer rows.Close()
	var out []models.Article
	for rows.Next() {
		a, err := s.scanArticle(rows)
		if err != nil {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

// articleSortWhitelist is the whitelist of columns get_all_articles may
// sort by; any other value falls back to publish_time.
var articleSortWhitelist = map[string]bool{
	"publish_time": true, "retrieval_time": true, "title": true,
	"source_name": true, "category_name": true, "id": true,
}

// searchFieldWhitelist bounds which columns search_term may LIKE against.
var searchFieldWhitelist = map[string]bool{
	"title": true, "content": true, "summary": true, "source_name": true,
}

// ArticleFilter narrows GetAllArticles/GetTotalArticlesCount.
type ArticleFilter struct {
	IsRead       *bool
	Category     string
	IDs          []int64
	SearchTerm   string
	SearchFields []string
}

// ArticleSort orders GetAllArticles results.
type ArticleSort struct {
	Column     string
	Descending bool
}

// Paging bounds GetAllArticles results.
type Paging struct {
	Limit  int
	Offset int
}

func (f ArticleFilter) build() (string, []any) {
	var clauses []string
	var args []any
	if f.IsRead != nil {
		clauses = append(clauses, "is_read = ?")
		args = append(args, *f.IsRead)
	}
	if f.Category != "" {
		clauses = append(clauses, "category_name = ?")
		args = append(args, f.Category)
	}
	if len(f.IDs) > 0 {
		placeholders := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		clauses = append(clauses, fmt.Sprintf("id IN (%s)", strings.Join(placeholders, ",")))
	}
	if f.SearchTerm != "" && len(f.SearchFields) > 0 {
		var orClauses []string
		for _, field := range f.SearchFields {
			if !searchFieldWhitelist[field] {
				continue
			}
			orClauses = append(orClauses, fmt.Sprintf("LOWER(%s) LIKE LOWER(?)", field))
			args = append(args, "%"+f.SearchTerm+"%")
		}
		if len(orClauses) > 0 {
			clauses = append(clauses, "("+strings.Join(orClauses, " OR ")+")")
		}
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// GetAllArticles applies filter/sort/paging; an invalid sort column falls
// back to publish_time. Returns an empty slice on error.
func (s *Storage) GetAllArticles(filter ArticleFilter, sortBy ArticleSort, paging Paging) ([]models.Article, error) {
	col := sortBy.Column
	if !articleSortWhitelist[col] {
		col = "publish_time"
	}
	dir := "ASC"
	if sortBy.Descending {
		dir = "DESC"
	}

	where, args := filter.build()
	query := fmt.Sprintf(`SELECT %s FROM articles%s ORDER BY %s %s`, articleColumns, where, col, dir)
	if paging.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", paging.Limit)
	}
	if paging.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", paging.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return []models.Article{}, nil
	}
	defer rows.Close()
	out := []models.Article{}
	for rows.Next() {
		a, err := s.scanArticle(rows)
		if err != nil {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

// GetTotalArticlesCount counts rows matching filter; returns 0 on error.
func (s *Storage) GetTotalArticlesCount(filter ArticleFilter) (int, error) {
	where, args := filter.build()
	query := `SELECT COUNT(*) FROM articles` + where
	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, nil
	}
	return count, nil
}

// SetArticleReadStatus returns true iff a row was updated (spec P4).
func (s *Storage) SetArticleReadStatus(link string, isRead bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE articles SET is_read = ? WHERE link = ?`, isRead, link)
	if err != nil {
		return false, nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}

// DeleteArticlesWithNullPublishTime performs the housekeeping purge named
// in spec §3.1/§8.3 and returns the number of rows removed.
func (s *Storage) DeleteArticlesWithNullPublishTime() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM articles WHERE publish_time IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("deleting articles with null publish_time: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// ============================================================================
// NEWS SOURCES
// ============================================================================

// AddNewsSource inserts a new source; name and type are required and name
// must be unique (spec P2). Returns nil on a unique-constraint violation.
func (s *Storage) AddNewsSource(src models.NewsSource) (*int64, error) {
	if strings.TrimSpace(src.Name) == "" || strings.TrimSpace(string(src.Type)) == "" {
		return nil, fmt.Errorf("add news source: name and type are required")
	}
	if src.CategoryName == "" {
		src.CategoryName = models.DefaultCategoryName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM news_sources WHERE name = ?`, src.Name).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking existing source: %w", err)
	}
	if exists > 0 {
		s.log.Printf("add_news_source: name %q already exists", src.Name)
		return nil, nil
	}

	id, err := s.nextID("news_sources_id_seq")
	if err != nil {
		return nil, err
	}
	customConfig, err := marshalOrEmpty(src.CustomConfig)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`
		INSERT INTO news_sources (id, name, type, url, category_name, is_enabled, is_user_added,
			custom_config, notes, last_checked_time, status, last_error, consecutive_error_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'unknown', NULL, 0)`,
		id, src.Name, string(src.Type), src.URL, src.CategoryName, src.IsEnabled, src.IsUserAdded,
		customConfig, src.Notes, toSQLTime(src.LastCheckedTime))
	if err != nil {
		return nil, fmt.Errorf("inserting news source: %w", err)
	}
	return &id, nil
}

// newsSourceFieldWhitelist bounds which columns UpdateNewsSource may touch.
var newsSourceFieldWhitelist = map[string]bool{
	"url": true, "category_name": true, "is_enabled": true, "notes": true,
	"custom_config": true, "last_checked_time": true, "status": true,
	"last_error": true, "consecutive_error_count": true,
}

// UpdateNewsSource applies a partial set of whitelisted field updates to
// the source named name. Returns false if no row matched.
func (s *Storage) UpdateNewsSource(name string, fields map[string]any) (bool, error) {
	if len(fields) == 0 {
		return false, nil
	}
	var setClauses []string
	var args []any
	for k, v := range fields {
		if !newsSourceFieldWhitelist[k] {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", k))
		args = append(args, v)
	}
	if len(setClauses) == 0 {
		return false, nil
	}
	args = append(args, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf(`UPDATE news_sources SET %s WHERE name = ?`, strings.Join(setClauses, ", "))
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}

// DeleteNewsSource removes the source named name. Articles are unaffected.
func (s *Storage) DeleteNewsSource(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM news_sources WHERE name = ?`, name)
	if err != nil {
		return false, nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}

// GetAllNewsSources lists every tracked source; natural extension of the
// CRUD surface §4.1 lists, needed by source-status batches and the
// presentation surface.
func (s *Storage) GetAllNewsSources() ([]models.NewsSource, error) {
	rows, err := s.db.Query(`
		SELECT id, name, type, url, category_name, is_enabled, is_user_added, custom_config,
			notes, last_checked_time, status, last_error, consecutive_error_count
		FROM news_sources ORDER BY name`)
	if err != nil {
		return []models.NewsSource{}, nil
	}
	defer rows.Close()
	out := []models.NewsSource{}
	for rows.Next() {
		var src models.NewsSource
		var customConfig sql.NullString
		var lastChecked sql.NullTime
		var lastError sql.NullString
		var typ, status string
		if err := rows.Scan(&src.ID, &src.Name, &typ, &src.URL, &src.CategoryName, &src.IsEnabled,
			&src.IsUserAdded, &customConfig, &src.Notes, &lastChecked, &status, &lastError,
			&src.ConsecutiveErrorCount); err != nil {
			continue
		}
		src.LastError = lastError.String
		src.Type = models.SourceType(typ)
		src.Status = models.SourceStatusState(status)
		if lastChecked.Valid {
			t := lastChecked.Time
			src.LastCheckedTime = &t
		}
		if customConfig.Valid && customConfig.String != "" {
			_ = json.Unmarshal([]byte(customConfig.String), &src.CustomConfig)
		}
		out = append(out, src)
	}
	return out, nil
}

// ============================================================================
// BROWSING HISTORY
// ============================================================================

// AddBrowsingHistory records a view of articleID; returns nil if the
// article does not exist (spec P3). viewTime defaults to now.
func (s *Storage) AddBrowsingHistory(articleID int64, viewTime *time.Time) (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM articles WHERE id = ?`, articleID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking article existence: %w", err)
	}
	if exists == 0 {
		return nil, nil
	}

	when := time.Now().UTC()
	if viewTime != nil {
		when = *viewTime
	}
	id, err := s.nextID("browsing_history_id_seq")
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`INSERT INTO browsing_history (id, article_id, view_time) VALUES (?, ?, ?)`,
		id, articleID, when); err != nil {
		return nil, fmt.Errorf("inserting browsing history: %w", err)
	}
	return &id, nil
}

// BrowsingHistoryView is a browsing-history row joined with its article,
// newest first.
type BrowsingHistoryView struct {
	Entry   models.BrowsingHistoryEntry
	Article models.Article
}

// GetBrowsingHistory returns entries newest-first, optionally bounded to
// the last daysLimit days and paged by limit/offset.
func (s *Storage) GetBrowsingHistory(daysLimit *int, limit, offset int) ([]BrowsingHistoryView, error) {
	query := `
		SELECT h.id, h.article_id, h.view_time,
			a.id, a.link, a.title, a.content, a.summary, a.source_name, a.source_url,
			a.category_name, a.publish_time, a.retrieval_time, a.image_url, a.is_read, a.llm_summary
		FROM browsing_history h
		JOIN articles a ON a.id = h.article_id`
	var args []any
	if daysLimit != nil {
		query += ` WHERE h.view_time >= ?`
		args = append(args, time.Now().UTC().AddDate(0, 0, -*daysLimit))
	}
	query += ` ORDER BY h.view_time DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return []BrowsingHistoryView{}, nil
	}
	defer rows.Close()
	out := []BrowsingHistoryView{}
	for rows.Next() {
		var v BrowsingHistoryView
		var viewTime, publishTime, retrievalTime sql.NullTime
		if err := rows.Scan(&v.Entry.ID, &v.Entry.ArticleID, &viewTime,
			&v.Article.ID, &v.Article.Link, &v.Article.Title, &v.Article.Content, &v.Article.Summary,
			&v.Article.SourceName, &v.Article.SourceURL, &v.Article.CategoryName, &publishTime,
			&retrievalTime, &v.Article.ImageURL, &v.Article.IsRead, &v.Article.LLMSummary); err != nil {
			continue
		}
		if viewTime.Valid {
			t := viewTime.Time
			v.Entry.ViewTime = &t
		}
		if publishTime.Valid {
			t := publishTime.Time
			v.Article.PublishTime = &t
		}
		if retrievalTime.Valid {
			t := retrievalTime.Time
			v.Article.RetrievalTime = &t
		}
		out = append(out, v)
	}
	return out, nil
}

// ============================================================================
// LLM ANALYSES
// ============================================================================

// AddLLMAnalysis archives record and maps it to articleIDs (duplicates
// silently ignored, mirroring INSERT OR IGNORE). Returns the new record id.
func (s *Storage) AddLLMAnalysis(record models.LLMAnalysisRecord, articleIDs []int64) (*int64, error) {
	titles, err := models.MarshalJSONList(record.MetaNewsTitles)
	if err != nil {
		return nil, err
	}
	sources, err := models.MarshalJSONList(record.MetaNewsSources)
	if err != nil {
		return nil, err
	}
	categories, err := models.MarshalJSONList(record.MetaCategories)
	if err != nil {
		return nil, err
	}
	groups, err := models.MarshalJSONList(record.MetaGroups)
	if err != nil {
		return nil, err
	}
	ids, err := models.MarshalJSONList(record.MetaArticleIDs)
	if err != nil {
		return nil, err
	}
	params, err := marshalOrEmpty(record.MetaAnalysisParams)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning analysis transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := s.nextID("llm_analyses_id_seq")
	if err != nil {
		return nil, err
	}
	ts := time.Now().UTC()
	if record.AnalysisTimestamp != nil {
		ts = *record.AnalysisTimestamp
	}
	_, err = tx.Exec(`
		INSERT INTO llm_analyses (id, analysis_timestamp, analysis_type, analysis_result_text,
			meta_news_count, meta_news_titles, meta_news_sources, meta_categories, meta_groups,
			meta_article_ids, meta_analysis_params, meta_error_info)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ts, record.AnalysisType, record.AnalysisResultText, record.MetaNewsCount,
		titles, sources, categories, groups, ids, params, record.MetaErrorInfo)
	if err != nil {
		return nil, fmt.Errorf("inserting analysis record: %w", err)
	}

	for _, aid := range articleIDs {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM article_analysis_mappings WHERE article_id = ? AND analysis_id = ?`, aid, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("checking mapping: %w", err)
		}
		if exists > 0 {
			continue
		}
		if _, err := tx.Exec(`INSERT INTO article_analysis_mappings (article_id, analysis_id) VALUES (?, ?)`, aid, id); err != nil {
			return nil, fmt.Errorf("inserting mapping: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing analysis transaction: %w", err)
	}
	return &id, nil
}

func (s *Storage) scanAnalysis(row interface{ Scan(...any) error }) (*models.LLMAnalysisRecord, error) {
	var r models.LLMAnalysisRecord
	var ts sql.NullTime
	var titles, sources, categories, groups, ids, params string
	err := row.Scan(&r.ID, &ts, &r.AnalysisType, &r.AnalysisResultText, &r.MetaNewsCount,
		&titles, &sources, &categories, &groups, &ids, &params, &r.MetaErrorInfo)
	if err != nil {
		return nil, err
	}
	if ts.Valid {
		t := ts.Time
		r.AnalysisTimestamp = &t
	}
	_ = models.UnmarshalJSONList(titles, &r.MetaNewsTitles)
	_ = models.UnmarshalJSONList(sources, &r.MetaNewsSources)
	_ = models.UnmarshalJSONList(categories, &r.MetaCategories)
	_ = models.UnmarshalJSONList(groups, &r.MetaGroups)
	_ = models.UnmarshalJSONList(ids, &r.MetaArticleIDs)
	if strings.TrimSpace(params) != "" {
		_ = json.Unmarshal([]byte(params), &r.MetaAnalysisParams)
	}
	return &r, nil
}

const analysisColumns = `id, analysis_timestamp, analysis_type, analysis_result_text, meta_news_count, meta_news_titles, meta_news_sources, meta_categories, meta_groups, meta_article_ids, meta_analysis_params, meta_error_info`

// GetLLMAnalysesForArticle returns analyses linked to articleID, newest first.
func (s *Storage) GetLLMAnalysesForArticle(articleID int64) ([]models.LLMAnalysisRecord, error) {
	rows, err := s.db.Query(`
		SELECT `+analysisColumns+`
		FROM llm_analyses la
		JOIN article_analysis_mappings m ON m.analysis_id = la.id
		WHERE m.article_id = ?
		ORDER BY la.analysis_timestamp DESC`, articleID)
	if err != nil {
		return []models.LLMAnalysisRecord{}, nil
	}
	defer rows.Close()
	out := []models.LLMAnalysisRecord{}
	for rows.Next() {
		r, err := s.scanAnalysis(rows)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

// DeleteLLMAnalysis removes the analysis and its mappings (FK cascade).
func (s *Storage) DeleteLLMAnalysis(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM llm_analyses WHERE id = ?`, id)
	if err != nil {
		return false, nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}

// DeleteAllLLMAnalyses clears every archived analysis and its mappings.
func (s *Storage) DeleteAllLLMAnalyses() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM llm_analyses`)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// ============================================================================
// HELPERS
// ============================================================================

// nextID draws the next value from a DuckDB sequence. Caller must hold mu
// when the result feeds a subsequent write within the same critical section.
func (s *Storage) nextID(seq string) (int64, error) {
	var id int64
	if err := s.db.QueryRow(fmt.Sprintf(`SELECT nextval('%s')`, seq)).Scan(&id); err != nil {
		return 0, fmt.Errorf("drawing id from %s: %w", seq, err)
	}
	return id, nil
}

func toSQLTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func marshalOrEmpty(v map[string]any) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling json column: %w", err)
	}
	return string(b), nil
}

// ParseLenientTime parses an ISO-8601 timestamp (including a trailing Z),
// falling back to a handful of common layouts before giving up. Unparsable
// values return (nil, err); callers log a warning and store None (spec
// §4.1 datetime handling).
func ParseLenientTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		} else {
			lastErr = err
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		t := time.Unix(n, 0).UTC()
		return &t, nil
	}
	return nil, fmt.Errorf("parsing timestamp %q: %w", s, lastErr)
}
