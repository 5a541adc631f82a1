package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: without Postgres the service is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over schema_nodes and commits ranked by ts_rank.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	dataSQL, countSQL, args := buildFTSQuery(q)
	if dataSQL == "" {
		return nil, 0, nil
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.SchemaKey, &r.UniqueID, &r.Institution); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func buildFTSQuery(q Query) (dataSQL, countSQL string, args []any) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args = []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultNode {
		where := "n.fts @@ " + tsQuery
		if q.FilterSchemaKey != "" {
			where += fmt.Sprintf(" AND n.schema_key = $%d", argN)
			args = append(args, q.FilterSchemaKey)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'node'::text AS type, n.unique_id AS id, n.name AS title,
				ts_headline('simple', n.path, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				n.schema_key, n.unique_id, ''::text AS institution,
				ts_rank(n.fts, %s) AS rank
			FROM schema_nodes n
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultCommit {
		where := "c.fts @@ " + tsQuery
		if q.FilterSchemaKey != "" {
			where += fmt.Sprintf(" AND c.schema_key = $%d", argN)
			args = append(args, q.FilterSchemaKey)
			argN++
		}
		if q.FilterInstitution != "" {
			where += fmt.Sprintf(" AND c.institution = $%d", argN)
			args = append(args, q.FilterInstitution)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'commit'::text AS type, c.id, c.message AS title,
				ts_headline('simple', coalesce(c.author_name, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.schema_key, ''::text AS unique_id, c.institution,
				ts_rank(c.fts, %s) AS rank
			FROM commits c
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return "", "", nil
	}
	union := strings.Join(subQueries, " UNION ALL ")
	countSQL = fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL = fmt.Sprintf(`SELECT type, id, title, snippet, schema_key, unique_id, institution
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)
	return dataSQL, countSQL, args
}

// LoadAllRecords returns every searchable record for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]NodeRecord, []CommitRecord, error) {
	nodeRows, err := p.db.QueryContext(ctx, `
		SELECT schema_key, unique_id, name, path, section, node_type, is_leaf
		FROM schema_nodes
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load schema nodes: %w", err)
	}
	defer nodeRows.Close()

	nodes := make([]NodeRecord, 0)
	for nodeRows.Next() {
		var n NodeRecord
		if err := nodeRows.Scan(&n.SchemaKey, &n.UniqueID, &n.Name, &n.Path, &n.Section, &n.Type, &n.IsLeaf); err != nil {
			return nil, nil, fmt.Errorf("scan schema node: %w", err)
		}
		n.ID = NodeDocumentID(n.SchemaKey, n.UniqueID)
		nodes = append(nodes, n)
	}
	if err := nodeRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate schema nodes: %w", err)
	}

	commitRows, err := p.db.QueryContext(ctx, `
		SELECT id, schema_key, institution, kind, message, author_name
		FROM commits
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load commits: %w", err)
	}
	defer commitRows.Close()

	commits := make([]CommitRecord, 0)
	for commitRows.Next() {
		var c CommitRecord
		if err := commitRows.Scan(&c.ID, &c.SchemaKey, &c.Institution, &c.Kind, &c.Message, &c.AuthorName); err != nil {
			return nil, nil, fmt.Errorf("scan commit: %w", err)
		}
		commits = append(commits, c)
	}
	if err := commitRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate commits: %w", err)
	}
	return nodes, commits, nil
}
