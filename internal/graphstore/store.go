// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package graphstore persists one PaperKnowledgeGraph per paper.
// The store only ever holds complete, committed graphs: the pipeline's
// commit replaces a paper's graph in a single transaction, and readers
// never observe extraction-in-progress state.
// Implements: prd007-findings (R4, R5).
package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/thesis-engine/pkg/types"
)

const (
	indexDir = "index"
	dbFile   = "thesis.db"
)

// ErrNotFound indicates the referenced graph or finding does not exist.
var ErrNotFound = errors.New("not found")

// Store manages the findings graph SQLite database.
type Store struct {
	db           *sql.DB
	knowledgeDir string
}

// NewStore opens or creates the graph database at
// knowledgeDir/index/thesis.db, creating the schema if needed.
func NewStore(cfg types.GraphStoreConfig) (*Store, error) {
	dbDir := filepath.Join(cfg.KnowledgeDir, indexDir)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	dbPath := filepath.Join(dbDir, dbFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{
		db:           db,
		knowledgeDir: cfg.KnowledgeDir,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS graphs (
			paper_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			paper_type TEXT,
			summary TEXT,
			experimental_system TEXT,
			key_contributions TEXT,
			thesis_relevance TEXT,
			review_status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS findings (
			paper_id TEXT NOT NULL REFERENCES graphs(paper_id) ON DELETE CASCADE,
			id TEXT NOT NULL,
			position INTEGER NOT NULL,
			type TEXT NOT NULL,
			title TEXT,
			description TEXT,
			direct_quotes TEXT,
			confidence REAL NOT NULL,
			user_verified INTEGER NOT NULL DEFAULT 0,
			page_numbers TEXT,
			thesis_relevance TEXT,
			PRIMARY KEY (paper_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_position ON findings(paper_id, position)`,
		`CREATE TABLE IF NOT EXISTS connections (
			paper_id TEXT NOT NULL REFERENCES graphs(paper_id) ON DELETE CASCADE,
			id TEXT NOT NULL,
			from_finding_id TEXT NOT NULL,
			to_finding_id TEXT NOT NULL,
			type TEXT NOT NULL,
			explanation TEXT,
			PRIMARY KEY (paper_id, id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Commit atomically replaces the stored graph for g.PaperID with g. The
// graph is validated first; a graph with dangling connections or
// out-of-range confidence is rejected and the prior graph kept. CreatedAt
// survives replacement; UpdatedAt and ReviewStatus are recomputed here.
func (s *Store) Commit(ctx context.Context, g *types.PaperKnowledgeGraph) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("rejecting invalid graph for %s: %w", g.PaperID, err)
	}

	now := time.Now().UTC()
	createdAt := now
	var prior string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM graphs WHERE paper_id = ?`, g.PaperID,
	).Scan(&prior)
	switch {
	case err == nil:
		if t, perr := time.Parse(time.RFC3339Nano, prior); perr == nil {
			createdAt = t
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("reading prior graph: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Deleting the graph row cascades to findings and connections.
	if _, err := tx.ExecContext(ctx, `DELETE FROM graphs WHERE paper_id = ?`, g.PaperID); err != nil {
		return fmt.Errorf("clearing prior graph: %w", err)
	}

	contributions, err := json.Marshal(g.KeyContributions)
	if err != nil {
		return fmt.Errorf("marshaling key contributions: %w", err)
	}
	relevance, err := marshalNullable(g.ThesisRelevance)
	if err != nil {
		return fmt.Errorf("marshaling thesis relevance: %w", err)
	}

	status := types.ComputeReviewStatus(g.Findings)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO graphs (paper_id, created_at, updated_at, paper_type, summary,
			experimental_system, key_contributions, thesis_relevance, review_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.PaperID,
		createdAt.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		g.Classification.PaperType,
		g.Classification.Summary,
		g.ExperimentalSystem,
		string(contributions),
		relevance,
		string(status),
	); err != nil {
		return fmt.Errorf("inserting graph: %w", err)
	}

	for i, f := range g.Findings {
		quotes, err := json.Marshal(f.DirectQuotes)
		if err != nil {
			return fmt.Errorf("marshaling quotes for finding %s: %w", f.ID, err)
		}
		pages, err := json.Marshal(f.PageNumbers)
		if err != nil {
			return fmt.Errorf("marshaling pages for finding %s: %w", f.ID, err)
		}
		frel, err := marshalNullable(f.ThesisRelevance)
		if err != nil {
			return fmt.Errorf("marshaling relevance for finding %s: %w", f.ID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO findings (paper_id, id, position, type, title, description,
				direct_quotes, confidence, user_verified, page_numbers, thesis_relevance)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.PaperID, f.ID, i, string(f.Type), f.Title, f.Description,
			string(quotes), f.Confidence, f.UserVerified, string(pages), frel,
		); err != nil {
			return fmt.Errorf("inserting finding %s: %w", f.ID, err)
		}
	}

	for _, c := range g.Connections {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO connections (paper_id, id, from_finding_id, to_finding_id, type, explanation)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			g.PaperID, c.ID, c.FromFindingID, c.ToFindingID, string(c.Type), c.Explanation,
		); err != nil {
			return fmt.Errorf("inserting connection %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing graph: %w", err)
	}

	g.CreatedAt = createdAt
	g.UpdatedAt = now
	g.ReviewStatus = status
	return nil
}

// Get returns the committed graph for paperID, or nil when none exists.
// Findings come back in extraction order.
func (s *Store) Get(ctx context.Context, paperID string) (*types.PaperKnowledgeGraph, error) {
	g := &types.PaperKnowledgeGraph{PaperID: paperID}

	var createdAt, updatedAt, contributions string
	var relevance sql.NullString
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at, paper_type, summary, experimental_system,
			key_contributions, thesis_relevance, review_status
		 FROM graphs WHERE paper_id = ?`, paperID,
	).Scan(&createdAt, &updatedAt, &g.Classification.PaperType, &g.Classification.Summary,
		&g.ExperimentalSystem, &contributions, &relevance, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading graph %s: %w", paperID, err)
	}

	if g.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for %s: %w", paperID, err)
	}
	if g.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for %s: %w", paperID, err)
	}
	if err := json.Unmarshal([]byte(contributions), &g.KeyContributions); err != nil {
		return nil, fmt.Errorf("parsing key contributions for %s: %w", paperID, err)
	}
	if err := unmarshalNullable(relevance, &g.ThesisRelevance); err != nil {
		return nil, fmt.Errorf("parsing thesis relevance for %s: %w", paperID, err)
	}
	g.ReviewStatus = types.ReviewStatus(status)

	if g.Findings, err = s.readFindings(ctx, paperID); err != nil {
		return nil, err
	}
	if g.Connections, err = s.readConnections(ctx, paperID); err != nil {
		return nil, err
	}

	return g, nil
}

func (s *Store) readFindings(ctx context.Context, paperID string) ([]types.ExtractedFinding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, title, description, direct_quotes, confidence,
			user_verified, page_numbers, thesis_relevance
		 FROM findings WHERE paper_id = ? ORDER BY position`, paperID)
	if err != nil {
		return nil, fmt.Errorf("reading findings for %s: %w", paperID, err)
	}
	defer rows.Close()

	var findings []types.ExtractedFinding
	for rows.Next() {
		var f types.ExtractedFinding
		var ftype, quotes, pages string
		var relevance sql.NullString
		if err := rows.Scan(&f.ID, &ftype, &f.Title, &f.Description, &quotes,
			&f.Confidence, &f.UserVerified, &pages, &relevance); err != nil {
			return nil, fmt.Errorf("scanning finding: %w", err)
		}
		f.Type = types.FindingType(ftype)
		if err := json.Unmarshal([]byte(quotes), &f.DirectQuotes); err != nil {
			return nil, fmt.Errorf("parsing quotes for finding %s: %w", f.ID, err)
		}
		if err := json.Unmarshal([]byte(pages), &f.PageNumbers); err != nil {
			return nil, fmt.Errorf("parsing pages for finding %s: %w", f.ID, err)
		}
		if err := unmarshalNullable(relevance, &f.ThesisRelevance); err != nil {
			return nil, fmt.Errorf("parsing relevance for finding %s: %w", f.ID, err)
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

func (s *Store) readConnections(ctx context.Context, paperID string) ([]types.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_finding_id, to_finding_id, type, explanation
		 FROM connections WHERE paper_id = ? ORDER BY id`, paperID)
	if err != nil {
		return nil, fmt.Errorf("reading connections for %s: %w", paperID, err)
	}
	defer rows.Close()

	var conns []types.Connection
	for rows.Next() {
		var c types.Connection
		var ctype string
		if err := rows.Scan(&c.ID, &c.FromFindingID, &c.ToFindingID, &ctype, &c.Explanation); err != nil {
			return nil, fmt.Errorf("scanning connection: %w", err)
		}
		c.Type = types.ConnectionType(ctype)
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// VerifyFinding sets a finding's user-verified flag and synchronously
// recomputes the graph's review status in the same transaction. Fails
// with ErrNotFound when the graph or finding does not exist.
func (s *Store) VerifyFinding(ctx context.Context, paperID, findingID string, verified bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE findings SET user_verified = ? WHERE paper_id = ? AND id = ?`,
		verified, paperID, findingID)
	if err != nil {
		return fmt.Errorf("updating finding: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: finding %s in graph %s", ErrNotFound, findingID, paperID)
	}

	var total, unverified int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN user_verified THEN 0 ELSE 1 END), 0)
		 FROM findings WHERE paper_id = ?`, paperID,
	).Scan(&total, &unverified); err != nil {
		return fmt.Errorf("counting findings: %w", err)
	}

	status := types.ReviewPartial
	switch {
	case unverified == total:
		status = types.ReviewUnreviewed
	case unverified == 0:
		status = types.ReviewReviewed
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE graphs SET review_status = ?, updated_at = ? WHERE paper_id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), paperID,
	); err != nil {
		return fmt.Errorf("updating review status: %w", err)
	}

	return tx.Commit()
}

// Delete removes the graph for paperID, cascading to findings and
// connections. Called from the paper-deletion path. Deleting a paper with
// no graph is a no-op.
func (s *Store) Delete(ctx context.Context, paperID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM graphs WHERE paper_id = ?`, paperID); err != nil {
		return fmt.Errorf("deleting graph %s: %w", paperID, err)
	}
	return nil
}

// GraphSummary is a one-line listing entry for a committed graph.
type GraphSummary struct {
	PaperID      string             `json:"paper_id" yaml:"paper_id"`
	PaperType    string             `json:"paper_type" yaml:"paper_type"`
	ReviewStatus types.ReviewStatus `json:"review_status" yaml:"review_status"`
	Findings     int                `json:"findings" yaml:"findings"`
	Connections  int                `json:"connections" yaml:"connections"`
	UpdatedAt    time.Time          `json:"updated_at" yaml:"updated_at"`
}

// List returns a summary per committed graph, most recently updated first.
func (s *Store) List(ctx context.Context) ([]GraphSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.paper_id, g.paper_type, g.review_status, g.updated_at,
			(SELECT COUNT(*) FROM findings f WHERE f.paper_id = g.paper_id),
			(SELECT COUNT(*) FROM connections c WHERE c.paper_id = g.paper_id)
		 FROM graphs g ORDER BY g.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing graphs: %w", err)
	}
	defer rows.Close()

	var out []GraphSummary
	for rows.Next() {
		var sum GraphSummary
		var status, updatedAt string
		if err := rows.Scan(&sum.PaperID, &sum.PaperType, &status, &updatedAt, &sum.Findings, &sum.Connections); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		sum.ReviewStatus = types.ReviewStatus(status)
		if sum.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// marshalNullable marshals v to JSON, mapping nil pointers to SQL NULL.
func marshalNullable(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case *types.GraphRelevance:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *types.FindingRelevance:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalNullable parses a nullable JSON column into out, leaving out
// nil for SQL NULL.
func unmarshalNullable[T any](col sql.NullString, out **T) error {
	if !col.Valid {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal([]byte(col.String), v); err != nil {
		return err
	}
	*out = v
	return nil
}
