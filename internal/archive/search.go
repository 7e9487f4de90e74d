package archive

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// buildMatchQuery turns free text into an FTS5 match expression: each
// whitespace-separated term is double-quoted and the terms are ORed.
func buildMatchQuery(q string) string {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " OR ")
}

// SearchGrep returns rows whose content contains q as an exact substring,
// newest first.
func (s *Store) SearchGrep(ctx context.Context, q string, limit int) ([]Record, error) {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_key, role, content, timestamp, tags
		 FROM turns WHERE content LIKE '%' || ? || '%'
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		q, limit)
	if err != nil {
		return nil, fmt.Errorf("grep search: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("archive: grep search", "query", q, "count", len(recs), "duration", time.Since(start))
	return recs, nil
}

// SearchBM25 returns up to limit rows ranked by FTS5 bm25. The raw query
// is rewritten as quoted terms joined with OR, so a hit on any keyword
// counts and FTS operators in user input are neutralized. Queries that the
// engine still rejects return an empty result, never an error.
func (s *Store) SearchBM25(ctx context.Context, q string, limit int) ([]Record, error) {
	start := time.Now()

	match := buildMatchQuery(q)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.session_key, t.role, t.content, t.timestamp, t.tags
		 FROM turns_fts f JOIN turns t ON t.id = f.rowid
		 WHERE turns_fts MATCH ?
		 ORDER BY f.rank LIMIT ?`,
		match, limit)
	if err != nil {
		// FTS5 rejects malformed match expressions at query time.
		s.logger.Debug("archive: bm25 query rejected", "query", q, "error", err)
		return nil, nil
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, nil
	}
	s.logger.Debug("archive: bm25 search", "query", q, "count", len(recs), "duration", time.Since(start))
	return recs, nil
}

// Search runs grep and BM25 in parallel and merges: BM25 results first,
// then grep-only contributions, deduplicated by id, truncated to limit.
// This ordering is the only contract clients may rely on.
func (s *Store) Search(ctx context.Context, q string, limit int) ([]Record, error) {
	type result struct {
		recs []Record
		err  error
	}
	grepCh := make(chan result, 1)
	bm25Ch := make(chan result, 1)

	go func() {
		recs, err := s.SearchGrep(ctx, q, limit)
		grepCh <- result{recs, err}
	}()
	go func() {
		recs, err := s.SearchBM25(ctx, q, limit)
		bm25Ch <- result{recs, err}
	}()

	bm25 := <-bm25Ch
	grep := <-grepCh
	if bm25.err != nil {
		return nil, bm25.err
	}
	if grep.err != nil {
		return nil, grep.err
	}

	seen := make(map[int64]bool, limit)
	merged := make([]Record, 0, limit)
	for _, r := range append(bm25.recs, grep.recs...) {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		merged = append(merged, r)
		if len(merged) >= limit {
			break
		}
	}
	return merged, nil
}
