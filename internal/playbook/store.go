package playbook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Schema creates the playbook tables. Entries are soft-deleted only;
// operation rows are append-only.
const Schema = `
CREATE TABLE IF NOT EXISTS playbook_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cid TEXT NOT NULL,
	insight_type TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	operation TEXT NOT NULL DEFAULT 'insert',
	source_feedback TEXT NOT NULL DEFAULT '',
	confidence_score REAL NOT NULL DEFAULT 0.8,
	version INTEGER NOT NULL DEFAULT 1,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	tags TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_playbook_cid_active ON playbook_entries(cid, is_active);
CREATE INDEX IF NOT EXISTS idx_playbook_cid_key ON playbook_entries(cid, key);
CREATE INDEX IF NOT EXISTS idx_playbook_type_active ON playbook_entries(insight_type, is_active);

CREATE TABLE IF NOT EXISTS playbook_operations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id INTEGER,
	cid TEXT NOT NULL,
	operation TEXT NOT NULL,
	extracted_data TEXT NOT NULL DEFAULT '{}',
	success BOOLEAN NOT NULL DEFAULT 1,
	error_message TEXT,
	source_feedback TEXT NOT NULL DEFAULT '',
	llm_response TEXT,
	timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_playbook_ops_cid ON playbook_operations(cid);
CREATE INDEX IF NOT EXISTS idx_playbook_ops_timestamp ON playbook_operations(timestamp);
`

// Store owns the playbook tables. The extraction pipeline and the
// operation applier are its only writers.
type Store struct {
	db         *sql.DB
	maxEntries int
}

// execQuerier is satisfied by both *sql.DB and *sql.Tx so entry mutations
// can run standalone or inside the applier's per-intent transaction.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewStore opens (or creates) the playbook database at dbPath.
func NewStore(dbPath string, maxEntries int) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open playbook db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply playbook schema: %w", err)
	}
	if maxEntries <= 0 {
		maxEntries = 50
	}
	return &Store{db: db, maxEntries: maxEntries}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// MaxEntries returns the active-entry ceiling per conversation.
func (s *Store) MaxEntries() int {
	return s.maxEntries
}

// DB exposes the handle so sibling services (conversation window) can share
// one database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Insert creates a new active entry. If an active entry with the same key
// already exists it behaves as an update instead. Returns
// ErrCapacityExceeded when the conversation is at the ceiling; callers are
// expected to pre-check and skip rather than treat this as fatal.
func (s *Store) Insert(ctx context.Context, cid string, in Insight, sourceFeedback string) (*Entry, error) {
	count, err := s.activeCountIn(ctx, s.db, cid)
	if err != nil {
		return nil, err
	}
	if count >= s.maxEntries {
		return nil, ErrCapacityExceeded
	}
	return s.insertIn(ctx, s.db, cid, in, sourceFeedback)
}

// insertIn does not enforce the ceiling: the applier pre-checks explicit
// inserts, and an update falling through to insert is allowed past it.
func (s *Store) insertIn(ctx context.Context, q execQuerier, cid string, in Insight, sourceFeedback string) (*Entry, error) {
	if existing, err := s.getActiveIn(ctx, q, cid, in.Key); err == nil && existing != nil {
		slog.Warn("insert on existing key, updating instead", "cid", cid, "key", in.Key)
		return s.updateIn(ctx, q, cid, in, sourceFeedback)
	}

	now := time.Now().UTC()
	tagsJSON := marshalTags(in.Tags)
	res, err := q.ExecContext(ctx, `
		INSERT INTO playbook_entries
			(cid, insight_type, key, value, operation, source_feedback, confidence_score, version, is_active, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'insert', ?, ?, 1, 1, ?, ?, ?)`,
		cid, in.InsightType, in.Key, in.Value, sourceFeedback, in.Confidence, tagsJSON, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("entry id: %w", err)
	}

	slog.Info("inserted playbook entry", "cid", cid, "key", in.Key, "type", in.InsightType)
	return &Entry{
		ID:             id,
		CID:            cid,
		InsightType:    in.InsightType,
		Key:            in.Key,
		Value:          in.Value,
		Operation:      OpInsert,
		SourceFeedback: sourceFeedback,
		Confidence:     in.Confidence,
		Version:        1,
		IsActive:       true,
		Tags:           in.Tags,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Update mutates the active entry with the insight's key, bumping version
// and updated_at. An unknown key delegates to Insert: new knowledge
// arriving as an update is still new knowledge.
func (s *Store) Update(ctx context.Context, cid string, in Insight, sourceFeedback string) (*Entry, error) {
	return s.updateIn(ctx, s.db, cid, in, sourceFeedback)
}

func (s *Store) updateIn(ctx context.Context, q execQuerier, cid string, in Insight, sourceFeedback string) (*Entry, error) {
	existing, err := s.getActiveIn(ctx, q, cid, in.Key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		slog.Info("update on unknown key, inserting", "cid", cid, "key", in.Key)
		return s.insertIn(ctx, q, cid, in, sourceFeedback)
	}

	now := time.Now().UTC()
	if !now.After(existing.UpdatedAt) {
		// Clock granularity guard: updated_at must move forward on every
		// update.
		now = existing.UpdatedAt.Add(time.Microsecond)
	}
	tags := in.Tags
	if tags == nil {
		tags = existing.Tags
	}
	_, err = q.ExecContext(ctx, `
		UPDATE playbook_entries
		SET value = ?, insight_type = ?, operation = 'update', source_feedback = ?,
			confidence_score = ?, tags = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		in.Value, in.InsightType, sourceFeedback, in.Confidence, marshalTags(tags), now, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("update entry: %w", err)
	}

	existing.Value = in.Value
	existing.InsightType = in.InsightType
	existing.Operation = OpUpdate
	existing.SourceFeedback = sourceFeedback
	existing.Confidence = in.Confidence
	existing.Tags = tags
	existing.Version++
	existing.UpdatedAt = now

	slog.Info("updated playbook entry", "cid", cid, "key", in.Key, "version", existing.Version)
	return existing, nil
}

// Delete soft-deletes the active entry for key. It returns false (and no
// error) when there is nothing to delete; the row itself is preserved for
// the audit trail.
func (s *Store) Delete(ctx context.Context, cid, key string) (bool, error) {
	return s.deleteIn(ctx, s.db, cid, key)
}

func (s *Store) deleteIn(ctx context.Context, q execQuerier, cid, key string) (bool, error) {
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		UPDATE playbook_entries
		SET is_active = 0, operation = 'delete', updated_at = ?
		WHERE cid = ? AND key = ? AND is_active = 1`,
		now, cid, key)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete entry rows: %w", err)
	}
	if affected == 0 {
		slog.Warn("delete on unknown key", "cid", cid, "key", key)
		return false, nil
	}
	slog.Info("deleted playbook entry", "cid", cid, "key", key)
	return true, nil
}

// GetActive returns the active entry for (cid, key) or ErrNotFound.
func (s *Store) GetActive(ctx context.Context, cid, key string) (*Entry, error) {
	entry, err := s.getActiveIn(ctx, s.db, cid, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *Store) getActiveIn(ctx context.Context, q execQuerier, cid, key string) (*Entry, error) {
	row := q.QueryRowContext(ctx, selectEntry+` WHERE cid = ? AND key = ? AND is_active = 1`, cid, key)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return entry, nil
}

// ActiveCount returns the number of active entries for a conversation.
func (s *Store) ActiveCount(ctx context.Context, cid string) (int, error) {
	return s.activeCountIn(ctx, s.db, cid)
}

func (s *Store) activeCountIn(ctx context.Context, q execQuerier, cid string) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM playbook_entries WHERE cid = ? AND is_active = 1`, cid).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

// ListOptions filters ListEntries.
type ListOptions struct {
	InsightType     string
	Tag             string
	IncludeInactive bool
}

// ListEntries returns a conversation's entries, active only by default.
// Results are ordered by type (fixed display order) then key.
func (s *Store) ListEntries(ctx context.Context, cid string, opts ListOptions) ([]*Entry, error) {
	query := selectEntry + ` WHERE cid = ?`
	args := []any{cid}
	if !opts.IncludeInactive {
		query += ` AND is_active = 1`
	}
	if opts.InsightType != "" {
		query += ` AND insight_type = ?`
		args = append(args, opts.InsightType)
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if opts.Tag != "" && !hasTag(entry.Tags, opts.Tag) {
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := typeRank(entries[i].InsightType), typeRank(entries[j].InsightType)
		if ti != tj {
			return ti < tj
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

// LogOperation appends one audit row. Append-only: there is no update or
// delete path for this table.
func (s *Store) LogOperation(ctx context.Context, logRow *OperationLog) error {
	return s.logOperationIn(ctx, s.db, logRow)
}

func (s *Store) logOperationIn(ctx context.Context, q execQuerier, logRow *OperationLog) error {
	ts := logRow.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var entryID any
	if logRow.EntryID != nil {
		entryID = *logRow.EntryID
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO playbook_operations
			(entry_id, cid, operation, extracted_data, success, error_message, source_feedback, llm_response, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entryID, logRow.CID, logRow.Operation, logRow.ExtractedData, logRow.Success,
		nullableString(logRow.ErrorMessage), logRow.SourceFeedback, nullableString(logRow.LLMResponse), ts)
	if err != nil {
		return fmt.Errorf("log operation: %w", err)
	}
	return nil
}

// Operations returns the newest audit rows for a conversation, for
// inspection only.
func (s *Store) Operations(ctx context.Context, cid string, limit int) ([]*OperationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, cid, operation, extracted_data, success, error_message, source_feedback, llm_response, timestamp
		FROM playbook_operations WHERE cid = ? ORDER BY id DESC LIMIT ?`, cid, limit)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var logs []*OperationLog
	for rows.Next() {
		var l OperationLog
		var entryID sql.NullInt64
		var errMsg, llmResp sql.NullString
		if err := rows.Scan(&l.ID, &entryID, &l.CID, &l.Operation, &l.ExtractedData, &l.Success, &errMsg, &l.SourceFeedback, &llmResp, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if entryID.Valid {
			l.EntryID = &entryID.Int64
		}
		l.ErrorMessage = errMsg.String
		l.LLMResponse = llmResp.String
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// FormatContext renders entries as the deterministic context block embedded
// in LLM prompts: grouped by type in fixed order, keys sorted, tags on a
// following line.
func FormatContext(entries []*Entry) string {
	if len(entries) == 0 {
		return "No playbook entries yet."
	}

	byType := make(map[string][]*Entry)
	for _, entry := range entries {
		byType[entry.InsightType] = append(byType[entry.InsightType], entry)
	}

	var b strings.Builder
	b.WriteString("=== USER'S PLAYBOOK (Knowledge Base) ===")
	for _, insightType := range typeOrder {
		group := byType[insightType]
		if len(group) == 0 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].Key < group[j].Key })
		b.WriteString("\n\n## " + strings.ToUpper(insightType) + ":")
		for _, entry := range group {
			b.WriteString("\n  • " + entry.Key + ": " + entry.Value)
			if len(entry.Tags) > 0 {
				b.WriteString("\n    Tags: " + strings.Join(entry.Tags, ", "))
			}
		}
	}
	b.WriteString("\n\n=== END PLAYBOOK ===")
	return b.String()
}

const selectEntry = `
	SELECT id, cid, insight_type, key, value, operation, source_feedback, confidence_score, version, is_active, tags, created_at, updated_at
	FROM playbook_entries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var tagsJSON string
	err := row.Scan(&e.ID, &e.CID, &e.InsightType, &e.Key, &e.Value, &e.Operation, &e.SourceFeedback,
		&e.Confidence, &e.Version, &e.IsActive, &tagsJSON, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if tagsJSON != "" && tagsJSON != "[]" {
		if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
			slog.Warn("unreadable tags column", "entry_id", e.ID, "error", err)
		}
	}
	return &e, nil
}

func marshalTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func typeRank(t string) int {
	for i, w := range typeOrder {
		if t == w {
			return i
		}
	}
	return len(typeOrder)
}
