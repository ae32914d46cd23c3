package playbook

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "playbook.db")
	store, err := NewStore(dbPath, 50)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testInsight(key, value string) Insight {
	return Insight{
		InsightType: TypePreference,
		Key:         key,
		Value:       value,
		Operation:   OpInsert,
		Confidence:  DefaultConfidence,
	}
}

func TestInsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry, err := store.Insert(ctx, "conv-1", testInsight("response_style", "Prefers concise answers"), "be brief")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if entry.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if entry.Version != 1 {
		t.Fatalf("version = %d, want 1", entry.Version)
	}
	if !entry.IsActive {
		t.Fatal("new entry should be active")
	}

	got, err := store.GetActive(ctx, "conv-1", "response_style")
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if got.Value != "Prefers concise answers" {
		t.Fatalf("value = %q", got.Value)
	}
	if got.SourceFeedback != "be brief" {
		t.Fatalf("source_feedback = %q", got.SourceFeedback)
	}
}

func TestInsertExistingKeyBecomesUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Insert(ctx, "conv-1", testInsight("style", "v1"), "fb"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	entry, err := store.Insert(ctx, "conv-1", testInsight("style", "v2"), "fb2")
	if err != nil {
		t.Fatalf("Insert again: %v", err)
	}
	if entry.Version != 2 {
		t.Fatalf("version = %d, want 2", entry.Version)
	}
	if entry.Value != "v2" {
		t.Fatalf("value = %q, want v2", entry.Value)
	}

	count, err := store.ActiveCount(ctx, "conv-1")
	if err != nil {
		t.Fatalf("ActiveCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestUpdateUnknownKeyInserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := testInsight("tone", "Formal tone")
	in.Operation = OpUpdate
	entry, err := store.Update(ctx, "conv-1", in, "fb")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if entry.Version != 1 {
		t.Fatalf("version = %d, want 1 for fresh insert", entry.Version)
	}
}

func TestUpdateBumpsVersionAndTimestamp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Insert(ctx, "conv-1", testInsight("lang", "Go"), "fb")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	updated, err := store.Update(ctx, "conv-1", testInsight("lang", "Go and Rust"), "fb2")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("version = %d, want 2", updated.Version)
	}
	if !updated.UpdatedAt.After(first.UpdatedAt) {
		t.Fatal("updated_at did not advance")
	}
	if !updated.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("created_at changed on update")
	}
}

func TestDeleteIsSoft(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Insert(ctx, "conv-1", testInsight("old", "stale"), "fb"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	deleted, err := store.Delete(ctx, "conv-1", "old")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatal("expected deletion")
	}

	if _, err := store.GetActive(ctx, "conv-1", "old"); err != ErrNotFound {
		t.Fatalf("GetActive after delete: %v, want ErrNotFound", err)
	}

	// Row survives for the audit trail.
	all, err := store.ListEntries(ctx, "conv-1", ListOptions{IncludeInactive: true})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("rows = %d, want 1", len(all))
	}
	if all[0].IsActive {
		t.Fatal("row should be inactive")
	}
}

func TestDeleteUnknownKey(t *testing.T) {
	store := newTestStore(t)

	deleted, err := store.Delete(context.Background(), "conv-1", "ghost")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted {
		t.Fatal("expected no deletion for unknown key")
	}
}

func TestInsertAtCapacity(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "playbook.db")
	store, err := NewStore(dbPath, 3)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := store.Insert(ctx, "conv-1", testInsight(key, "v"), "fb"); err != nil {
			t.Fatalf("Insert %s: %v", key, err)
		}
	}
	if _, err := store.Insert(ctx, "conv-1", testInsight("d", "v"), "fb"); err != ErrCapacityExceeded {
		t.Fatalf("Insert at capacity: %v, want ErrCapacityExceeded", err)
	}

	// Other conversations are unaffected.
	if _, err := store.Insert(ctx, "conv-2", testInsight("a", "v"), "fb"); err != nil {
		t.Fatalf("Insert other conversation: %v", err)
	}
}

func TestListEntriesFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pref := testInsight("style", "concise")
	pref.Tags = []string{"communication"}
	if _, err := store.Insert(ctx, "conv-1", pref, "fb"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	fact := testInsight("stack", "Uses Go")
	fact.InsightType = TypeFact
	if _, err := store.Insert(ctx, "conv-1", fact, "fb"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	facts, err := store.ListEntries(ctx, "conv-1", ListOptions{InsightType: TypeFact})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(facts) != 1 || facts[0].Key != "stack" {
		t.Fatalf("type filter returned %v", facts)
	}

	tagged, err := store.ListEntries(ctx, "conv-1", ListOptions{Tag: "communication"})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(tagged) != 1 || tagged[0].Key != "style" {
		t.Fatalf("tag filter returned %v", tagged)
	}
}

func TestOperationsLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row := &OperationLog{
		CID:            "conv-1",
		Operation:      OpInsert,
		ExtractedData:  `{"key":"style"}`,
		Success:        true,
		SourceFeedback: "fb",
		LLMResponse:    "raw",
	}
	if err := store.LogOperation(ctx, row); err != nil {
		t.Fatalf("LogOperation: %v", err)
	}
	failed := &OperationLog{
		CID:           "conv-1",
		Operation:     OpInsert,
		ExtractedData: `{"key":"other"}`,
		Success:       false,
		ErrorMessage:  "Playbook limit reached (50 entries)",
	}
	if err := store.LogOperation(ctx, failed); err != nil {
		t.Fatalf("LogOperation: %v", err)
	}

	logs, err := store.Operations(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("Operations: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("logs = %d, want 2", len(logs))
	}
	// Newest first.
	if logs[0].Success {
		t.Fatal("expected newest row to be the failure")
	}
	if logs[0].ErrorMessage != "Playbook limit reached (50 entries)" {
		t.Fatalf("error_message = %q", logs[0].ErrorMessage)
	}
}

func TestFormatContextEmpty(t *testing.T) {
	if got := FormatContext(nil); got != "No playbook entries yet." {
		t.Fatalf("FormatContext(nil) = %q", got)
	}
}

func TestFormatContextDeterministic(t *testing.T) {
	entries := []*Entry{
		{InsightType: TypeFact, Key: "stack", Value: "Uses Go"},
		{InsightType: TypePreference, Key: "style", Value: "Concise", Tags: []string{"communication", "tone"}},
		{InsightType: TypePreference, Key: "format", Value: "Markdown"},
	}

	got := FormatContext(entries)
	if !strings.HasPrefix(got, "=== USER'S PLAYBOOK (Knowledge Base) ===") {
		t.Fatalf("missing header:\n%s", got)
	}
	if !strings.Contains(got, "## PREFERENCE:") || !strings.Contains(got, "## FACT:") {
		t.Fatalf("missing type sections:\n%s", got)
	}
	if !strings.Contains(got, "• style: Concise") {
		t.Fatalf("missing bullet:\n%s", got)
	}
	if !strings.Contains(got, "Tags: communication, tone") {
		t.Fatalf("missing tags line:\n%s", got)
	}
	if !strings.HasSuffix(got, "=== END PLAYBOOK ===") {
		t.Fatalf("missing footer:\n%s", got)
	}
	// Preferences render before facts regardless of input order, keys sorted.
	if strings.Index(got, "## PREFERENCE:") > strings.Index(got, "## FACT:") {
		t.Fatalf("type order wrong:\n%s", got)
	}
	if strings.Index(got, "format: Markdown") > strings.Index(got, "style: Concise") {
		t.Fatalf("key order wrong:\n%s", got)
	}

	if again := FormatContext(entries); again != got {
		t.Fatal("formatting is not deterministic")
	}
}
