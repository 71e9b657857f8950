package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/auth"
	"nkowa/api/internal/config"
	"nkowa/api/internal/store"
)

const testSecret = "test-secret"

func newTestService(ds store.DocumentStore) *Service {
	return New(config.Config{
		JWTSecret:         testSecret,
		ApprovalThreshold: 2,
		DenialThreshold:   2,
		BulkUploadLimit:   3,
		DefaultPageSize:   10,
		MaxPageSize:       100,
		SelectionPool:     50,
	}, Deps{Store: ds})
}

func tokenFor(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), userID, userID, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
}

// conflictingStore fails the first n suggestion saves with a version
// conflict.
type conflictingStore struct {
	*store.MemoryStore
	remaining atomic.Int32
}

func (s *conflictingStore) Save(ctx context.Context, collection store.Collection, record store.Record) (store.Record, error) {
	if record.Version > 0 && s.remaining.Add(-1) >= 0 {
		return store.Record{}, store.ErrVersionConflict
	}
	return s.MemoryStore.Save(ctx, collection, record)
}

func seedExample(t *testing.T, ds store.DocumentStore, doc *store.ExampleSuggestion) *store.ExampleSuggestion {
	t.Helper()
	if err := store.Put(context.Background(), ds, store.CollectionExampleSuggestions, doc); err != nil {
		t.Fatalf("seed example suggestion: %v", err)
	}
	return doc
}

func TestMutateSuggestionRetriesVersionConflicts(t *testing.T) {
	ds := &conflictingStore{MemoryStore: store.NewMemoryStore()}
	svc := newTestService(ds)
	doc := seedExample(t, ds, &store.ExampleSuggestion{ExampleFields: store.ExampleFields{Igbo: "Kedu"}})

	ds.remaining.Store(2)
	updated, err := svc.ApproveSuggestion(context.Background(), store.KindExample, doc.ID, Session{UserID: "u2", Role: "editor"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got := updated.State().Approvals; len(got) != 1 || got[0] != "u2" {
		t.Fatalf("expected approvals [u2], got %v", got)
	}
}

func TestMutateSuggestionGivesUpAfterRepeatedConflicts(t *testing.T) {
	ds := &conflictingStore{MemoryStore: store.NewMemoryStore()}
	svc := newTestService(ds)
	doc := seedExample(t, ds, &store.ExampleSuggestion{ExampleFields: store.ExampleFields{Igbo: "Kedu"}})

	ds.remaining.Store(MaxSaveAttempts)
	_, err := svc.ApproveSuggestion(context.Background(), store.KindExample, doc.ID, Session{UserID: "u2", Role: "editor"})
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestApproveIsIdempotent(t *testing.T) {
	ds := store.NewMemoryStore()
	svc := newTestService(ds)
	doc := seedExample(t, ds, &store.ExampleSuggestion{ExampleFields: store.ExampleFields{Igbo: "Kedu"}})
	session := Session{UserID: "u2", Role: "editor"}

	if _, err := svc.ApproveSuggestion(context.Background(), store.KindExample, doc.ID, session); err != nil {
		t.Fatalf("approve: %v", err)
	}
	again, err := svc.ApproveSuggestion(context.Background(), store.KindExample, doc.ID, session)
	if err != nil {
		t.Fatalf("approve again: %v", err)
	}
	if again.GetMeta().Version != 2 {
		t.Fatalf("expected a repeated approval to leave version 2, got %d", again.GetMeta().Version)
	}

	denied, err := svc.DenySuggestion(context.Background(), store.KindExample, doc.ID, session)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	state := denied.State()
	if len(state.Approvals) != 0 || len(state.Denials) != 1 {
		t.Fatalf("expected the approval to move to denials, got approvals=%v denials=%v", state.Approvals, state.Denials)
	}
}

func TestRequestMergeFirstRequesterWins(t *testing.T) {
	ds := store.NewMemoryStore()
	svc := newTestService(ds)
	doc := seedExample(t, ds, &store.ExampleSuggestion{ExampleFields: store.ExampleFields{Igbo: "Kedu"}})

	first, err := svc.RequestMerge(context.Background(), store.KindExample, doc.ID, Session{UserID: "u1"})
	if err != nil {
		t.Fatalf("request merge: %v", err)
	}
	second, err := svc.RequestMerge(context.Background(), store.KindExample, doc.ID, Session{UserID: "u2"})
	if err != nil {
		t.Fatalf("request merge again: %v", err)
	}
	if first.State().MergeRequestedBy != "u1" || second.State().MergeRequestedBy != "u1" {
		t.Fatalf("expected u1 to stay the requester, got %q", second.State().MergeRequestedBy)
	}
	if second.State().Status() != store.StatusMergeRequested {
		t.Fatalf("expected MERGE_REQUESTED, got %s", second.State().Status())
	}
}

func TestUpdateSuggestionKeepsLedgers(t *testing.T) {
	ds := store.NewMemoryStore()
	svc := newTestService(ds)
	doc := seedExample(t, ds, &store.ExampleSuggestion{
		ExampleFields:   store.ExampleFields{Igbo: "Kedu"},
		SuggestionState: store.SuggestionState{AuthorID: "u1", Approvals: []string{"u2"}},
	})

	raw := json.RawMessage(`{"igbo":"Kedu ka i mere","english":"How are you","approvals":[],"merged":"forged"}`)
	updated, err := svc.UpdateSuggestion(context.Background(), store.KindExample, doc.ID, raw, Session{UserID: "u3"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	example := updated.(*store.ExampleSuggestion)
	if example.Igbo != "Kedu ka i mere" {
		t.Fatalf("expected new igbo text, got %q", example.Igbo)
	}
	if len(example.Approvals) != 1 || example.Merged != "" {
		t.Fatalf("expected ledgers to survive the edit, got approvals=%v merged=%q", example.Approvals, example.Merged)
	}
	if example.AuthorID != "u1" {
		t.Fatalf("expected author u1, got %q", example.AuthorID)
	}
}

func newSmallPoolService(ds store.DocumentStore) *Service {
	return New(config.Config{JWTSecret: testSecret, SelectionPool: 2}, Deps{Store: ds})
}

func recordAudio(t *testing.T, svc *Service, id, userID string) {
	t.Helper()
	if _, err := svc.AddPronunciation(context.Background(), store.KindExample, id, sampleAudio, Session{UserID: userID}); err != nil {
		t.Fatalf("add pronunciation: %v", err)
	}
}

func TestRandomForReviewLooksPastOwnRecordings(t *testing.T) {
	ds := store.NewMemoryStore()
	svc := newSmallPoolService(ds)
	first := seedExample(t, ds, &store.ExampleSuggestion{ExampleFields: store.ExampleFields{Igbo: "Otu"}})
	second := seedExample(t, ds, &store.ExampleSuggestion{ExampleFields: store.ExampleFields{Igbo: "Abụọ"}})
	third := seedExample(t, ds, &store.ExampleSuggestion{ExampleFields: store.ExampleFields{Igbo: "Atọ"}})
	recordAudio(t, svc, first.ID, "u1")
	recordAudio(t, svc, second.ID, "u1")
	recordAudio(t, svc, third.ID, "u2")

	docs, err := svc.RandomForReview(context.Background(), 5, Session{UserID: "u1"})
	if err != nil {
		t.Fatalf("random for review: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != third.ID {
		t.Fatalf("expected only %s to be reviewable by u1, got %d items", third.ID, len(docs))
	}
}

func TestRandomForRecordingLooksPastOwnRecordings(t *testing.T) {
	ds := store.NewMemoryStore()
	svc := newSmallPoolService(ds)
	first := seedExample(t, ds, &store.ExampleSuggestion{ExampleFields: store.ExampleFields{Igbo: "Otu"}})
	second := seedExample(t, ds, &store.ExampleSuggestion{ExampleFields: store.ExampleFields{Igbo: "Abụọ"}})
	third := seedExample(t, ds, &store.ExampleSuggestion{ExampleFields: store.ExampleFields{Igbo: "Atọ"}})
	recordAudio(t, svc, first.ID, "u1")
	recordAudio(t, svc, second.ID, "u1")
	recordAudio(t, svc, third.ID, "u2")

	docs, err := svc.RandomForRecording(context.Background(), 5, Session{UserID: "u1"})
	if err != nil {
		t.Fatalf("random for recording: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != third.ID {
		t.Fatalf("expected only %s to be recordable by u1, got %d items", third.ID, len(docs))
	}
}

// mergeOnDeleteStore merges the suggestion just before the first delete
// reaches the store.
type mergeOnDeleteStore struct {
	*store.MemoryStore
	merged bool
}

func (s *mergeOnDeleteStore) Delete(ctx context.Context, collection store.Collection, id string, version int64) error {
	if !s.merged {
		s.merged = true
		var doc store.ExampleSuggestion
		if err := store.Get(ctx, s.MemoryStore, collection, id, &doc); err != nil {
			return err
		}
		doc.Merged, doc.MergedBy = "ex-9", "u4"
		if err := store.Put(ctx, s.MemoryStore, collection, &doc); err != nil {
			return err
		}
	}
	return s.MemoryStore.Delete(ctx, collection, id, version)
}

func TestDeleteSuggestionLosesRaceToMerge(t *testing.T) {
	ds := &mergeOnDeleteStore{MemoryStore: store.NewMemoryStore()}
	svc := newTestService(ds)
	doc := seedExample(t, ds, &store.ExampleSuggestion{
		ExampleFields:   store.ExampleFields{Igbo: "Osisi"},
		SuggestionState: store.SuggestionState{AuthorID: "u1"},
	})

	err := svc.DeleteSuggestion(context.Background(), store.KindExample, doc.ID, Session{UserID: "u1", Role: "contributor"})
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var stored store.ExampleSuggestion
	if err := store.Get(context.Background(), ds, store.CollectionExampleSuggestions, doc.ID, &stored); err != nil {
		t.Fatalf("expected the merged suggestion to survive: %v", err)
	}
	if stored.Merged != "ex-9" {
		t.Fatalf("expected merged ex-9, got %q", stored.Merged)
	}
}
