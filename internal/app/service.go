package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"time"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/association"
	"nkowa/api/internal/auth"
	"nkowa/api/internal/blob"
	"nkowa/api/internal/cache"
	"nkowa/api/internal/config"
	"nkowa/api/internal/history"
	"nkowa/api/internal/importer"
	"nkowa/api/internal/merge"
	"nkowa/api/internal/pronunciation"
	"nkowa/api/internal/query"
	"nkowa/api/internal/rbac"
	"nkowa/api/internal/review"
	"nkowa/api/internal/search"
	"nkowa/api/internal/store"
)

// MaxSaveAttempts bounds the read-modify-write loop for ledger mutations.
const MaxSaveAttempts = 3

type Session struct {
	UserID   string
	UserName string
	Role     string
}

type selectionCache interface {
	GetSelection(ctx context.Context, userID, shape string) ([]string, bool, error)
	SaveSelection(ctx context.Context, userID, shape string, ids []string, ttl time.Duration) error
	InvalidateUser(ctx context.Context, userID string) error
}

type auditLog interface {
	merge.Recorder
	History(collection, id string, limit int) ([]history.CommitInfo, error)
	Version(collection, id, hash string) (json.RawMessage, error)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	Index(collection store.Collection, doc store.Document)
	Delete(collection store.Collection, id string)
}

// Deps are the backing services. Store is required; Blobs and Cache fall
// back to in-process implementations; the rest may be nil.
type Deps struct {
	Store   store.DocumentStore
	Blobs   blob.Storage
	Cache   selectionCache
	Jobs    association.JobTracker
	History auditLog
	Search  searchIndex
}

type Service struct {
	cfg      config.Config
	store    store.DocumentStore
	cache    selectionCache
	history  auditLog
	search   searchIndex
	resolver *association.Resolver
	engine   *merge.Engine
	importer *importer.Importer
	audio    *pronunciation.Manager
	policy   review.Policy
	limits   query.Limits
	rng      *rand.Rand
	now      func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	policy := review.Policy{
		ApprovalThreshold:      cfg.ApprovalThreshold,
		DenialThreshold:        cfg.DenialThreshold,
		StrictPronunciationIDs: cfg.StrictPronunciationIDs,
	}
	defaults := review.DefaultPolicy()
	if policy.ApprovalThreshold <= 0 {
		policy.ApprovalThreshold = defaults.ApprovalThreshold
	}
	if policy.DenialThreshold <= 0 {
		policy.DenialThreshold = defaults.DenialThreshold
	}
	limits := query.Limits{DefaultPageSize: cfg.DefaultPageSize, MaxPageSize: cfg.MaxPageSize}
	if limits.MaxPageSize <= 0 || limits.DefaultPageSize <= 0 {
		limits = query.DefaultLimits()
	}

	blobs := deps.Blobs
	if blobs == nil {
		blobs = blob.NewMemoryStorage()
	}
	selections := deps.Cache
	if selections == nil {
		selections = cache.NewMemoryStore()
	}

	resolver := association.NewResolver(deps.Store, deps.Jobs, cfg.RewriteBatchSize)
	var (
		recorder merge.Recorder
		indexer  merge.Indexer
		bulkIdx  importer.Indexer
	)
	if deps.History != nil {
		recorder = deps.History
	}
	if deps.Search != nil {
		indexer = deps.Search
		bulkIdx = deps.Search
	}

	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		cache:    selections,
		history:  deps.History,
		search:   deps.Search,
		resolver: resolver,
		engine:   merge.New(deps.Store, resolver, recorder, indexer),
		importer: importer.New(deps.Store, cfg.BulkUploadLimit, bulkIdx),
		audio:    pronunciation.NewManager(blobs),
		policy:   policy,
		limits:   limits,
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:   claims.Subject,
		UserName: claims.Name,
		Role:     string(rbac.Normalize(claims.Role)),
	}, nil
}

// Resolver exposes the association resolver for maintenance commands.
func (s *Service) Resolver() *association.Resolver {
	return s.resolver
}

func (s *Service) Engine() *merge.Engine {
	return s.engine
}

func (s *Service) loadSuggestion(ctx context.Context, kind store.SuggestionKind, id string) (store.Suggestion, error) {
	doc, err := store.LoadSuggestion(ctx, s.store, kind, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("%s suggestion %s not found", kind, id))
	}
	if err != nil {
		return nil, apperr.Dependency("load suggestion", err)
	}
	return doc, nil
}

// mutateSuggestion loads the suggestion, applies fn and saves it, reloading
// and reapplying fn when another writer got there first. fn reports whether
// it changed anything; unchanged documents are not saved.
func (s *Service) mutateSuggestion(ctx context.Context, kind store.SuggestionKind, id string, fn func(store.Suggestion) (bool, error)) (store.Suggestion, error) {
	for attempt := 1; attempt <= MaxSaveAttempts; attempt++ {
		doc, err := s.loadSuggestion(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		if doc.State().IsMerged() {
			return nil, apperr.Conflict("suggestion has already been merged", map[string]string{"merged": doc.State().Merged})
		}
		changed, err := fn(doc)
		if err != nil {
			return nil, err
		}
		if !changed {
			return doc, nil
		}
		err = store.Put(ctx, s.store, kind.SuggestionCollection(), doc)
		if errors.Is(err, store.ErrVersionConflict) {
			log.Printf("app: version conflict on %s/%s (attempt %d)", kind, id, attempt)
			continue
		}
		if err != nil {
			return nil, apperr.Dependency("save suggestion", err)
		}
		s.index(kind.SuggestionCollection(), doc)
		return doc, nil
	}
	return nil, apperr.Conflict("suggestion is being modified concurrently, try again", map[string]string{"id": id})
}

func (s *Service) index(collection store.Collection, doc store.Document) {
	if s.search != nil {
		s.search.Index(collection, doc)
	}
}

func (s *Service) unindex(collection store.Collection, id string) {
	if s.search != nil {
		s.search.Delete(collection, id)
	}
}

func (s *Service) invalidateSelections(ctx context.Context, userID string) {
	if err := s.cache.InvalidateUser(ctx, userID); err != nil {
		log.Printf("app: invalidate selections for %s: %v", userID, err)
	}
}

func kindFromSegment(segment string) (store.SuggestionKind, error) {
	kind, ok := store.KindFromPath(segment)
	if !ok {
		return "", apperr.NotFound(fmt.Sprintf("unknown collection %q", segment))
	}
	return kind, nil
}

func requireText(value, field string) error {
	if strings.TrimSpace(value) == "" {
		return apperr.Validation(field+" is required", map[string]string{"field": field})
	}
	return nil
}
