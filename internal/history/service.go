// Package history keeps an audit trail of canonical documents. Every document
// gets its own git repository holding a single document.json; each write is a
// commit authored by the user who caused it.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const fileName = "document.json"

var (
	ErrNoHistory = errors.New("no history for document")
	ErrDeleted   = errors.New("document deleted in this version")

	segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record commits the current state of a canonical document.
func (s *Service) Record(collection, id string, doc any, author, message string) (CommitInfo, error) {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal document: %w", err)
	}
	return s.write(collection, id, author, message, func(root string, worktree *git.Worktree) error {
		if err := os.WriteFile(filepath.Join(root, fileName), append(payload, '\n'), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", fileName, err)
		}
		if _, err := worktree.Add(fileName); err != nil {
			return fmt.Errorf("git add document: %w", err)
		}
		return nil
	})
}

// RecordDelete commits the removal of a canonical document. Its earlier
// versions stay readable.
func (s *Service) RecordDelete(collection, id, author, message string) (CommitInfo, error) {
	return s.write(collection, id, author, message, func(root string, worktree *git.Worktree) error {
		if _, err := os.Stat(filepath.Join(root, fileName)); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if _, err := worktree.Remove(fileName); err != nil {
			return fmt.Errorf("git rm document: %w", err)
		}
		return nil
	})
}

func (s *Service) write(collection, id, author, message string, stage func(root string, worktree *git.Worktree) error) (CommitInfo, error) {
	path, err := s.repoPath(collection, id)
	if err != nil {
		return CommitInfo{}, err
	}
	lock := s.documentLock(path)
	lock.Lock()
	defer lock.Unlock()

	repo, created, err := openOrInit(path)
	if err != nil {
		return CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := stage(path, worktree); err != nil {
		return CommitInfo{}, err
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@users.nkowa.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit document: %w", err)
	}
	if created {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
			return CommitInfo{}, fmt.Errorf("set main branch ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
			return CommitInfo{}, fmt.Errorf("set HEAD to main: %w", err)
		}
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists commits for a document, newest first.
func (s *Service) History(collection, id string, limit int) ([]CommitInfo, error) {
	path, err := s.repoPath(collection, id)
	if err != nil {
		return nil, err
	}
	lock := s.documentLock(path)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Version returns the document as it was at hash (full or abbreviated).
func (s *Service) Version(collection, id, hash string) (json.RawMessage, error) {
	path, err := s.repoPath(collection, id)
	if err != nil {
		return nil, err
	}
	lock := s.documentLock(path)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readDocument(commitObj)
}

// ChangedFields lists the top-level fields that differ between two versions.
func ChangedFields(from, to json.RawMessage) []string {
	before, after := map[string]json.RawMessage{}, map[string]json.RawMessage{}
	_ = json.Unmarshal(from, &before)
	_ = json.Unmarshal(to, &after)

	changed := make([]string, 0)
	for field, value := range after {
		if field == "updatedAt" || field == "version" {
			continue
		}
		if !sameJSON(before[field], value) {
			changed = append(changed, field)
		}
	}
	for field := range before {
		if _, ok := after[field]; !ok {
			changed = append(changed, field)
		}
	}
	sort.Strings(changed)
	return changed
}

func openOrInit(path string) (*git.Repository, bool, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, false, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, false, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}
	return repo, true, nil
}

func (s *Service) repoPath(collection, id string) (string, error) {
	if !segmentPattern.MatchString(collection) || !segmentPattern.MatchString(id) {
		return "", fmt.Errorf("invalid history key %s/%s", collection, id)
	}
	return filepath.Join(s.baseDir, collection, id), nil
}

func (s *Service) documentLock(path string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[path]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[path] = lock
	return lock
}

func readDocument(commitObj *object.Commit) (json.RawMessage, error) {
	file, err := commitObj.File(fileName)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, ErrDeleted
	}
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", fileName, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fileName, err)
	}
	return json.RawMessage(contents), nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func sameJSON(a, b json.RawMessage) bool {
	var left, right any
	if err := json.Unmarshal(a, &left); err != nil && len(a) > 0 {
		return false
	}
	if err := json.Unmarshal(b, &right); err != nil && len(b) > 0 {
		return false
	}
	l, _ := json.Marshal(left)
	r, _ := json.Marshal(right)
	return string(l) == string(r)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
