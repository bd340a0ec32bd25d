// Package library keeps a git history of every organization's citations.
// Each organization owns one repository; each citation is one JSON file.
package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"refmanager/api/internal/events"
)

const citationsDir = "citations"

var ErrNoHistory = errors.New("no history for citation")

type Commit struct {
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

// Record writes the citation file and commits it.
func (s *Service) Record(organizationID string, citation events.Citation, author string) (Commit, error) {
	if citation.ID == "" {
		return Commit{}, fmt.Errorf("record citation: missing id")
	}
	lock := s.orgLock(organizationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(organizationID)
	if err != nil {
		return Commit{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(citation, "", "  ")
	if err != nil {
		return Commit{}, fmt.Errorf("marshal citation: %w", err)
	}
	rel := citationPath(citation.ID)
	abs := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Commit{}, fmt.Errorf("create citations dir: %w", err)
	}
	if err := os.WriteFile(abs, append(payload, '\n'), 0o644); err != nil {
		return Commit{}, fmt.Errorf("write %s: %w", rel, err)
	}
	if _, err := worktree.Add(rel); err != nil {
		return Commit{}, fmt.Errorf("git add %s: %w", rel, err)
	}
	return commit(repo, worktree, fmt.Sprintf("Add citation %q", citation.Fields.Title), author)
}

// Remove deletes the citation files and commits once. Ids that were never
// recorded are skipped; ok is false when nothing changed.
func (s *Service) Remove(organizationID string, citationIDs []string, author string) (Commit, bool, error) {
	lock := s.orgLock(organizationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(organizationID)
	if err != nil {
		return Commit{}, false, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, false, fmt.Errorf("open worktree: %w", err)
	}

	removed := make([]string, 0, len(citationIDs))
	for _, id := range citationIDs {
		rel := citationPath(id)
		if _, err := os.Stat(filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(rel))); err != nil {
			continue
		}
		if _, err := worktree.Remove(rel); err != nil {
			return Commit{}, false, fmt.Errorf("git rm %s: %w", rel, err)
		}
		removed = append(removed, id)
	}
	if len(removed) == 0 {
		return Commit{}, false, nil
	}

	message := fmt.Sprintf("Remove %d citation(s)\n\n%s", len(removed), strings.Join(removed, "\n"))
	c, err := commit(repo, worktree, message, author)
	if err != nil {
		return Commit{}, false, err
	}
	return c, true, nil
}

// History lists commits touching one citation, newest first.
func (s *Service) History(organizationID, citationID string, limit int) ([]Commit, error) {
	lock := s.orgLock(organizationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(organizationID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, ErrNoHistory
		}
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	file := citationPath(citationID)
	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), FileName: &file})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(c *object.Commit) error {
		items = append(items, toCommit(c))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrNoHistory
	}
	return items, nil
}

// Citation reads the stored citation at HEAD.
func (s *Service) Citation(organizationID, citationID string) (events.Citation, error) {
	lock := s.orgLock(organizationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(organizationID))
	if err != nil {
		return events.Citation{}, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return events.Citation{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return events.Citation{}, fmt.Errorf("load head commit: %w", err)
	}
	file, err := commitObj.File(citationPath(citationID))
	if err != nil {
		return events.Citation{}, fmt.Errorf("load %s: %w", citationID, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return events.Citation{}, fmt.Errorf("read %s: %w", citationID, err)
	}
	var citation events.Citation
	if err := json.Unmarshal([]byte(contents), &citation); err != nil {
		return events.Citation{}, fmt.Errorf("decode %s: %w", citationID, err)
	}
	return citation, nil
}

func (s *Service) openOrInit(organizationID string) (*git.Repository, error) {
	p := s.repoPath(organizationID)
	repo, err := git.PlainOpen(p)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(p, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(organizationID string) string {
	return filepath.Join(s.baseDir, organizationID)
}

func (s *Service) orgLock(organizationID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[organizationID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[organizationID] = lock
	return lock
}

func citationPath(id string) string {
	return path.Join(citationsDir, id+".json")
}

func commit(repo *git.Repository, worktree *git.Worktree, message, author string) (Commit, error) {
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.refmanager.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return Commit{}, fmt.Errorf("commit: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

func toCommit(c *object.Commit) Commit {
	return Commit{
		Hash:      c.Hash.String()[:7],
		Message:   strings.TrimSpace(c.Message),
		Author:    c.Author.Name,
		CreatedAt: c.Author.When,
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
