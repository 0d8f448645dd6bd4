package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"rundown/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Snapshot is the document state committed into a rundown's history repo.
// It carries everything needed to restore the rundown, minus store metadata.
type Snapshot struct {
	Title         string         `json:"title"`
	StartTime     string         `json:"startTime"`
	Timezone      string         `json:"timezone"`
	ShowDate      string         `json:"showDate"`
	ExternalNotes string         `json:"externalNotes"`
	Columns       []store.Column `json:"columns"`
	Items         []store.Item   `json:"items"`
	DocVersion    int64          `json:"docVersion"`
}

// SnapshotOf extracts the committable state from a rundown.
func SnapshotOf(doc store.Rundown) Snapshot {
	return Snapshot{
		Title:         doc.Title,
		StartTime:     doc.StartTime,
		Timezone:      doc.Timezone,
		ShowDate:      doc.ShowDate,
		ExternalNotes: doc.ExternalNotes,
		Columns:       doc.Columns,
		Items:         doc.Items,
		DocVersion:    doc.DocVersion,
	}
}

// Service keeps one plain git repository per rundown under baseDir and
// commits a JSON snapshot of the document per saved revision. Named versions
// are tags on snapshot commits.
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

// Commit writes the snapshot into the rundown's repo, initializing it on
// first use.
func (s *Service) Commit(rundownID string, snap Snapshot, author, message string) (store.CommitInfo, error) {
	lock := s.rundownLock(rundownID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(rundownID)
	if err != nil {
		return store.CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, "rundown.json"), append(payload, '\n'), 0o644); err != nil {
		return store.CommitInfo{}, fmt.Errorf("write rundown.json: %w", err)
	}
	if _, err := worktree.Add("rundown.json"); err != nil {
		return store.CommitInfo{}, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.rundown.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			// Nothing changed since the last snapshot.
			return s.head(rundownID)
		}
		return store.CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// head returns the latest snapshot commit. The rundown lock must be held.
func (s *Service) head(rundownID string) (store.CommitInfo, error) {
	repo, err := git.PlainOpen(s.repoPath(rundownID))
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("resolve HEAD: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists snapshot commits, newest first.
func (s *Service) History(rundownID string, limit int) ([]store.CommitInfo, error) {
	lock := s.rundownLock(rundownID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(rundownID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []store.CommitInfo{}, nil
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// GetSnapshot loads the snapshot stored at a commit or tag.
func (s *Service) GetSnapshot(rundownID, rev string) (Snapshot, error) {
	lock := s.rundownLock(rundownID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(rundownID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}

	hash, err := resolveHash(repo, rev)
	if err != nil {
		return Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read commit %s: %w", rev, err)
	}
	return readSnapshotFromCommit(commitObj)
}

// TagVersion names the snapshot at rev (HEAD if empty) so it can be restored
// later by name.
func (s *Service) TagVersion(rundownID, rev, name string) error {
	lock := s.rundownLock(rundownID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(rundownID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	var hash plumbing.Hash
	if rev == "" {
		ref, err := repo.Head()
		if err != nil {
			return fmt.Errorf("resolve HEAD: %w", err)
		}
		hash = ref.Hash()
	} else {
		hash, err = resolveHash(repo, rev)
		if err != nil {
			return err
		}
	}

	_, err = repo.CreateTag(name, hash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Rundown",
			Email: "rundown@localhost",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// NamedVersions lists tagged snapshots, newest first.
func (s *Service) NamedVersions(rundownID string) ([]store.NamedVersion, error) {
	lock := s.rundownLock(rundownID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(rundownID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []store.NamedVersion{}, nil
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}

	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("read tags: %w", err)
	}
	defer iter.Close()

	versions := make([]store.NamedVersion, 0)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		version := store.NamedVersion{Name: ref.Name().Short()}
		if tagObj, tagErr := repo.TagObject(ref.Hash()); tagErr == nil {
			version.Hash = tagObj.Target.String()[:7]
			version.CreatedAt = tagObj.Tagger.When
		} else if commitObj, commitErr := repo.CommitObject(ref.Hash()); commitErr == nil {
			// Lightweight tag: the ref points straight at the commit.
			version.Hash = commitObj.Hash.String()[:7]
			version.CreatedAt = commitObj.Author.When
		} else {
			return nil
		}
		versions = append(versions, version)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}

	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].CreatedAt.After(versions[j].CreatedAt)
	})
	return versions, nil
}

func (s *Service) openOrInit(rundownID string) (*git.Repository, error) {
	path := s.repoPath(rundownID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(rundownID string) string {
	return filepath.Join(s.baseDir, rundownID)
}

func (s *Service) rundownLock(rundownID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[rundownID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[rundownID] = lock
	return lock
}

func readSnapshotFromCommit(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File("rundown.json")
	if err != nil {
		return Snapshot{}, fmt.Errorf("load rundown.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
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

func resolveHash(repo *git.Repository, rev string) (plumbing.Hash, error) {
	if len(rev) == 40 {
		return plumbing.NewHash(rev), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve revision %s: %w", rev, err)
	}
	return *resolved, nil
}
