// Package gitrepo keeps the revision history of annotation overlays. Each
// source document owns one repository: main carries the source text and every
// annotator commits to a branch of their own.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"annoremote/api/internal/document"
)

const (
	sourceFile  = "source.txt"
	overlayFile = "overlay.json"
	mainBranch  = "main"
)

var (
	ErrNotFound         = errors.New("overlay not found")
	ErrInvalidAnnotator = errors.New("invalid annotator name")
)

var annotatorPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

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

// ValidAnnotator reports whether name can be used as a branch suffix.
func ValidAnnotator(name string) bool {
	return annotatorPattern.MatchString(name) && name != "." && name != ".."
}

func BranchName(annotator string) string {
	return "annotator/" + annotator
}

// EnsureDocumentRepo creates the repository with the source text on main.
// An existing repository is left untouched.
func (s *Service) EnsureDocumentRepo(documentID, sourceText, author string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, sourceFile), []byte(sourceText), 0o644); err != nil {
		return fmt.Errorf("write source text: %w", err)
	}
	if _, err := worktree.Add(sourceFile); err != nil {
		return fmt.Errorf("git add source text: %w", err)
	}
	hash, err := worktree.Commit("Import source document", &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit source text: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// DeleteDocumentRepo removes the repository and all overlay history.
func (s *Service) DeleteDocumentRepo(documentID string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(documentID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

// CommitOverlay stores overlay on the annotator's branch. When the file is
// already identical to the branch head no commit is made and unchanged is true.
func (s *Service) CommitOverlay(documentID, annotator string, overlay *document.Overlay, message string) (info CommitInfo, unchanged bool, err error) {
	if !ValidAnnotator(annotator) {
		return CommitInfo{}, false, fmt.Errorf("%w: %q", ErrInvalidAnnotator, annotator)
	}
	payload, err := json.MarshalIndent(overlay, "", "  ")
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("marshal overlay: %w", err)
	}

	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("open repo: %w", err)
	}
	branch := BranchName(annotator)
	if err := ensureBranch(repo, branch, mainBranch); err != nil {
		return CommitInfo{}, false, err
	}
	if err := checkoutBranch(repo, branch); err != nil {
		return CommitInfo{}, false, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, overlayFile), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, false, fmt.Errorf("write %s: %w", overlayFile, err)
	}
	if _, err := worktree.Add(overlayFile); err != nil {
		return CommitInfo{}, false, fmt.Errorf("git add overlay: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("read worktree status: %w", err)
	}
	if status.IsClean() {
		head, err := branchHead(repo, branch)
		if err != nil {
			return CommitInfo{}, false, err
		}
		return toCommitInfo(head), true, nil
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature(annotator)})
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("commit overlay: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), false, nil
}

// BranchHead returns the commit hash at the tip of the annotator's branch, or
// "" when the annotator has no branch yet.
func (s *Service) BranchHead(documentID, annotator string) (string, error) {
	if !ValidAnnotator(annotator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAnnotator, annotator)
	}

	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return "", err
	}
	head, err := branchHead(repo, BranchName(annotator))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return head.Hash.String(), nil
}

// ResetBranch moves the annotator's branch back to hash. An empty hash
// removes the branch.
func (s *Service) ResetBranch(documentID, annotator, hash string) error {
	if !ValidAnnotator(annotator) {
		return fmt.Errorf("%w: %q", ErrInvalidAnnotator, annotator)
	}

	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return err
	}
	branch := BranchName(annotator)
	refName := plumbing.NewBranchReferenceName(branch)

	if hash == "" {
		if err := checkoutBranch(repo, mainBranch); err != nil {
			return err
		}
		if err := repo.Storer.RemoveReference(refName); err != nil {
			return fmt.Errorf("remove branch %s: %w", branch, err)
		}
		return nil
	}

	target := plumbing.NewHash(hash)
	if _, err := repo.CommitObject(target); err != nil {
		return fmt.Errorf("%w: revision %s", ErrNotFound, hash)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(refName, target)); err != nil {
		return fmt.Errorf("reset branch %s: %w", branch, err)
	}
	return checkoutBranch(repo, branch)
}

// ReadOverlay returns the head overlay of the annotator's branch, or the one
// at revision when it is not empty.
func (s *Service) ReadOverlay(documentID, annotator, revision string) (*document.Overlay, CommitInfo, error) {
	if !ValidAnnotator(annotator) {
		return nil, CommitInfo{}, fmt.Errorf("%w: %q", ErrInvalidAnnotator, annotator)
	}

	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, CommitInfo{}, err
	}

	var commitObj *object.Commit
	if revision == "" {
		commitObj, err = branchHead(repo, BranchName(annotator))
	} else {
		commitObj, err = commitByRevision(repo, revision)
	}
	if err != nil {
		return nil, CommitInfo{}, err
	}

	payload, err := readFile(commitObj, overlayFile)
	if err != nil {
		return nil, CommitInfo{}, err
	}
	var overlay document.Overlay
	if err := json.Unmarshal(payload, &overlay); err != nil {
		return nil, CommitInfo{}, fmt.Errorf("decode stored overlay: %w", err)
	}
	return &overlay, toCommitInfo(commitObj), nil
}

// History lists the commits of the annotator's branch, newest first.
func (s *Service) History(documentID, annotator string, limit int) ([]CommitInfo, error) {
	if !ValidAnnotator(annotator) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAnnotator, annotator)
	}

	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	head, err := branchHead(repo, BranchName(annotator))
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		if _, err := commitObj.File(overlayFile); err != nil {
			// main's source import carries no overlay
			return io.EOF
		}
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

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func ensureBranch(repo *git.Repository, branchName, fromBranch string) error {
	branchRefName := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRefName, true); err == nil {
		return nil
	}

	fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(fromBranch), true)
	if err != nil {
		return fmt.Errorf("read source branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRefName, fromRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}
	return nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branchName), Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func branchHead(repo *git.Repository, branchName string) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func commitByRevision(repo *git.Repository, revision string) (*object.Commit, error) {
	resolved, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return nil, fmt.Errorf("%w: revision %s", ErrNotFound, revision)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", revision, err)
	}
	return commitObj, nil
}

func readFile(commitObj *object.Commit, name string) ([]byte, error) {
	file, err := commitObj.File(name)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return payload, nil
}

func signature(name string) *object.Signature {
	return &object.Signature{
		Name:  name,
		Email: fmt.Sprintf("%s@local.annoremote.dev", sanitizeEmail(name)),
		When:  time.Now(),
	}
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
		if r == ' ' || r == '-' || r == '_' || r == '.' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "annotator"
	}
	return string(out)
}
