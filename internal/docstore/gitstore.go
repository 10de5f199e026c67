package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage"

	"pawlenx/api/internal/util"
)

var errPushRejected = errors.New("push rejected")

const (
	remoteName      = "origin"
	maxRefAttempts  = 16
	maxPushAttempts = 5
)

type GitOptions struct {
	// Dir holds a bare repository. It is created when missing.
	Dir    string
	Branch string
	// RemoteURL, when set, makes the remote branch the source of truth.
	RemoteURL   string
	Username    string
	Token       string
	AuthorName  string
	AuthorEmail string
}

// GitStore keeps every document as a file on one branch of a bare git
// repository. Writes commit a new tree directly through the object storer and
// move the branch with a ref compare-and-set, so no worktree is involved.
type GitStore struct {
	repo   *git.Repository
	branch plumbing.ReferenceName
	remote bool
	auth   transport.AuthMethod
	author object.Signature
	now    func() time.Time

	// ioMu serializes remote mode operations: fetch, object reads and
	// building, push. The go-git filesystem storer is not safe for
	// concurrent fetches. Lock order is ioMu then refMu.
	ioMu sync.Mutex
	// refMu serializes local object building and the ref swap.
	refMu sync.Mutex
}

func OpenGit(opts GitOptions) (*GitStore, error) {
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.AuthorName == "" {
		opts.AuthorName = "PawLenx"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "noreply@pawlenx.local"
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainOpen(opts.Dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(opts.Dir, true)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	s := &GitStore{
		repo:   repo,
		branch: plumbing.NewBranchReferenceName(opts.Branch),
		remote: opts.RemoteURL != "",
		author: object.Signature{Name: opts.AuthorName, Email: opts.AuthorEmail},
		now:    time.Now,
	}
	if opts.Token != "" {
		username := opts.Username
		if username == "" {
			username = "x-access-token"
		}
		s.auth = &githttp.BasicAuth{Username: username, Password: opts.Token}
	}

	if s.remote {
		if err := s.ensureRemote(opts.RemoteURL); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err := s.ensureBranch(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GitStore) ensureRemote(url string) error {
	existing, err := s.repo.Remote(remoteName)
	if err == nil {
		if urls := existing.Config().URLs; len(urls) > 0 && urls[0] == url {
			return nil
		}
		if err := s.repo.DeleteRemote(remoteName); err != nil {
			return fmt.Errorf("replace remote: %w", err)
		}
	} else if !errors.Is(err, git.ErrRemoteNotFound) {
		return fmt.Errorf("read remote: %w", err)
	}
	if _, err := s.repo.CreateRemote(&gitconfig.RemoteConfig{Name: remoteName, URLs: []string{url}}); err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	return nil
}

func (s *GitStore) ensureBranch() error {
	s.refMu.Lock()
	defer s.refMu.Unlock()

	if _, err := s.repo.Reference(s.branch, true); err == nil {
		return nil
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("resolve branch: %w", err)
	}
	treeHash, err := s.storeTree(nil)
	if err != nil {
		return err
	}
	commit, err := s.storeCommit(treeHash, plumbing.ZeroHash, "Initialize document store")
	if err != nil {
		return err
	}
	if err := s.repo.Storer.SetReference(plumbing.NewHashReference(s.branch, commit)); err != nil {
		return fmt.Errorf("set branch ref: %w", err)
	}
	if err := s.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, s.branch)); err != nil {
		return fmt.Errorf("set HEAD: %w", err)
	}
	return nil
}

func (s *GitStore) Read(ctx context.Context, p string) (Document, error) {
	clean, err := filePath(p)
	if err != nil {
		return Document{}, err
	}
	defer s.lockIO()()
	head, err := s.head(ctx)
	if err != nil {
		return Document{}, err
	}
	if head.IsZero() {
		return Document{}, ErrNotFound
	}

	s.refMu.Lock()
	defer s.refMu.Unlock()
	tree, err := s.treeAt(head)
	if err != nil {
		return Document{}, err
	}
	entry, err := findFile(tree, clean)
	if err != nil {
		return Document{}, err
	}
	blob, err := s.repo.BlobObject(entry.Hash)
	if err != nil {
		return Document{}, fmt.Errorf("load blob %s: %w", clean, err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return Document{}, fmt.Errorf("open blob %s: %w", clean, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return Document{}, fmt.Errorf("read blob %s: %w", clean, err)
	}
	return Document{Path: clean, Data: data, Token: Token(entry.Hash.String())}, nil
}

func (s *GitStore) Write(ctx context.Context, p string, data []byte, token Token, message string) (Token, error) {
	clean, err := filePath(p)
	if err != nil {
		return "", err
	}
	if message == "" {
		message = "Update " + clean
	}
	if s.remote {
		return s.writeRemote(ctx, clean, data, token, message)
	}

	for attempt := 0; attempt < maxRefAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		next, err := s.commitLocal(clean, data, token, message)
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			continue
		}
		return next, err
	}
	return "", fmt.Errorf("%w: branch kept moving", ErrConflict)
}

// commitLocal builds a commit on the current branch head and swaps the ref.
// ErrReferenceHasChanged means another writer moved the branch in between.
func (s *GitStore) commitLocal(p string, data []byte, token Token, message string) (Token, error) {
	s.refMu.Lock()
	defer s.refMu.Unlock()

	old, err := s.repo.Reference(s.branch, true)
	if err != nil {
		return "", fmt.Errorf("resolve branch: %w", err)
	}
	commit, blob, err := s.buildCommit(old.Hash(), p, data, token, message)
	if err != nil {
		return "", err
	}
	next := plumbing.NewHashReference(s.branch, commit)
	current := plumbing.NewHashReference(s.branch, old.Hash())
	if err := s.repo.Storer.CheckAndSetReference(next, current); err != nil {
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			return "", err
		}
		return "", fmt.Errorf("advance branch: %w", err)
	}
	return Token(blob.String()), nil
}

func (s *GitStore) writeRemote(ctx context.Context, p string, data []byte, token Token, message string) (Token, error) {
	for attempt := 0; attempt < maxPushAttempts; attempt++ {
		next, err := s.pushOnce(ctx, p, data, token, message)
		if !errors.Is(err, errPushRejected) {
			return next, err
		}
		// The remote moved. The next fetch re-checks the token against the
		// new head and fails with ErrConflict if this document changed.
	}
	return "", fmt.Errorf("%w: remote branch kept moving", ErrConflict)
}

// pushOnce fetches, builds a commit on the remote head and pushes it. A push
// refused because the remote branch moved yields errPushRejected.
func (s *GitStore) pushOnce(ctx context.Context, p string, data []byte, token Token, message string) (Token, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	base, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}

	s.refMu.Lock()
	commit, blob, err := s.buildCommit(base, p, data, token, message)
	var outgoing plumbing.ReferenceName
	if err == nil {
		outgoing = plumbing.ReferenceName("refs/pawlenx/outgoing/" + util.NewID(""))
		err = s.repo.Storer.SetReference(plumbing.NewHashReference(outgoing, commit))
	}
	s.refMu.Unlock()
	if err != nil {
		return "", err
	}

	pushErr := s.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(outgoing.String() + ":" + s.branch.String())},
		Auth:       s.auth,
	})
	_ = s.repo.Storer.RemoveReference(outgoing)
	switch {
	case pushErr == nil, errors.Is(pushErr, git.NoErrAlreadyUpToDate):
	case isPushRejected(pushErr):
		return "", fmt.Errorf("%w: %v", errPushRejected, pushErr)
	default:
		return "", classifyRemote("push", pushErr)
	}
	s.refMu.Lock()
	err = s.repo.Storer.SetReference(plumbing.NewHashReference(s.trackingRef(), commit))
	s.refMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("record pushed head: %w", err)
	}
	return Token(blob.String()), nil
}

func (s *GitStore) List(ctx context.Context, p string) ([]Entry, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	defer s.lockIO()()
	head, err := s.head(ctx)
	if err != nil {
		return nil, err
	}
	if head.IsZero() {
		return []Entry{}, nil
	}

	s.refMu.Lock()
	defer s.refMu.Unlock()
	tree, err := s.treeAt(head)
	if err != nil {
		return nil, err
	}
	if clean != "" {
		entry, err := tree.FindEntry(clean)
		if isMissing(err) || (err == nil && entry.Mode != filemode.Dir) {
			return []Entry{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", clean, err)
		}
		if tree, err = s.repo.TreeObject(entry.Hash); err != nil {
			return nil, fmt.Errorf("load tree %s: %w", clean, err)
		}
	}

	entries := make([]Entry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		item := Entry{Name: e.Name, Path: joinPath(clean, e.Name), IsDir: e.Mode == filemode.Dir}
		if !item.IsDir {
			blob, err := s.repo.BlobObject(e.Hash)
			if err != nil {
				return nil, fmt.Errorf("load blob %s: %w", item.Path, err)
			}
			item.Size = blob.Size
		}
		entries = append(entries, item)
	}
	return entries, nil
}

// Ping checks that the branch (or the remote) is reachable.
func (s *GitStore) Ping(ctx context.Context) error {
	defer s.lockIO()()
	_, err := s.head(ctx)
	return err
}

// History returns up to limit commit messages touching the branch, newest
// first. It is used for audit output in tests and tooling.
func (s *GitStore) History(ctx context.Context, limit int) ([]string, error) {
	defer s.lockIO()()
	head, err := s.head(ctx)
	if err != nil || head.IsZero() {
		return nil, err
	}
	s.refMu.Lock()
	defer s.refMu.Unlock()
	iter, err := s.repo.Log(&git.LogOptions{From: head})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	messages := make([]string, 0, limit)
	err = iter.ForEach(func(c *object.Commit) error {
		messages = append(messages, strings.TrimSpace(c.Message))
		if limit > 0 && len(messages) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return messages, nil
}

// head returns the commit documents are read from. In remote mode it fetches
// first. A zero hash means the branch has no commits yet.
func (s *GitStore) head(ctx context.Context) (plumbing.Hash, error) {
	if s.remote {
		return s.fetch(ctx)
	}
	ref, err := s.repo.Reference(s.branch, true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve branch: %w", err)
	}
	return ref.Hash(), nil
}

// lockIO takes ioMu in remote mode and returns its release.
func (s *GitStore) lockIO() func() {
	if !s.remote {
		return func() {}
	}
	s.ioMu.Lock()
	return s.ioMu.Unlock
}

func (s *GitStore) trackingRef() plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName(remoteName, s.branch.Short())
}

func (s *GitStore) fetch(ctx context.Context) (plumbing.Hash, error) {
	tracking := s.trackingRef()
	err := s.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec("+" + s.branch.String() + ":" + tracking.String())},
		Auth:       s.auth,
		Force:      true,
	})
	var noMatch git.NoMatchingRefSpecError
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
	case errors.Is(err, transport.ErrEmptyRemoteRepository), errors.As(err, &noMatch):
		return plumbing.ZeroHash, nil
	default:
		return plumbing.ZeroHash, classifyRemote("fetch", err)
	}
	ref, err := s.repo.Reference(tracking, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve remote branch: %w", err)
	}
	return ref.Hash(), nil
}

// buildCommit checks token against the document at p in parent and, if it
// matches, stores a commit replacing that document. Callers hold refMu.
func (s *GitStore) buildCommit(parent plumbing.Hash, p string, data []byte, token Token, message string) (plumbing.Hash, plumbing.Hash, error) {
	var root *object.Tree
	if !parent.IsZero() {
		tree, err := s.treeAt(parent)
		if err != nil {
			return plumbing.ZeroHash, plumbing.ZeroHash, err
		}
		root = tree
	}

	current := Token("")
	if root != nil {
		entry, err := findFile(root, p)
		switch {
		case err == nil:
			current = Token(entry.Hash.String())
		case !errors.Is(err, ErrNotFound):
			return plumbing.ZeroHash, plumbing.ZeroHash, err
		}
	}
	if current != token {
		return plumbing.ZeroHash, plumbing.ZeroHash, ErrConflict
	}

	blob, err := s.storeBlob(data)
	if err != nil {
		return plumbing.ZeroHash, plumbing.ZeroHash, err
	}
	treeHash, err := s.replaceInTree(root, strings.Split(p, "/"), blob)
	if err != nil {
		return plumbing.ZeroHash, plumbing.ZeroHash, err
	}
	commit, err := s.storeCommit(treeHash, parent, message)
	if err != nil {
		return plumbing.ZeroHash, plumbing.ZeroHash, err
	}
	return commit, blob, nil
}

func (s *GitStore) treeAt(commitHash plumbing.Hash) (*object.Tree, error) {
	commit, err := s.repo.CommitObject(commitHash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", commitHash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree of %s: %w", commitHash, err)
	}
	return tree, nil
}

// replaceInTree returns the hash of a copy of tree (nil means empty) with the
// file at parts set to blob. Intermediate trees are rebuilt along the path.
func (s *GitStore) replaceInTree(tree *object.Tree, parts []string, blob plumbing.Hash) (plumbing.Hash, error) {
	var entries []object.TreeEntry
	if tree != nil {
		entries = append(entries, tree.Entries...)
	}
	name := parts[0]
	idx := -1
	for i, e := range entries {
		if e.Name == name {
			idx = i
			break
		}
	}

	entry := object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: blob}
	if len(parts) > 1 {
		var sub *object.Tree
		if idx >= 0 {
			if entries[idx].Mode != filemode.Dir {
				return plumbing.ZeroHash, fmt.Errorf("%w: %s is a file", ErrInvalidPath, name)
			}
			loaded, err := s.repo.TreeObject(entries[idx].Hash)
			if err != nil {
				return plumbing.ZeroHash, fmt.Errorf("load tree %s: %w", name, err)
			}
			sub = loaded
		}
		subHash, err := s.replaceInTree(sub, parts[1:], blob)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entry = object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: subHash}
	} else if idx >= 0 && entries[idx].Mode == filemode.Dir {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s is a directory", ErrInvalidPath, name)
	}

	if idx >= 0 {
		entries[idx] = entry
	} else {
		entries = append(entries, entry)
	}
	return s.storeTree(entries)
}

func (s *GitStore) storeBlob(data []byte) (plumbing.Hash, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(data)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open blob writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, fmt.Errorf("write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("close blob: %w", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store blob: %w", err)
	}
	return hash, nil
}

func (s *GitStore) storeTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	sort.Slice(entries, func(i, j int) bool {
		return treeSortKey(entries[i]) < treeSortKey(entries[j])
	})
	tree := object.Tree{Entries: entries}
	obj := s.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode tree: %w", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store tree: %w", err)
	}
	return hash, nil
}

func (s *GitStore) storeCommit(tree, parent plumbing.Hash, message string) (plumbing.Hash, error) {
	sig := s.author
	sig.When = s.now()
	commit := object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   message,
		TreeHash:  tree,
	}
	if !parent.IsZero() {
		commit.ParentHashes = []plumbing.Hash{parent}
	}
	obj := s.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode commit: %w", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store commit: %w", err)
	}
	return hash, nil
}

// treeSortKey orders entries the way git does: directories compare as if
// their name ended in a slash.
func treeSortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

func findFile(tree *object.Tree, p string) (*object.TreeEntry, error) {
	entry, err := tree.FindEntry(p)
	if isMissing(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", p, err)
	}
	if entry.Mode == filemode.Dir {
		return nil, ErrNotFound
	}
	return entry, nil
}

// isMissing reports a path that does not resolve in the tree. Walking through
// a file as if it were a directory surfaces as ErrObjectNotFound.
func isMissing(err error) bool {
	return errors.Is(err, object.ErrEntryNotFound) ||
		errors.Is(err, plumbing.ErrObjectNotFound) ||
		errors.Is(err, object.ErrDirectoryNotFound) ||
		errors.Is(err, object.ErrFileNotFound)
}

// isPushRejected reports a push the remote refused because its branch moved,
// including a lost race on the remote's ref update or ref lock. go-git
// reports those per ref as "command error on <ref>: <status>".
func isPushRejected(err error) bool {
	if errors.Is(err, git.ErrForceNeeded) || errors.Is(err, plumbing.ErrObjectNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"non-fast-forward",
		"fetch first",
		"failed to update ref",
		"cannot lock ref",
		"stale info",
		"command error on refs/",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// classifyRemote maps transport failures onto the package sentinels. A 403
// whose body mentions a rate limit counts as rate limiting, not as a
// credential problem.
func classifyRemote(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, transport.ErrAuthorizationFailed) && strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%s: %w: %v", op, ErrRateLimited, err)
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return fmt.Errorf("%s: %w: %v", op, ErrUnauthorized, err)
	}

	inner := err
	var unexpected *plumbing.UnexpectedError
	if errors.As(err, &unexpected) && unexpected.Err != nil {
		inner = unexpected.Err
	}
	var httpErr *githttp.Err
	if errors.As(inner, &httpErr) && httpErr.Response != nil && httpErr.Response.StatusCode == 429 {
		return fmt.Errorf("%s: %w: %v", op, ErrRateLimited, err)
	}
	// Timeouts, 5xx and network failures.
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
