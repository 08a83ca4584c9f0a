// Package gitx reads diffs and commit history out of the repositories
// the agents work in.
package gitx

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
)

// Trailer keys stamped onto commits made by orchestrated agents.
const (
	TrailerRunID   = "Run-ID"
	TrailerRunRole = "Run-Role"
)

// Commit is one entry of a branch's history with its parsed trailers.
type Commit struct {
	Hash     string
	Subject  string
	Trailers map[string]string
}

// RunID returns the workflow run that authored the commit, if any.
func (c *Commit) RunID() string { return c.Trailers[TrailerRunID] }

// RunRole returns the agent role that authored the commit, if any.
func (c *Commit) RunRole() string { return c.Trailers[TrailerRunRole] }

// File is one changed file of a parsed diff.
type File struct {
	OldName      string
	NewName      string
	IsNew        bool
	IsDeleted    bool
	IsRenamed    bool
	IsBinary     bool
	Fragments    []*gitdiff.TextFragment
	AddedLines   int
	DeletedLines int
}

// Name returns the display name for the file.
func (f *File) Name() string {
	if f.IsRenamed {
		return fmt.Sprintf("%s -> %s", f.OldName, f.NewName)
	}
	if f.IsNew {
		return f.NewName
	}
	if f.IsDeleted {
		return f.OldName
	}
	if f.NewName != "" {
		return f.NewName
	}
	return f.OldName
}

// DiffSet holds the parsed diff for all files.
type DiffSet struct {
	Files []*File
	Raw   string
}

// Stats returns aggregate statistics.
func (ds *DiffSet) Stats() (files, added, deleted int) {
	files = len(ds.Files)
	for _, f := range ds.Files {
		added += f.AddedLines
		deleted += f.DeletedLines
	}
	return
}

// Parse reads a unified diff string into a DiffSet.
func Parse(raw string) (*DiffSet, error) {
	parsed, _, err := gitdiff.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	ds := &DiffSet{Raw: raw}
	for _, f := range parsed {
		df := &File{
			OldName:   f.OldName,
			NewName:   f.NewName,
			IsNew:     f.IsNew,
			IsDeleted: f.IsDelete,
			IsRenamed: f.IsRename,
			IsBinary:  f.IsBinary,
		}
		for _, frag := range f.TextFragments {
			df.Fragments = append(df.Fragments, frag)
			for _, line := range frag.Lines {
				switch line.Op {
				case gitdiff.OpAdd:
					df.AddedLines++
				case gitdiff.OpDelete:
					df.DeletedLines++
				}
			}
		}
		ds.Files = append(ds.Files, df)
	}
	return ds, nil
}

// Client reads repository state for reviews and per-role attribution.
type Client interface {
	// Diff returns the raw unified diff of the pull request's source
	// branch against its merge base with the target branch.
	Diff(ctx context.Context, pr *domain.PullRequest) (string, error)
	// CommitsSince lists commits on branch that are not on base, oldest
	// first, with trailers parsed.
	CommitsSince(ctx context.Context, repoDir, base, branch string) ([]*Commit, error)
	// DiffForRole returns the parsed files changed by commits a given
	// role authored within a run. Missing attribution yields an empty
	// slice, never an error.
	DiffForRole(ctx context.Context, repoDir, base, branch, runID, role string) ([]*File, error)
}

// CLI shells out to git.
type CLI struct{}

func NewCLI() *CLI { return &CLI{} }

func (c *CLI) git(ctx context.Context, repoDir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoDir
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("git %s: %w: %s", args[0], err, detail)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}

func (c *CLI) Diff(ctx context.Context, pr *domain.PullRequest) (string, error) {
	return c.git(ctx, pr.RepoDir, "diff", "-U3", pr.TargetBranch+"..."+pr.SourceBranch)
}

func (c *CLI) CommitsSince(ctx context.Context, repoDir, base, branch string) ([]*Commit, error) {
	// %x1e separates commits, %x1f separates fields
	out, err := c.git(ctx, repoDir, "log", "--reverse",
		"--format=%H%x1f%s%x1f%(trailers:only,unfold)%x1e",
		base+".."+branch)
	if err != nil {
		return nil, err
	}
	return parseLog(out), nil
}

func parseLog(out string) []*Commit {
	var commits []*Commit
	for _, record := range strings.Split(out, "\x1e") {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		fields := strings.SplitN(record, "\x1f", 3)
		if len(fields) < 2 {
			continue
		}
		commit := &Commit{
			Hash:     strings.TrimSpace(fields[0]),
			Subject:  fields[1],
			Trailers: map[string]string{},
		}
		if len(fields) == 3 {
			for _, line := range strings.Split(fields[2], "\n") {
				key, value, ok := strings.Cut(line, ":")
				if !ok {
					continue
				}
				commit.Trailers[strings.TrimSpace(key)] = strings.TrimSpace(value)
			}
		}
		commits = append(commits, commit)
	}
	return commits
}

func (c *CLI) DiffForRole(ctx context.Context, repoDir, base, branch, runID, role string) ([]*File, error) {
	commits, err := c.CommitsSince(ctx, repoDir, base, branch)
	if err != nil {
		return []*File{}, nil
	}

	files := []*File{}
	for _, commit := range commits {
		if commit.RunID() != runID || commit.RunRole() != role {
			continue
		}
		raw, err := c.git(ctx, repoDir, "show", "-U3", "--format=", commit.Hash)
		if err != nil {
			continue
		}
		ds, err := Parse(raw)
		if err != nil {
			continue
		}
		files = append(files, ds.Files...)
	}
	return files, nil
}
