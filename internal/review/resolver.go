package review

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
)

// ResolverFunc adapts a function to the PullRequestResolver interface.
type ResolverFunc func(pullRequestID string) (*domain.PullRequest, error)

func (f ResolverFunc) Resolve(pullRequestID string) (*domain.PullRequest, error) {
	return f(pullRequestID)
}

// BranchResolver resolves pull request IDs against a single local
// repository. The ID is the source branch name, optionally with an
// explicit target as "source..target". Forge-backed resolvers replace
// this when reviews come from a hosted PR.
type BranchResolver struct {
	RepoDir       string
	DefaultTarget string
}

func (r *BranchResolver) Resolve(pullRequestID string) (*domain.PullRequest, error) {
	if r.RepoDir == "" {
		return nil, fmt.Errorf("no repository configured for review resolution")
	}

	source := pullRequestID
	target := r.DefaultTarget
	if before, after, found := strings.Cut(pullRequestID, ".."); found {
		source, target = before, after
	}
	if source == "" || target == "" {
		return nil, fmt.Errorf("cannot resolve pull request %q: need source and target branch", pullRequestID)
	}

	return &domain.PullRequest{
		ID:           pullRequestID,
		RepoDir:      r.RepoDir,
		SourceBranch: source,
		TargetBranch: target,
	}, nil
}
