package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoaderLoadEmbedded(t *testing.T) {
	loader := NewLoader() // No override dirs

	tmpl, meta, err := loader.LoadTemplate("roles/worker.md")
	if err != nil {
		t.Fatalf("failed to load worker template: %v", err)
	}
	if tmpl == nil {
		t.Fatal("template should not be nil")
	}
	if meta == nil || meta.ID != "worker" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestBuildBootstrapPrompt(t *testing.T) {
	loader := NewLoader()

	out, err := loader.BuildBootstrapPrompt(BootstrapData{Instruction: "add retry logic to the fetcher"})
	if err != nil {
		t.Fatalf("BuildBootstrapPrompt: %v", err)
	}
	if !strings.Contains(out, "add retry logic to the fetcher") {
		t.Error("prompt does not contain the instruction")
	}
	if strings.Contains(out, "---\nid:") {
		t.Error("frontmatter leaked into prompt body")
	}
}

func TestBuildWorkerPromptOmitsEmptyCritique(t *testing.T) {
	loader := NewLoader()

	out, err := loader.BuildWorkerPrompt(WorkerData{
		Round:        1,
		MaxRounds:    3,
		Instructions: "create the package",
		Priority:     "high",
	})
	if err != nil {
		t.Fatalf("BuildWorkerPrompt: %v", err)
	}
	if strings.Contains(out, "<critique>") {
		t.Error("critique section rendered for first round")
	}

	out, err = loader.BuildWorkerPrompt(WorkerData{
		Round:        2,
		MaxRounds:    3,
		Instructions: "fix the test",
		Critique:     "the test asserts the wrong value",
		Priority:     "high",
	})
	if err != nil {
		t.Fatalf("BuildWorkerPrompt round 2: %v", err)
	}
	if !strings.Contains(out, "the test asserts the wrong value") {
		t.Error("critique missing from round 2 prompt")
	}
}

func TestBuildVerifierPrompt(t *testing.T) {
	loader := NewLoader()

	out, err := loader.BuildVerifierPrompt(VerifierData{
		Round:       1,
		MaxRounds:   3,
		Instruction: "original goal",
		Plan:        "step one",
		Work:        "did step one",
	})
	if err != nil {
		t.Fatalf("BuildVerifierPrompt: %v", err)
	}
	for _, want := range []string{"original goal", "step one", "did step one"} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildReviewPrompt(t *testing.T) {
	loader := NewLoader()

	out, err := loader.BuildReviewPrompt(ReviewData{
		SourceBranch: "feature/x",
		TargetBranch: "main",
		Diff:         "+added line",
		Commits: []ReviewCommit{
			{Hash: "abc12345", Subject: "add retry logic"},
			{Hash: "def67890", Subject: "fix off-by-one"},
		},
	})
	if err != nil {
		t.Fatalf("BuildReviewPrompt: %v", err)
	}
	if !strings.Contains(out, "feature/x") || !strings.Contains(out, "+added line") {
		t.Error("review prompt missing branch or diff")
	}
	for _, want := range []string{"abc12345 add retry logic", "def67890 fix off-by-one"} {
		if !strings.Contains(out, want) {
			t.Errorf("review prompt missing commit %q", want)
		}
	}
}

func TestBuildReviewPromptWithoutCommits(t *testing.T) {
	loader := NewLoader()

	out, err := loader.BuildReviewPrompt(ReviewData{
		SourceBranch: "feature/x",
		TargetBranch: "main",
		Diff:         "+added line",
	})
	if err != nil {
		t.Fatalf("BuildReviewPrompt: %v", err)
	}
	if strings.Contains(out, "Commits on the branch") {
		t.Error("empty history should omit the commit section")
	}
}

func TestLoaderOverride(t *testing.T) {
	tmpDir := t.TempDir()

	rolesDir := filepath.Join(tmpDir, "roles")
	if err := os.MkdirAll(rolesDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	override := "---\nid: worker\nname: Custom\n---\nCUSTOM {{.Instructions}}"
	if err := os.WriteFile(filepath.Join(rolesDir, "worker.md"), []byte(override), 0644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	loader := NewLoader(tmpDir)
	out, err := loader.BuildWorkerPrompt(WorkerData{Instructions: "xyz"})
	if err != nil {
		t.Fatalf("BuildWorkerPrompt: %v", err)
	}
	if !strings.HasPrefix(out, "CUSTOM xyz") {
		t.Errorf("override not picked up, got %q", out)
	}
}

func TestParseFrontmatterWithoutDelimiter(t *testing.T) {
	meta, body, err := parseFrontmatter([]byte("no frontmatter here"))
	if err != nil {
		t.Fatalf("parseFrontmatter: %v", err)
	}
	if meta != nil {
		t.Error("expected nil metadata")
	}
	if body != "no frontmatter here" {
		t.Errorf("body = %q", body)
	}
}
