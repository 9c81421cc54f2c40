package docs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDocsSteward_ScanAll_DetectsDeadLink(t *testing.T) {
	root := t.TempDir()
	docsDir := filepath.Join(root, "docs")
	writeFile(t, filepath.Join(docsDir, "guide.md"), "See [setup](./setup.md) for details.\n")

	s := New(Config{DocsDir: docsDir, WorkspaceRoot: root}, nil, nil, nil)
	result, err := s.ScanAll(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, result.Issues)
	found := false
	for _, issue := range result.Issues {
		if issue.Type == "internal_link" && issue.CurrentValue == "./setup.md" {
			found = true
			assert.Equal(t, "high", issue.Confidence)
		}
	}
	assert.True(t, found, "expected a dead-link issue for ./setup.md")
}

func TestDocsSteward_ScanAll_DetectsAnchorMismatch(t *testing.T) {
	root := t.TempDir()
	docsDir := filepath.Join(root, "docs")
	writeFile(t, filepath.Join(docsDir, "setup.md"), "# Setup\n\nSome text.\n")
	writeFile(t, filepath.Join(docsDir, "guide.md"), "See [setup](./setup.md#installation) for details.\n")

	s := New(Config{DocsDir: docsDir, WorkspaceRoot: root}, nil, nil, nil)
	result, err := s.ScanAll(context.Background())
	require.NoError(t, err)

	found := false
	for _, issue := range result.Issues {
		if issue.Type == "internal_link" && issue.CurrentValue == "./setup.md#installation" {
			found = true
		}
	}
	assert.True(t, found, "expected an anchor-mismatch issue for #installation")
}

func TestDocsSteward_ScanAll_ValidLinkProducesNoIssue(t *testing.T) {
	root := t.TempDir()
	docsDir := filepath.Join(root, "docs")
	writeFile(t, filepath.Join(docsDir, "setup.md"), "# Installation\n\nSteps here.\n")
	writeFile(t, filepath.Join(docsDir, "guide.md"), "See [setup](./setup.md#installation) for details.\n")

	s := New(Config{DocsDir: docsDir, WorkspaceRoot: root}, nil, nil, nil)
	result, err := s.ScanAll(context.Background())
	require.NoError(t, err)

	for _, issue := range result.Issues {
		assert.NotEqual(t, "./setup.md#installation", issue.CurrentValue)
	}
}

func TestDocsSteward_ScanAll_MissingFilePathSuggestsSimilar(t *testing.T) {
	root := t.TempDir()
	docsDir := filepath.Join(root, "docs")
	srcDir := filepath.Join(root, "src")
	writeFile(t, filepath.Join(srcDir, "widget.ts"), "export const widget = 1\n")
	writeFile(t, filepath.Join(docsDir, "guide.md"), "See `src/widget.js` for the implementation.\n")

	s := New(Config{DocsDir: docsDir, WorkspaceRoot: root}, nil, nil, nil)
	result, err := s.ScanAll(context.Background())
	require.NoError(t, err)

	var pathIssue *Issue
	for i, issue := range result.Issues {
		if issue.Type == "file_path" {
			pathIssue = &result.Issues[i]
		}
	}
	require.NotNil(t, pathIssue)
	assert.Equal(t, "widget.ts", pathIssue.SuggestedFix)
	assert.Equal(t, "medium", pathIssue.Confidence)
}

func TestDocsSteward_ScanAll_ExternalLinkIgnored(t *testing.T) {
	root := t.TempDir()
	docsDir := filepath.Join(root, "docs")
	writeFile(t, filepath.Join(docsDir, "guide.md"), "See [docs](https://example.com/missing) for details.\n")

	s := New(Config{DocsDir: docsDir, WorkspaceRoot: root}, nil, nil, nil)
	result, err := s.ScanAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Issues)
}

func TestDocsSteward_CommitFix_RequiresActiveSession(t *testing.T) {
	s := New(Config{DocsDir: t.TempDir()}, nil, nil, nil)
	err := s.CommitFix(context.Background(), "fix", []string{"a.md"})
	assert.Error(t, err)
}
