// Package docs implements the Docs Steward: documentation
// verification passes and a git worktree-backed session lifecycle for
// committing and merging automated fixes.
package docs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stoneforge-ai/stewards/internal/common/apperrors"
	"github.com/stoneforge-ai/stewards/internal/common/logger"
	"github.com/stoneforge-ai/stewards/internal/ports"
)

// Issue is one documentation defect found by a verification pass.
type Issue struct {
	Type          string
	File          string
	Line          int
	Description   string
	CurrentValue  string
	SuggestedFix  string
	Confidence    string // high | medium | low
	Complexity    string // low | medium | high
	Context       string
}

// ScanResult is the contract scanAll() returns.
type ScanResult struct {
	Issues       []Issue
	FilesScanned int
	DurationMs   int64
}

// Config parameterizes a Steward.
type Config struct {
	DocsDir       string
	SourceDir     string
	CLIDocPath    string
	CLICommandDir string
	WorkspaceRoot string
	TargetBranch  string
	AutoPush      bool
	StewardName   string
}

type activeSession struct {
	id     string
	path   string
	branch string
}

// Steward verifies and repairs documentation drift. Build one with New.
type Steward struct {
	cfg       Config
	worktrees ports.WorktreeManager
	git       ports.GitOps
	log       *logger.Logger

	mu      sync.Mutex
	session *activeSession
}

// New builds a Docs Steward.
func New(cfg Config, worktrees ports.WorktreeManager, git ports.GitOps, log *logger.Logger) *Steward {
	if log == nil {
		log = logger.Default()
	}
	if cfg.CLIDocPath == "" {
		cfg.CLIDocPath = filepath.Join(cfg.DocsDir, "reference", "cli.md")
	}
	return &Steward{cfg: cfg, worktrees: worktrees, git: git, log: log.WithFields(zap.String("component", "docs-steward"))}
}

var supportedExtensions = []string{".ts", ".js", ".tsx", ".jsx", ".json", ".md"}

var backtickPathPattern = regexp.MustCompile("`([^`\\s]+\\.(?:ts|js|tsx|jsx|json|md))`")
var mdLinkPattern = regexp.MustCompile(`\[[^\]]*\]\(([^)]+)\)`)
var headingPattern = regexp.MustCompile(`(?m)^#+\s+(.*)$`)
var exportSectionPattern = regexp.MustCompile(`(?i)^#+\s*Key Exports?\s*$`)
var backtickIdentPattern = regexp.MustCompile("`([A-Z][A-Za-z0-9]*)`")

// ScanAll runs every verification pass concurrently and aggregates issues.
// A pass that errors (e.g. cannot read its directory) is logged and
// contributes no issues; it never fails the whole scan.
func (s *Steward) ScanAll(ctx context.Context) (ScanResult, error) {
	start := time.Now()

	mdFiles, err := s.listMarkdownFiles()
	if err != nil {
		return ScanResult{}, apperrors.Internal("listing markdown files", err)
	}

	var (
		mu     sync.Mutex
		issues []Issue
	)
	collect := func(found []Issue) {
		mu.Lock()
		issues = append(issues, found...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	_ = gctx

	g.Go(func() error {
		found, err := s.verifyFilePaths(mdFiles)
		if err != nil {
			s.log.Warn("file path verification pass failed", zap.Error(err))
			return nil
		}
		collect(found)
		return nil
	})
	g.Go(func() error {
		found, err := s.verifyInternalLinks(mdFiles)
		if err != nil {
			s.log.Warn("internal link verification pass failed", zap.Error(err))
			return nil
		}
		collect(found)
		return nil
	})
	g.Go(func() error {
		found, err := s.verifyExports(mdFiles)
		if err != nil {
			s.log.Warn("exports verification pass failed", zap.Error(err))
			return nil
		}
		collect(found)
		return nil
	})
	g.Go(func() error {
		found, err := s.verifyCLICommands()
		if err != nil {
			s.log.Warn("cli command verification pass failed", zap.Error(err))
			return nil
		}
		collect(found)
		return nil
	})

	_ = g.Wait() // passes never return non-nil; kept for the errgroup idiom

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].File != issues[j].File {
			return issues[i].File < issues[j].File
		}
		return issues[i].Line < issues[j].Line
	})

	return ScanResult{
		Issues:       issues,
		FilesScanned: len(mdFiles),
		DurationMs:   time.Since(start).Milliseconds(),
	}, nil
}

func (s *Steward) listMarkdownFiles() ([]string, error) {
	var files []string
	err := filepath.Walk(s.cfg.DocsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".md") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return strings.Split(string(data), "\n"), nil
}

func contextAround(lines []string, idx int) string {
	start := idx - 2
	if start < 0 {
		start = 0
	}
	end := idx + 3
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start:end], "\n")
}

func relTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}

// verifyFilePaths scans backticked source-file references and table-row
// first columns for paths that do not exist, offering a same-directory
// suggestion when one is found.
func (s *Steward) verifyFilePaths(mdFiles []string) ([]Issue, error) {
	var issues []Issue
	for _, file := range mdFiles {
		lines, err := readLines(file)
		if err != nil {
			continue
		}
		dir := filepath.Dir(file)
		for i, line := range lines {
			candidates := extractPathCandidates(line)
			for _, candidate := range candidates {
				if strings.Contains(candidate, "*") {
					continue
				}
				if strings.HasSuffix(candidate, ".md") && !filepath.IsAbs(candidate) && !strings.Contains(candidate, "/") {
					continue // intra-doc relative .md links are handled by the link pass
				}
				full := candidate
				if !filepath.IsAbs(full) {
					full = filepath.Join(s.cfg.WorkspaceRoot, candidate)
				}
				if _, err := os.Stat(full); err == nil {
					continue
				}
				suggestion := suggestSimilarFile(filepath.Dir(full), candidate)
				confidence, complexity := "low", "medium"
				if suggestion != "" {
					confidence, complexity = "medium", "low"
				}
				issues = append(issues, Issue{
					Type:         "file_path",
					File:         relTo(s.cfg.WorkspaceRoot, file),
					Line:         i + 1,
					Description:  fmt.Sprintf("referenced file does not exist: %s", candidate),
					CurrentValue: candidate,
					SuggestedFix: suggestion,
					Confidence:   confidence,
					Complexity:   complexity,
					Context:      contextAround(lines, i),
				})
			}
		}
	}
	return issues, nil
}

func extractPathCandidates(line string) []string {
	var out []string
	for _, m := range backtickPathPattern.FindAllStringSubmatch(line, -1) {
		out = append(out, m[1])
	}
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "|") {
		cols := strings.Split(trimmed, "|")
		if len(cols) > 1 {
			first := strings.TrimSpace(cols[1])
			first = strings.Trim(first, "`")
			if hasSupportedExtension(first) {
				out = append(out, first)
			}
		}
	}
	return out
}

func hasSupportedExtension(path string) bool {
	for _, ext := range supportedExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

func suggestSimilarFile(dir, candidate string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	base := strings.TrimSuffix(filepath.Base(candidate), filepath.Ext(candidate))
	for _, ext := range supportedExtensions {
		name := base + ext
		for _, e := range entries {
			if e.Name() == name {
				return name
			}
		}
	}
	lowerBase := strings.ToLower(base)
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Name()), lowerBase) {
			return e.Name()
		}
	}
	return ""
}

// verifyInternalLinks resolves every markdown link's target file and
// (when present) anchor.
func (s *Steward) verifyInternalLinks(mdFiles []string) ([]Issue, error) {
	var issues []Issue
	for _, file := range mdFiles {
		lines, err := readLines(file)
		if err != nil {
			continue
		}
		dir := filepath.Dir(file)
		for i, line := range lines {
			for _, m := range mdLinkPattern.FindAllStringSubmatch(line, -1) {
				target := m[1]
				if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
					continue
				}
				if strings.HasPrefix(target, "#") {
					if !anchorExistsIn(lines, target[1:]) {
						issues = append(issues, Issue{
							Type: "internal_link", File: relTo(s.cfg.WorkspaceRoot, file), Line: i + 1,
							Description: fmt.Sprintf("anchor not found: %s", target),
							CurrentValue: target, Confidence: "high", Complexity: "low",
							Context: contextAround(lines, i),
						})
					}
					continue
				}

				pathPart, anchor := target, ""
				if idx := strings.Index(target, "#"); idx >= 0 {
					pathPart, anchor = target[:idx], target[idx+1:]
				}
				targetPath := filepath.Join(dir, pathPart)
				targetLines, readErr := readLines(targetPath)
				if readErr != nil {
					issues = append(issues, Issue{
						Type: "internal_link", File: relTo(s.cfg.WorkspaceRoot, file), Line: i + 1,
						Description: fmt.Sprintf("linked file does not exist: %s", pathPart),
						CurrentValue: target, Confidence: "high", Complexity: "low",
						Context: contextAround(lines, i),
					})
					continue
				}
				if anchor != "" && !anchorExistsIn(targetLines, anchor) {
					issues = append(issues, Issue{
						Type: "internal_link", File: relTo(s.cfg.WorkspaceRoot, file), Line: i + 1,
						Description: fmt.Sprintf("anchor not found in %s: #%s", pathPart, anchor),
						CurrentValue: target, Confidence: "high", Complexity: "low",
						Context: contextAround(lines, i),
					})
				}
			}
		}
	}
	return issues, nil
}

func anchorExistsIn(lines []string, anchor string) bool {
	pattern := regexp.QuoteMeta(anchor)
	pattern = strings.ReplaceAll(pattern, "-", "[- ]")
	re, err := regexp.Compile(`(?mi)^#+\s+` + pattern)
	if err != nil {
		return false
	}
	return re.MatchString(strings.Join(lines, "\n"))
}

// verifyExports checks that identifiers listed under a "Key Exports"
// heading actually appear in the corresponding package's index file.
func (s *Steward) verifyExports(mdFiles []string) ([]Issue, error) {
	if s.cfg.SourceDir == "" {
		return nil, nil
	}
	var issues []Issue
	for _, file := range mdFiles {
		lines, err := readLines(file)
		if err != nil {
			continue
		}
		inSection := false
		for i, line := range lines {
			if headingPattern.MatchString(line) {
				inSection = exportSectionPattern.MatchString(strings.TrimSpace(line))
				continue
			}
			if !inSection {
				continue
			}
			for _, m := range backtickIdentPattern.FindAllStringSubmatch(line, -1) {
				ident := m[1]
				if !identifierExportedSomewhere(s.cfg.SourceDir, ident) {
					issues = append(issues, Issue{
						Type: "export", File: relTo(s.cfg.WorkspaceRoot, file), Line: i + 1,
						Description:  fmt.Sprintf("exported identifier %s not found in any package index", ident),
						CurrentValue: ident, Confidence: "medium", Complexity: "medium",
						Context: contextAround(lines, i),
					})
				}
			}
		}
	}
	return issues, nil
}

func identifierExportedSomewhere(sourceDir, ident string) bool {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return true // cannot verify; do not fabricate a false positive
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		indexPath := filepath.Join(sourceDir, e.Name(), "src", "index.ts")
		data, err := os.ReadFile(indexPath)
		if err != nil {
			continue
		}
		if bytes.Contains(data, []byte(ident)) {
			return true
		}
	}
	return false
}

var cliUsagePattern = regexp.MustCompile("`sf ([a-zA-Z0-9_-]+)(?: \\[?<[a-zA-Z0-9_-]+>\\]?)?`")

// verifyCLICommands cross-references documented CLI sub-commands against
// the actual command source files.
func (s *Steward) verifyCLICommands() ([]Issue, error) {
	if s.cfg.CLIDocPath == "" || s.cfg.CLICommandDir == "" {
		return nil, nil
	}
	if _, err := os.Stat(s.cfg.CLIDocPath); err != nil {
		return nil, nil
	}
	entries, err := os.ReadDir(s.cfg.CLICommandDir)
	if err != nil {
		return nil, nil
	}
	implemented := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".ts") {
			continue
		}
		base := strings.TrimSuffix(name, ".ts")
		if base == "index" {
			continue
		}
		implemented[base] = true
	}

	lines, err := readLines(s.cfg.CLIDocPath)
	if err != nil {
		return nil, nil
	}

	var issues []Issue
	seen := make(map[string]bool)
	for i, line := range lines {
		for _, m := range cliUsagePattern.FindAllStringSubmatch(line, -1) {
			cmd := m[1]
			if seen[cmd] {
				continue
			}
			seen[cmd] = true
			if !implemented[cmd] {
				issues = append(issues, Issue{
					Type: "cli_command", File: relTo(s.cfg.WorkspaceRoot, s.cfg.CLIDocPath), Line: i + 1,
					Description:  fmt.Sprintf("documented command %q has no matching implementation", cmd),
					CurrentValue: cmd, Confidence: "high", Complexity: "medium",
					Context: contextAround(lines, i),
				})
			}
		}
	}
	return issues, nil
}

// CreateSessionWorktree provisions a fresh worktree for an automated docs
// fix session and records it as the active session.
func (s *Steward) CreateSessionWorktree(ctx context.Context, stewardName string) (ports.Worktree, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch := fmt.Sprintf("%s/docs/auto-updates", stewardName)
	path := filepath.Join(s.cfg.WorkspaceRoot, ".stoneforge", ".worktrees", fmt.Sprintf("docs-steward-%d", time.Now().UnixNano()))

	if _, err := os.Stat(path); err == nil {
		_ = os.RemoveAll(path)
	}

	wt, err := s.worktrees.CreateWorktree(ctx, branch)
	if err != nil {
		return ports.Worktree{}, false, apperrors.Internal("creating session worktree", err)
	}
	s.session = &activeSession{id: wt.ID, path: wt.Path, branch: wt.Branch}
	return wt, true, nil
}

// CommitFix stages each listed file individually (so a per-file failure is
// isolated) and commits the session with message.
func (s *Steward) CommitFix(ctx context.Context, message string, files []string) error {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return apperrors.Validation("no active docs session")
	}

	for _, f := range files {
		if err := runGitAdd(ctx, session.path, f); err != nil {
			return apperrors.Internal(fmt.Sprintf("staging %s", f), err)
		}
	}
	if err := runGitCommit(ctx, session.path, message); err != nil {
		return apperrors.Internal("committing docs fix", err)
	}
	return nil
}

// MergeResult is the outcome of a docs session merge.
type MergeResult struct {
	Success    bool
	CommitHash string
	Error      string
}

// MergeAndCleanup squash-merges the session branch into the target branch
// and, on success, tears the session down.
func (s *Steward) MergeAndCleanup(ctx context.Context, branch, message string) (MergeResult, error) {
	targetBranch := s.cfg.TargetBranch
	if targetBranch == "" {
		resolved, err := s.git.DefaultBranch(ctx, s.cfg.WorkspaceRoot)
		if err == nil {
			targetBranch = resolved
		} else {
			targetBranch = "main"
		}
	}

	result, err := s.git.MergeBranch(ctx, ports.MergeOptions{
		WorkspaceRoot: s.cfg.WorkspaceRoot,
		SourceBranch:  branch,
		TargetBranch:  targetBranch,
		Strategy:      ports.MergeStrategySquash,
		AutoPush:      s.cfg.AutoPush,
		CommitMessage: message,
		Preflight:     false,
		SyncLocal:     false,
	})
	if err != nil {
		return MergeResult{Error: err.Error()}, apperrors.Internal("merging docs session", err)
	}
	if !result.Success {
		return MergeResult{Error: result.Error}, nil
	}

	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session != nil {
		s.CleanupSession(ctx, session.id, session.branch)
	}

	return MergeResult{Success: true, CommitHash: result.CommitHash}, nil
}

// CleanupSession removes the worktree (best-effort, force) through the
// worktree manager, since a bare directory delete would orphan git's
// worktree admin metadata, and deletes the local branch (best-effort),
// then forgets the session.
func (s *Steward) CleanupSession(ctx context.Context, worktreeID, branch string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.worktrees != nil && worktreeID != "" {
		if err := s.worktrees.RemoveWorktree(ctx, worktreeID, ports.RemoveWorktreeOptions{Force: true}); err != nil && !apperrors.IsNotFound(err) {
			s.log.Warn("failed to remove docs session worktree", zap.String("worktreeId", worktreeID), zap.Error(err))
		}
	}
	if deleter, ok := s.git.(interface {
		DeleteBranch(ctx context.Context, branch string, remote bool) error
	}); ok {
		if err := deleter.DeleteBranch(ctx, branch, false); err != nil {
			s.log.Warn("failed to delete docs session branch", zap.String("branch", branch), zap.Error(err))
		}
	}
	s.session = nil
}

// HasActiveSession reports whether a session worktree is currently open.
func (s *Steward) HasActiveSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

func runGitAdd(ctx context.Context, dir, file string) error {
	return runGitPlumbing(ctx, dir, "add", "--", file)
}

func runGitCommit(ctx context.Context, dir, message string) error {
	escaped := strings.ReplaceAll(message, `"`, `\"`)
	return runGitPlumbing(ctx, dir, "commit", "-m", escaped)
}

// runGitPlumbing is a minimal, package-local non-interactive git runner
// mirroring gitops.newNonInteractiveGitCmd, which is unexported and so not
// callable from this package.
func runGitPlumbing(ctx context.Context, dir string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cmd := gitCommand(ctx, dir, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func gitCommand(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.WaitDelay = 5 * time.Second
	return cmd
}
