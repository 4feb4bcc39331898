// Package gitutil wraps the git binary as a subprocess. All operations are
// explicit; the package holds no hidden state of its own (component B of
// the supervisor design: Git Adapter).
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	// Disable Git's background auto-maintenance (a default in newer Git
	// versions) to keep checkpoint commits deterministic and to avoid
	// spawning long-running helper processes during frequent commits.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func CurrentBranch(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func BranchExists(dir, branch string) bool {
	_, _, err := runGit(dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func StatusPorcelain(dir string) (string, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

func IsClean(dir string) (bool, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

func CreateBranchAt(dir, branch, baseSHA string) error {
	// Create or reset branch to baseSHA.
	_, _, err := runGit(dir, "branch", "--force", branch, baseSHA)
	return err
}

func AddWorktree(repoDir, worktreeDir, branch string) error {
	_, _, err := runGit(repoDir, "worktree", "add", worktreeDir, branch)
	return err
}

func RemoveWorktree(repoDir, worktreeDir string) error {
	_, _, err := runGit(repoDir, "worktree", "remove", "--force", worktreeDir)
	return err
}

func CheckoutBranch(worktreeDir, branch string) error {
	_, _, err := runGit(worktreeDir, "switch", branch)
	return err
}

func ResetHard(worktreeDir, sha string) error {
	_, _, err := runGit(worktreeDir, "reset", "--hard", sha)
	return err
}

func AddAll(worktreeDir string) error {
	_, _, err := runGit(worktreeDir, "add", "-A")
	return err
}

// CommitAllowEmpty stages everything and commits with the given message,
// retrying once with a fallback committer identity if none is configured.
func CommitAllowEmpty(worktreeDir, message string) (string, error) {
	if err := AddAll(worktreeDir); err != nil {
		return "", err
	}
	_, _, err := runGit(worktreeDir, "commit", "--allow-empty", "-m", message)
	if err != nil {
		if isMissingIdentity(err) {
			_, _, err = runGit(
				worktreeDir,
				"-c", "user.name=runr",
				"-c", "user.email=runr@local",
				"commit", "--allow-empty", "-m", message,
			)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(worktreeDir)
}

// AmendHeadWithMessage amends HEAD's commit with a new message, keeping
// its tree plus any currently staged changes. Callers are expected to
// have already run AmendGuard.
func AmendHeadWithMessage(worktreeDir, message string) (string, error) {
	if err := AddAll(worktreeDir); err != nil {
		return "", err
	}
	_, _, err := runGit(worktreeDir, "commit", "--amend", "-m", message)
	if err != nil {
		if isMissingIdentity(err) {
			_, _, err = runGit(worktreeDir,
				"-c", "user.name=runr",
				"-c", "user.email=runr@local",
				"commit", "--amend", "-m", message)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(worktreeDir)
}

func isMissingIdentity(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Author identity unknown") ||
		strings.Contains(msg, "Please tell me who you are") ||
		strings.Contains(msg, "unable to auto-detect email address")
}

// PushBranch pushes a branch to the specified remote. Best-effort: failures
// are returned but do not by themselves abort a run.
func PushBranch(repoDir, remote, branch string) error {
	_, _, err := runGit(repoDir, "push", remote, branch)
	return err
}

func MergeFastForwardOnly(worktreeDir, otherRef string) error {
	_, _, err := runGit(worktreeDir, "merge", "--ff-only", otherRef)
	return err
}

// DiffNameOnly returns file paths changed between baseRef and HEAD.
func DiffNameOnly(dir, baseRef string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}

// ChangeSummary is the result of ListChangedFiles (spec §4.B, §9
// "guard-ignored file counting ... mandatory").
type ChangeSummary struct {
	// Files holds the unique, ignore-filtered set of paths that changed.
	// A rename/copy contributes both its old and new path.
	Files []string
	// IgnoredCount is how many raw porcelain entries were dropped because
	// check-ignore reported them as ignored.
	IgnoredCount int
	// IgnoreCheckStatus is "ok" or "failed" (fail-open: Files is then the
	// unfiltered set).
	IgnoreCheckStatus string
}

type rawChange struct {
	xy      string
	path    string
	renamed string // non-empty for rename/copy: the "new" path, path holds the "old" path
}

// ListChangedFiles parses `git status --porcelain -z` (untracked files
// listed one by one, ignored entries included), honoring NUL
// delimiters and rename/copy pairs, then filters the result through
// `git check-ignore -z --stdin`. If check-ignore fails outright the
// adapter fails open: it returns the unfiltered set and reports
// IgnoreCheckStatus="failed" so callers (the scope guard) can degrade to
// strict mode.
func ListChangedFiles(root string) (ChangeSummary, error) {
	out, _, err := runGit(root, "status", "--porcelain", "-z", "--untracked-files=all", "--ignored=matching")
	if err != nil {
		return ChangeSummary{}, err
	}
	raws := parsePorcelainZ(out)

	allPaths := map[string]bool{}
	for _, r := range raws {
		allPaths[r.path] = true
		if r.renamed != "" {
			allPaths[r.renamed] = true
		}
	}
	paths := make([]string, 0, len(allPaths))
	for p := range allPaths {
		paths = append(paths, p)
	}

	ignored, ok := checkIgnoreStdin(root, paths)
	summary := ChangeSummary{IgnoreCheckStatus: "ok"}
	if !ok {
		summary.IgnoreCheckStatus = "failed"
		summary.Files = paths
		return summary, nil
	}
	for _, p := range paths {
		if ignored[p] {
			summary.IgnoredCount++
			continue
		}
		summary.Files = append(summary.Files, p)
	}
	return summary, nil
}

// parsePorcelainZ parses NUL-delimited `git status --porcelain -z` output.
// Rename/copy entries are followed by an extra NUL-terminated field giving
// the original path; the XY code starts with 'R' or 'C' in that case.
func parsePorcelainZ(out string) []rawChange {
	fields := strings.Split(out, "\x00")
	var result []rawChange
	for i := 0; i < len(fields); i++ {
		entry := fields[i]
		if entry == "" {
			continue
		}
		if len(entry) < 3 {
			continue
		}
		xy := entry[:2]
		path := entry[3:]
		rc := rawChange{xy: xy, path: path}
		if (xy[0] == 'R' || xy[0] == 'C') && i+1 < len(fields) {
			i++
			old := fields[i]
			if old != "" {
				// git emits new path first, then old path, for -z rename records.
				rc.path = old
				rc.renamed = path
			}
		}
		result = append(result, rc)
	}
	return result
}

// checkIgnoreStdin returns which of the given paths are gitignored. The
// second return value is false if check-ignore itself failed to run.
func checkIgnoreStdin(root string, paths []string) (map[string]bool, bool) {
	if len(paths) == 0 {
		return map[string]bool{}, true
	}
	cmd := exec.Command("git", "-C", root, "check-ignore", "-z", "--stdin")
	cmd.Stdin = strings.NewReader(strings.Join(paths, "\x00") + "\x00")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()
	// check-ignore exits 1 when none of stdin is ignored; that's success,
	// not failure. Only a non-{0,1} exit (or failure to start) means the
	// tool itself broke.
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if code := exitErr.ExitCode(); code == 0 || code == 1 {
				// fallthrough to parse stdout
			} else {
				return nil, false
			}
		} else {
			return nil, false
		}
	}
	ignored := map[string]bool{}
	for _, p := range strings.Split(stdout.String(), "\x00") {
		if p != "" {
			ignored[p] = true
		}
	}
	return ignored, true
}

// CheckpointTrailers are the well-known git trailers on a checkpoint commit.
const (
	TrailerCheckpoint = "Runr-Checkpoint"
	TrailerRunID      = "Runr-Run-Id"
	TrailerReason     = "Runr-Reason"
	TrailerIntervene  = "Runr-Intervention"
)

// CheckpointSubject returns the canonical checkpoint commit subject.
func CheckpointSubject(runID string, milestoneIndex int) string {
	return fmt.Sprintf("chore(runr): checkpoint %s milestone %d", runID, milestoneIndex)
}

// CheckpointCommit stages all changes and commits with the canonical
// subject plus Runr-Checkpoint/Runr-Run-Id trailers. Returns an error
// without committing if there is nothing staged (spec: never create empty
// checkpoint commits).
func CheckpointCommit(worktreeDir, runID string, milestoneIndex int, reason string) (string, error) {
	clean, err := IsClean(worktreeDir)
	if err != nil {
		return "", err
	}
	if clean {
		return "", fmt.Errorf("checkpoint_commit: nothing to commit")
	}
	if err := AddAll(worktreeDir); err != nil {
		return "", err
	}
	subject := CheckpointSubject(runID, milestoneIndex)
	msg := subject + "\n\n" + TrailerCheckpoint + ": true\n" + TrailerRunID + ": " + runID
	if strings.TrimSpace(reason) != "" {
		msg += "\n" + TrailerReason + ": " + strings.TrimSpace(reason)
	}
	_, _, err = runGit(worktreeDir, "commit", "-m", msg)
	if err != nil {
		if isMissingIdentity(err) {
			_, _, err = runGit(worktreeDir,
				"-c", "user.name=runr",
				"-c", "user.email=runr@local",
				"commit", "-m", msg)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(worktreeDir)
}

// IsCheckpointCommit reports whether the commit at sha is a checkpoint
// commit, by subject or trailer (subject match is sufficient and cheap;
// the trailer check covers commits that were reworded).
func IsCheckpointCommit(dir, sha string) (bool, error) {
	out, _, err := runGit(dir, "log", "-1", "--format=%s%n%(trailers:key="+TrailerCheckpoint+",valueonly)", sha)
	if err != nil {
		return false, err
	}
	lines := strings.SplitN(out, "\n", 2)
	subject := lines[0]
	if strings.HasPrefix(strings.TrimSpace(subject), "chore(runr): checkpoint ") {
		return true, nil
	}
	if len(lines) > 1 && strings.EqualFold(strings.TrimSpace(lines[1]), "true") {
		return true, nil
	}
	return false, nil
}

// SubmitResult is the outcome of Submit.
type SubmitResult struct {
	Succeeded             bool
	ReasonCode            string // "dirty_tree", "target_branch_missing", "conflict", ""
	ConflictedFiles       []string
	RecoveryCommands      []string
	StartingBranch        string
}

// Submit cherry-picks checkpointSHA onto targetBranch. It always restores
// the original branch, whether it succeeds or fails, and leaves the
// working tree clean either way (component B, spec §4.B).
func Submit(repoDir, checkpointSHA, targetBranch string) (*SubmitResult, error) {
	startingBranch, err := CurrentBranch(repoDir)
	if err != nil {
		return nil, err
	}
	res := &SubmitResult{StartingBranch: startingBranch}

	clean, err := IsClean(repoDir)
	if err != nil {
		return nil, err
	}
	if !clean {
		res.ReasonCode = "dirty_tree"
		return res, nil
	}
	if !BranchExists(repoDir, targetBranch) {
		res.ReasonCode = "target_branch_missing"
		return res, nil
	}

	if err := CheckoutBranch(repoDir, targetBranch); err != nil {
		return nil, err
	}
	_, stderr, err := runGit(repoDir, "cherry-pick", checkpointSHA)
	if err != nil {
		conflicted, _ := conflictedFiles(repoDir)
		_, _, _ = runGit(repoDir, "cherry-pick", "--abort")
		if restoreErr := CheckoutBranch(repoDir, startingBranch); restoreErr != nil {
			return nil, restoreErr
		}
		res.ReasonCode = "conflict"
		res.ConflictedFiles = conflicted
		res.RecoveryCommands = []string{
			fmt.Sprintf("git checkout %s", targetBranch),
			fmt.Sprintf("git cherry-pick %s", checkpointSHA),
			"# resolve conflicts, then: git add -A && git cherry-pick --continue",
		}
		_ = stderr
		return res, nil
	}

	if err := CheckoutBranch(repoDir, startingBranch); err != nil {
		return nil, err
	}
	res.Succeeded = true
	return res, nil
}

func conflictedFiles(dir string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			files = append(files, t)
		}
	}
	return files, nil
}

// AmendGuardMode distinguishes the workflow mode governing amend refusal
// strictness (spec §4.B).
type AmendGuardMode string

const (
	AmendGuardFlow   AmendGuardMode = "flow"
	AmendGuardLedger AmendGuardMode = "ledger"
)

// isPushedToUpstream reports whether HEAD's current commit is already
// reachable from its remote-tracking branch, i.e. has been pushed. A
// branch with no upstream configured is treated as not pushed.
func isPushedToUpstream(dir, head string) bool {
	upstream, _, err := runGit(dir, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}")
	if err != nil || strings.TrimSpace(upstream) == "" {
		return false
	}
	return IsAncestor(dir, head, strings.TrimSpace(upstream))
}

// AmendGuard refuses to amend HEAD when it is a checkpoint commit, unless
// force is set; in ledger mode it refuses even with force unless an
// additional override is supplied. Amending a commit already pushed to
// its upstream is refused unconditionally, regardless of force or mode
// (spec.md §4.B: "always refused if the commit has been pushed").
func AmendGuard(dir string, mode AmendGuardMode, force bool, ledgerOverride bool, sidecarExists func(sha string) bool) error {
	head, err := HeadSHA(dir)
	if err != nil {
		return err
	}
	if isPushedToUpstream(dir, head) {
		return fmt.Errorf("amend refused: HEAD %s has already been pushed to its upstream", head)
	}
	isCheckpoint, err := IsCheckpointCommit(dir, head)
	if err != nil {
		return err
	}
	if !isCheckpoint && sidecarExists != nil && sidecarExists(head) {
		isCheckpoint = true
	}
	if !isCheckpoint {
		return nil
	}
	if mode == AmendGuardLedger {
		if !force || !ledgerOverride {
			return fmt.Errorf("amend refused: HEAD %s is a checkpoint commit (ledger mode requires --force and override)", head)
		}
		return nil
	}
	if !force {
		return fmt.Errorf("amend refused: HEAD %s is a checkpoint commit (use force to override)", head)
	}
	return nil
}

func ensureUserIdentity(worktreeDir string) error {
	name, _, err := runGit(worktreeDir, "config", "--get", "user.name")
	if err != nil {
		// config --get exits 1 when missing; treat as empty.
		name = ""
	}
	email, _, err := runGit(worktreeDir, "config", "--get", "user.email")
	if err != nil {
		email = ""
	}
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" {
		_, _, _ = runGit(worktreeDir, "config", "user.name", "runr")
	}
	if email == "" {
		_, _, _ = runGit(worktreeDir, "config", "user.email", "runr@local")
	}
	return nil
}

// LogCheckpointCommits parses `git log --format=%H|%ct|%s` for the given
// range (or ref if base is empty), returning every commit in it, newest
// first; it does not filter by subject, so callers pick out checkpoint
// commits themselves. Used by the resume planner's git-log fallback
// (spec §4.G).
func LogCheckpointCommits(dir, base, ref string) ([]CommitInfo, error) {
	revRange := ref
	if strings.TrimSpace(base) != "" {
		revRange = base + ".." + ref
	}
	out, _, err := runGit(dir, "log", "--format=%H|%ct|%s", revRange)
	if err != nil {
		return nil, err
	}
	var commits []CommitInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		ts, _ := strconv.ParseInt(parts[1], 10, 64)
		commits = append(commits, CommitInfo{SHA: parts[0], UnixTime: ts, Subject: parts[2]})
	}
	return commits, nil
}

// CommitTrailerRunID returns the Runr-Run-Id trailer value of a commit, if
// present.
func CommitTrailerRunID(dir, sha string) (string, error) {
	out, _, err := runGit(dir, "log", "-1", "--format=%(trailers:key="+TrailerRunID+",valueonly)", sha)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CommitInfo is a single parsed `git log` entry.
type CommitInfo struct {
	SHA      string
	UnixTime int64
	Subject  string
}

// IsAncestor reports whether ancestor is an ancestor of (or equal to)
// descendant, used by the intervention recorder to validate an explicit
// sinceSha (spec.md §4.I step 1).
func IsAncestor(dir, ancestor, descendant string) bool {
	_, _, err := runGit(dir, "merge-base", "--is-ancestor", ancestor, descendant)
	return err == nil
}

// ListCommits returns every commit in (base, ref] (or all of ref's
// history if base is empty), unfiltered by subject, newest first.
func ListCommits(dir, base, ref string) ([]CommitInfo, error) {
	return LogCheckpointCommits(dir, base, ref) // same parser; filtering by subject happens at the call site
}

// DiffStat summarizes lines added/deleted between base and head.
type DiffStat struct {
	LinesAdded   int
	LinesDeleted int
}

// Diffstat returns the added/deleted line counts between base and head
// via `git diff --numstat`, used by the intervention recorder's receipt
// (spec.md §3 InterventionReceipt.lines_added/lines_deleted).
func Diffstat(dir, base, head string) (DiffStat, error) {
	out, _, err := runGit(dir, "diff", "--numstat", base, head)
	if err != nil {
		return DiffStat{}, err
	}
	var stat DiffStat
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if n, err := strconv.Atoi(fields[0]); err == nil {
			stat.LinesAdded += n
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			stat.LinesDeleted += n
		}
	}
	return stat, nil
}
