// Package intervention implements the Intervention Recorder (spec.md
// §4.I): given a human's note and a list of commands to run, it captures
// a structured, atomically-written receipt and optionally commits or
// amends with the run's trailers. Grounded on the teacher's
// procutil-style process introspection and cxdb_sink.go's
// hash-then-store idiom, repurposed here to hash spilled command output.
package intervention

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/danshapiro/runr/internal/gitutil"
	"github.com/danshapiro/runr/internal/model"
	"github.com/zeebo/blake3"
)

// spillThresholdBytes and spillThresholdLines are the caps past which a
// command's combined output is written to a sidecar file; below them the
// receipt records only line counts, not the output (spec.md §4.I step 3).
const (
	spillThresholdBytes = 10 * 1024
	spillThresholdLines = 50
)

// Request is the Intervention Recorder's input (spec.md §4.I).
type Request struct {
	RunID         string
	Reason        string
	Note          string
	Commands      []string
	SinceSHA      string // optional; defaults to HEAD
	WorkDir       string
	CommitAfter   bool
	CommitMessage string // optional free text folded into the commit subject
	AmendLast     bool
	AmendMode     gitutil.AmendGuardMode
	ForceAmend    bool
}

// ErrSinceSHANotAncestor is returned when Request.SinceSHA does not
// resolve to an ancestor of HEAD (spec.md §4.I step 1).
var ErrSinceSHANotAncestor = fmt.Errorf("intervention: sinceSha is not an ancestor of HEAD")

// Record runs req's commands in order, builds the receipt, writes it
// atomically under receiptsDir, and optionally commits or amends.
func Record(req Request, receiptsDir string) (*model.InterventionReceipt, error) {
	head, err := gitutil.HeadSHA(req.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("intervention: resolve HEAD: %w", err)
	}

	baseSHA := req.SinceSHA
	if baseSHA == "" {
		baseSHA = head
	} else if !gitutil.IsAncestor(req.WorkDir, baseSHA, head) {
		return nil, ErrSinceSHANotAncestor
	}

	branch, err := gitutil.CurrentBranch(req.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("intervention: resolve branch: %w", err)
	}
	dirtyBefore, err := isDirty(req.WorkDir)
	if err != nil {
		return nil, err
	}

	receipt := &model.InterventionReceipt{
		Version:     "1",
		Timestamp:   time.Now().UTC(),
		RunID:       req.RunID,
		Reason:      req.Reason,
		Note:        req.Note,
		BaseSHA:     baseSHA,
		DirtyBefore: dirtyBefore,
	}

	for i, cmdline := range req.Commands {
		cr, err := runCommand(req.WorkDir, cmdline, i+1, receiptsDir)
		if err != nil {
			return nil, err
		}
		receipt.Commands = append(receipt.Commands, cr)
	}

	if req.CommitAfter {
		sha, err := commitWithTrailers(req.WorkDir, req.RunID, req.Reason, req.CommitMessage)
		if err != nil {
			return nil, err
		}
		head = sha
	} else if req.AmendLast {
		if err := gitutil.AmendGuard(req.WorkDir, req.AmendMode, req.ForceAmend, req.ForceAmend, nil); err != nil {
			return nil, err
		}
		sha, err := amendWithTrailers(req.WorkDir, req.RunID, req.Reason)
		if err != nil {
			return nil, err
		}
		head = sha
	}

	receipt.HeadSHA = head
	dirtyAfter, err := isDirty(req.WorkDir)
	if err != nil {
		return nil, err
	}
	receipt.DirtyAfter = dirtyAfter

	commits, err := gitutil.ListCommits(req.WorkDir, baseSHA, head)
	if err != nil {
		return nil, err
	}
	for _, c := range commits {
		receipt.CommitsInRange = append(receipt.CommitsInRange, c.SHA)
	}

	files, err := gitutil.DiffNameOnly(req.WorkDir, baseSHA)
	if err != nil {
		return nil, err
	}
	receipt.FilesChanged = files

	stat, err := gitutil.Diffstat(req.WorkDir, baseSHA, head)
	if err != nil {
		return nil, err
	}
	receipt.LinesAdded = stat.LinesAdded
	receipt.LinesDeleted = stat.LinesDeleted
	receipt.Diffstat = fmt.Sprintf("%d file(s) changed, %d insertion(s), %d deletion(s)", len(files), stat.LinesAdded, stat.LinesDeleted)
	receipt.Branch = branch

	if err := saveReceipt(receiptsDir, req.RunID, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

func isDirty(dir string) (bool, error) {
	clean, err := gitutil.IsClean(dir)
	if err != nil {
		return false, err
	}
	return !clean, nil
}

// runCommand executes one command, capturing duration, line counts, and
// spilling output over the threshold to a sidecar file hashed with
// blake3 (spec.md §4.I step 3).
func runCommand(workDir, cmdline string, index int, receiptsDir string) (model.CommandResult, error) {
	started := time.Now()
	cmd := exec.Command("sh", "-c", cmdline)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	duration := time.Since(started)

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return model.CommandResult{}, fmt.Errorf("intervention: run command %q: %w", cmdline, runErr)
		}
	}

	stdoutLines := strings.Count(stdout.String(), "\n")
	stderrLines := strings.Count(stderr.String(), "\n")

	result := model.CommandResult{
		Command:     cmdline,
		ExitCode:    exitCode,
		DurationMS:  duration.Milliseconds(),
		StdoutLines: stdoutLines,
		StderrLines: stderrLines,
	}

	combined := append(append([]byte{}, stdout.Bytes()...), stderr.Bytes()...)
	if len(combined) > spillThresholdBytes || stdoutLines+stderrLines > spillThresholdLines {
		hash := blake3.Sum256(combined)
		result.OutputHash = fmt.Sprintf("%x", hash[:])
		spillName := fmt.Sprintf("cmd-%d-output.txt", index)
		spillPath := filepath.Join(receiptsDir, spillName)
		if err := os.MkdirAll(receiptsDir, 0o755); err != nil {
			return model.CommandResult{}, err
		}
		if err := os.WriteFile(spillPath, combined, 0o644); err != nil {
			return model.CommandResult{}, err
		}
		result.SpillPath = spillName
	}
	return result, nil
}

func commitWithTrailers(dir, runID, reason, customMessage string) (string, error) {
	clean, err := gitutil.IsClean(dir)
	if err != nil {
		return "", err
	}
	if clean {
		return gitutil.HeadSHA(dir)
	}
	subject := "chore(runr): manual intervention"
	if strings.TrimSpace(customMessage) != "" {
		subject = strings.TrimSpace(customMessage)
	}
	msg := subject + "\n\n" +
		gitutil.TrailerIntervene + ": true\n" +
		gitutil.TrailerRunID + ": " + runID
	if strings.TrimSpace(reason) != "" {
		msg += "\n" + gitutil.TrailerReason + ": " + strings.TrimSpace(reason)
	}
	return gitutil.CommitAllowEmpty(dir, msg)
}

func amendWithTrailers(dir, runID, reason string) (string, error) {
	msg := "chore(runr): manual intervention (amend)\n\n" +
		gitutil.TrailerIntervene + ": true\n" +
		gitutil.TrailerRunID + ": " + runID
	if strings.TrimSpace(reason) != "" {
		msg += "\n" + gitutil.TrailerReason + ": " + strings.TrimSpace(reason)
	}
	return gitutil.AmendHeadWithMessage(dir, msg)
}

// saveReceipt writes the receipt atomically (temp + rename), named after
// the run id and timestamp (spec.md §3: "stored under
// <run>/interventions/<slug>.json").
func saveReceipt(dir, runID string, r *model.InterventionReceipt) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	slug := fmt.Sprintf("%s-%d", runID, r.Timestamp.Unix())
	path := filepath.Join(dir, slug+".json")
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ConsoleBlock renders a stable, paste-ready block for users who prefer
// a manual commit over CommitAfter/AmendLast (spec.md §4.I step 5).
func ConsoleBlock(r *model.InterventionReceipt) string {
	var sb strings.Builder
	sb.WriteString("chore(runr): manual intervention\n\n")
	sb.WriteString(gitutil.TrailerIntervene + ": true\n")
	sb.WriteString(gitutil.TrailerRunID + ": " + r.RunID + "\n")
	if strings.TrimSpace(r.Reason) != "" {
		sb.WriteString(gitutil.TrailerReason + ": " + r.Reason + "\n")
	}
	return sb.String()
}
