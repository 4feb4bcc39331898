package intervention

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danshapiro/runr/internal/gitutil"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestRecord_CapturesCommandsAndWritesReceipt(t *testing.T) {
	repo := initRepo(t)
	receiptsDir := t.TempDir()

	req := Request{
		RunID:    "20260729000000",
		Reason:   "debug_investigation",
		Note:     "checking flaky test",
		Commands: []string{"echo hello", "echo world 1>&2"},
		WorkDir:  repo,
	}
	receipt, err := Record(req, receiptsDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipt.Commands) != 2 {
		t.Fatalf("Commands = %d, want 2", len(receipt.Commands))
	}
	if receipt.Commands[0].ExitCode != 0 {
		t.Fatalf("first command exit code = %d", receipt.Commands[0].ExitCode)
	}
	if receipt.RunID != req.RunID || receipt.Reason != req.Reason {
		t.Fatalf("receipt = %+v", receipt)
	}

	entries, err := os.ReadDir(receiptsDir)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a receipt JSON file to be written")
	}
}

func TestRecord_SpillsLargeOutput(t *testing.T) {
	repo := initRepo(t)
	receiptsDir := t.TempDir()

	req := Request{
		RunID:    "20260729000001",
		Commands: []string{`yes x | head -c 20000`},
		WorkDir:  repo,
	}
	receipt, err := Record(req, receiptsDir)
	if err != nil {
		t.Fatal(err)
	}
	cr := receipt.Commands[0]
	if cr.SpillPath == "" {
		t.Fatal("expected large output to spill to a file")
	}
	if cr.OutputHash == "" {
		t.Fatal("expected a blake3 hash of the spilled output")
	}
	if _, err := os.Stat(filepath.Join(receiptsDir, cr.SpillPath)); err != nil {
		t.Fatalf("spill file missing: %v", err)
	}
}

func TestRecord_RejectsNonAncestorSinceSHA(t *testing.T) {
	repo := initRepo(t)

	other := t.TempDir()
	cmd := exec.Command("git", "-C", other, "init", "-b", "main")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init other: %v\n%s", err, out)
	}

	req := Request{
		RunID:    "20260729000002",
		Commands: nil,
		WorkDir:  repo,
		SinceSHA: "0000000000000000000000000000000000dead",
	}
	_, err := Record(req, t.TempDir())
	if err != ErrSinceSHANotAncestor {
		t.Fatalf("err = %v, want ErrSinceSHANotAncestor", err)
	}
}

func TestRecord_CommitAfterAddsTrailers(t *testing.T) {
	repo := initRepo(t)
	if err := os.WriteFile(filepath.Join(repo, "manual.txt"), []byte("patched"), 0o644); err != nil {
		t.Fatal(err)
	}

	req := Request{
		RunID:       "20260729000003",
		Reason:      "hotfix",
		WorkDir:     repo,
		CommitAfter: true,
	}
	receipt, err := Record(req, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if receipt.HeadSHA == receipt.BaseSHA {
		t.Fatal("expected HEAD to move after CommitAfter")
	}
	isCheckpoint, err := gitutil.IsCheckpointCommit(repo, receipt.HeadSHA)
	if err != nil {
		t.Fatal(err)
	}
	if isCheckpoint {
		t.Fatal("manual intervention commit must not look like a checkpoint commit")
	}
	trailerRunID, err := gitutil.CommitTrailerRunID(repo, receipt.HeadSHA)
	if err != nil {
		t.Fatal(err)
	}
	if trailerRunID != req.RunID {
		t.Fatalf("Runr-Run-Id trailer = %q, want %q", trailerRunID, req.RunID)
	}
}

func TestRecord_AmendLastRefusedOnCheckpointCommitWithoutForce(t *testing.T) {
	repo := initRepo(t)
	if err := os.WriteFile(filepath.Join(repo, "ms.txt"), []byte("v"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := gitutil.CheckpointCommit(repo, "20260729000005", 0, ""); err != nil {
		t.Fatal(err)
	}

	req := Request{
		RunID:     "20260729000005",
		WorkDir:   repo,
		AmendLast: true,
		AmendMode: gitutil.AmendGuardFlow,
	}
	_, err := Record(req, t.TempDir())
	if err == nil {
		t.Fatal("expected amend to be refused against a checkpoint commit without force")
	}
}

func TestRecord_AmendLastWithForceSucceeds(t *testing.T) {
	repo := initRepo(t)
	if err := os.WriteFile(filepath.Join(repo, "ms.txt"), []byte("v"), 0o644); err != nil {
		t.Fatal(err)
	}
	original, err := gitutil.CheckpointCommit(repo, "20260729000006", 0, "")
	if err != nil {
		t.Fatal(err)
	}

	req := Request{
		RunID:      "20260729000006",
		Reason:     "fix_typo",
		WorkDir:    repo,
		AmendLast:  true,
		AmendMode:  gitutil.AmendGuardFlow,
		ForceAmend: true,
	}
	receipt, err := Record(req, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if receipt.HeadSHA == original {
		t.Fatal("expected amend to produce a new commit SHA")
	}
}

func TestConsoleBlock_ContainsTrailers(t *testing.T) {
	repo := initRepo(t)
	req := Request{RunID: "20260729000004", Reason: "manual_check", WorkDir: repo}
	receipt, err := Record(req, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	block := ConsoleBlock(receipt)
	if !strings.Contains(block, "Runr-Run-Id: 20260729000004") {
		t.Fatalf("block missing run id trailer: %s", block)
	}
	if !strings.Contains(block, "Runr-Reason: manual_check") {
		t.Fatalf("block missing reason trailer: %s", block)
	}
}
