package gitutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test",
			"GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test",
			"GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	// Initial commit.
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestDiffNameOnly(t *testing.T) {
	dir := initTestRepo(t)

	baseSHA, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}

	// Create a new file and commit it.
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command("git", "-C", dir, "add", "-A")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git add: %v\n%s", err, out)
	}
	cmd = exec.Command("git", "-C", dir, "commit", "-m", "add new file")
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test",
		"GIT_AUTHOR_EMAIL=test@test",
		"GIT_COMMITTER_NAME=test",
		"GIT_COMMITTER_EMAIL=test@test",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit: %v\n%s", err, out)
	}

	files, err := DiffNameOnly(dir, baseSHA)
	if err != nil {
		t.Fatal(err)
	}

	if len(files) != 1 || files[0] != "new.txt" {
		t.Errorf("DiffNameOnly = %v, want [new.txt]", files)
	}
}

func TestDiffNameOnly_NoChanges(t *testing.T) {
	dir := initTestRepo(t)

	sha, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}

	files, err := DiffNameOnly(dir, sha)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("DiffNameOnly with no changes = %v, want []", files)
	}
}

func TestListChangedFiles_UntrackedAndIgnored(t *testing.T) {
	dir := initTestRepo(t)

	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("ignored.txt\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command("git", "-C", dir, "add", "-A")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git add: %v\n%s", err, out)
	}
	cmd = exec.Command("git", "-C", dir, "commit", "-m", "add gitignore")
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit: %v\n%s", err, out)
	}

	if err := os.WriteFile(filepath.Join(dir, "tracked_new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	summary, err := ListChangedFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if summary.IgnoreCheckStatus != "ok" {
		t.Fatalf("IgnoreCheckStatus = %q, want ok", summary.IgnoreCheckStatus)
	}
	if summary.IgnoredCount != 1 {
		t.Fatalf("IgnoredCount = %d, want 1", summary.IgnoredCount)
	}
	found := false
	for _, f := range summary.Files {
		if f == "ignored.txt" {
			t.Fatalf("ignored.txt should have been filtered out, got %v", summary.Files)
		}
		if f == "tracked_new.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected tracked_new.txt in %v", summary.Files)
	}
}

func TestCheckpointCommit_CanonicalSubjectAndTrailers(t *testing.T) {
	dir := initTestRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "work.txt"), []byte("progress"), 0o644); err != nil {
		t.Fatal(err)
	}

	sha, err := CheckpointCommit(dir, "20260101000000", 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if sha == "" {
		t.Fatal("expected non-empty sha")
	}

	isCheckpoint, err := IsCheckpointCommit(dir, sha)
	if err != nil {
		t.Fatal(err)
	}
	if !isCheckpoint {
		t.Fatal("expected commit to be recognized as a checkpoint")
	}

	trailerRunID, err := CommitTrailerRunID(dir, sha)
	if err != nil {
		t.Fatal(err)
	}
	if trailerRunID != "20260101000000" {
		t.Fatalf("Runr-Run-Id trailer = %q", trailerRunID)
	}
}

func TestCheckpointCommit_ErrorsOnNothingToCommit(t *testing.T) {
	dir := initTestRepo(t)
	if _, err := CheckpointCommit(dir, "20260101000000", 1, ""); err == nil {
		t.Fatal("expected error committing an empty tree")
	}
}

func TestAmendGuard_RefusesOnCheckpointCommitWithoutForce(t *testing.T) {
	dir := initTestRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "work.txt"), []byte("progress"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := CheckpointCommit(dir, "20260101000000", 1, ""); err != nil {
		t.Fatal(err)
	}

	if err := AmendGuard(dir, AmendGuardFlow, false, false, nil); err == nil {
		t.Fatal("expected amend guard to refuse without force")
	}
	if err := AmendGuard(dir, AmendGuardFlow, true, false, nil); err != nil {
		t.Fatalf("expected force to override: %v", err)
	}
	if err := AmendGuard(dir, AmendGuardLedger, true, false, nil); err == nil {
		t.Fatal("expected ledger mode to require the override even with force")
	}
	if err := AmendGuard(dir, AmendGuardLedger, true, true, nil); err != nil {
		t.Fatalf("expected ledger override to succeed: %v", err)
	}
}

func TestSubmit_DirtyTreeIsRefused(t *testing.T) {
	dir := initTestRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "dirty.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := Submit(dir, "HEAD", "main")
	if err != nil {
		t.Fatal(err)
	}
	if res.ReasonCode != "dirty_tree" {
		t.Fatalf("ReasonCode = %q, want dirty_tree", res.ReasonCode)
	}
}

func TestSubmit_TargetBranchMissing(t *testing.T) {
	dir := initTestRepo(t)
	res, err := Submit(dir, "HEAD", "does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if res.ReasonCode != "target_branch_missing" {
		t.Fatalf("ReasonCode = %q, want target_branch_missing", res.ReasonCode)
	}
}

func TestSubmit_SucceedsAndRestoresStartingBranch(t *testing.T) {
	dir := initTestRepo(t)
	startingBranch, err := CurrentBranch(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := CreateBranchAt(dir, "dev", startingBranch); err != nil {
		t.Fatal(err)
	}
	if err := CheckoutBranch(dir, "dev"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "feature.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	sha, err := CheckpointCommit(dir, "20260101000000", 0, "")
	if err != nil {
		t.Fatal(err)
	}

	res, err := Submit(dir, sha, startingBranch)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Succeeded {
		t.Fatalf("expected submit to succeed, got reason %q", res.ReasonCode)
	}

	branch, err := CurrentBranch(dir)
	if err != nil {
		t.Fatal(err)
	}
	if branch != "dev" {
		t.Fatalf("expected to be restored to starting branch dev, got %q", branch)
	}
	clean, err := IsClean(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Fatal("expected clean tree after submit")
	}
}
