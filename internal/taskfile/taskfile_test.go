package taskfile

import (
	"reflect"
	"testing"
)

func TestParse_FrontmatterOnly(t *testing.T) {
	raw := []byte("---\nallowlist_add:\n  - \"internal/widget/**\"\nverification_tier: tier1\n---\nDo the thing.\n")
	task, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(task.Meta.AllowlistAdd, []string{"internal/widget/**"}) {
		t.Fatalf("AllowlistAdd = %v", task.Meta.AllowlistAdd)
	}
	if task.Meta.VerificationTier != "tier1" {
		t.Fatalf("VerificationTier = %q", task.Meta.VerificationTier)
	}
	if task.Body != "Do the thing." {
		t.Fatalf("Body = %q", task.Body)
	}
}

func TestParse_BodyOnly(t *testing.T) {
	raw := []byte("Allowlist-Add: internal/widget/**, cmd/widget/**\nVerification-Tier: tier1\n\nDo the thing.\n")
	task, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"internal/widget/**", "cmd/widget/**"}
	if !reflect.DeepEqual(task.Meta.AllowlistAdd, want) {
		t.Fatalf("AllowlistAdd = %v, want %v", task.Meta.AllowlistAdd, want)
	}
	if task.Meta.VerificationTier != "tier1" {
		t.Fatalf("VerificationTier = %q", task.Meta.VerificationTier)
	}
}

func TestParse_FrontmatterOverridesBody(t *testing.T) {
	raw := []byte("---\nallowlist_add:\n  - \"internal/widget/**\"\n---\nAllowlist-Add: some/other/**\nVerification-Tier: tier2\n\nDo the thing.\n")
	task, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(task.Meta.AllowlistAdd, []string{"internal/widget/**"}) {
		t.Fatalf("frontmatter allowlist_add should win, got %v", task.Meta.AllowlistAdd)
	}
	if task.Meta.VerificationTier != "tier2" {
		t.Fatalf("VerificationTier should fall back to body, got %q", task.Meta.VerificationTier)
	}
}

func TestParse_NoFrontmatterNoDirectives(t *testing.T) {
	raw := []byte("Just a plain task description.\n")
	task, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(task.Meta.AllowlistAdd) != 0 || task.Meta.VerificationTier != "" {
		t.Fatalf("expected empty meta, got %+v", task.Meta)
	}
	if task.Body != "Just a plain task description." {
		t.Fatalf("Body = %q", task.Body)
	}
}

func TestParse_UnterminatedFrontmatterTreatedAsBody(t *testing.T) {
	raw := []byte("---\nallowlist_add: [a]\nNo closing delimiter.\n")
	task, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(task.Meta.AllowlistAdd) != 0 {
		t.Fatalf("expected no metadata parsed from an unterminated block, got %v", task.Meta.AllowlistAdd)
	}
	if task.Body == "" {
		t.Fatal("expected the raw content preserved as body")
	}
}
