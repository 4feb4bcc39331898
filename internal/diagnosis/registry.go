// Package diagnosis holds the Stop Reason Registry (spec.md §4.J): a
// single static table mapping every canonical stop reason code to its
// family, exit code, human diagnosis, and auto-resumable bit. Three
// surfaces consume it: CLI exit code selection, `report` output,
// and the orchestrator's auto-resume policy. Expressed as immutable data,
// not a singleton object, per spec.md §9.
package diagnosis

import "fmt"

// Family groups related stop reasons (spec.md §4.J).
type Family string

const (
	FamilyResourceLimit Family = "resource_limit"
	FamilyConstraint    Family = "constraint"
	FamilyFailure       Family = "failure"
	FamilyReview        Family = "review"
	FamilyWorker        Family = "worker"
	FamilyUser          Family = "user"
)

// Entry is one row of the Stop Reason Registry.
type Entry struct {
	Code          string
	Title         string
	Family        Family
	ExitCode      int
	Diagnosis     string
	AutoResumable bool
}

// Canonical stop reason codes (spec.md §4.F, §6).
const (
	Complete                     = "complete"
	VerificationFailedMaxRetries = "verification_failed_max_retries"
	VerificationTimeout          = "verification_timeout"
	ReviewLoopDetected           = "review_loop_detected"
	ReviewRejected               = "review_rejected"
	ScopeViolation               = "scope_violation"
	LockfileViolation            = "lockfile_violation"
	DirtyTree                    = "dirty_tree"
	FileCollision                = "file_collision"
	GuardFail                    = "guard_fail"
	StalledTimeout               = "stalled_timeout"
	WorkerCallTimeout            = "worker_call_timeout"
	WorkerParseFailed            = "worker_parse_failed"
	WorkerBlocked                = "worker_blocked"
	WorkerFailed                 = "worker_failed"
	UserStopped                  = "user_stopped"
	MaxTicksReached              = "max_ticks_reached"
	TimeBudgetExceeded           = "time_budget_exceeded"
)

// registry is the canonical table. spec.md §6's illustrative exit-code
// list does not separately number scope_violation (S3 pins it to 2,
// matching the table's "guard_violation=2") and guard_fail, nor
// worker_parse_failed alongside worker_blocked/worker_failed/worker_timeout
// — both ambiguities are resolved here by giving each its own unused
// code (22, 33) so the registry stays injective on exit_code (spec.md §8
// invariant 6), rather than collapsing two distinct stop reasons onto one
// exit code.
var registry = []Entry{
	{Code: Complete, Title: "Run completed", Family: FamilyUser, ExitCode: 0,
		Diagnosis: "All milestones checkpointed and finalized; no action needed.", AutoResumable: false},
	{Code: ScopeViolation, Title: "Implementer wrote outside the allowed scope", Family: FamilyConstraint, ExitCode: 2,
		Diagnosis: "A changed file did not match the allowlist; check scope.allowlist and scope.denylist.", AutoResumable: false},
	{Code: LockfileViolation, Title: "Implementer touched a protected lockfile", Family: FamilyConstraint, ExitCode: 3,
		Diagnosis: "A change touched a file listed under scope.lockfiles.", AutoResumable: false},
	{Code: DirtyTree, Title: "Working tree was not clean", Family: FamilyConstraint, ExitCode: 4,
		Diagnosis: "Resume or submit refused because the working tree had uncommitted changes.", AutoResumable: false},
	{Code: FileCollision, Title: "Ownership sets collided", Family: FamilyConstraint, ExitCode: 5,
		Diagnosis: "Two tracks' owns sets overlapped; the orchestrator will not run them concurrently.", AutoResumable: true},
	{Code: VerificationFailedMaxRetries, Title: "Verification failed past retry limit", Family: FamilyFailure, ExitCode: 10,
		Diagnosis: "The verification tiers kept failing after the configured number of retries; inspect artifacts/tests_*.log.", AutoResumable: true},
	{Code: VerificationTimeout, Title: "Verification exceeded its time budget", Family: FamilyResourceLimit, ExitCode: 11,
		Diagnosis: "max_verify_time_per_milestone was exceeded; consider raising the budget or narrowing the tiers.", AutoResumable: true},
	{Code: ReviewLoopDetected, Title: "Reviewer requested changes too many times", Family: FamilyReview, ExitCode: 20,
		Diagnosis: "Three consecutive request_changes on one milestone; intervene manually before resuming.", AutoResumable: false},
	{Code: ReviewRejected, Title: "Reviewer rejected the milestone", Family: FamilyReview, ExitCode: 21,
		Diagnosis: "The reviewer explicitly rejected the change set.", AutoResumable: false},
	{Code: GuardFail, Title: "Evidence gate rejected a no-changes claim", Family: FamilyConstraint, ExitCode: 22,
		Diagnosis: "An implementer claimed no_changes_needed without sufficient evidence.", AutoResumable: false},
	{Code: WorkerBlocked, Title: "Worker refused or could not proceed", Family: FamilyWorker, ExitCode: 30,
		Diagnosis: "The worker subprocess reported it could not complete the call.", AutoResumable: false},
	{Code: WorkerFailed, Title: "Worker call exited non-zero", Family: FamilyWorker, ExitCode: 31,
		Diagnosis: "The worker subprocess exited non-zero; see the captured stderr.", AutoResumable: true},
	{Code: WorkerCallTimeout, Title: "Worker call exceeded its timeout", Family: FamilyWorker, ExitCode: 32,
		Diagnosis: "A worker subprocess did not return within its per-call timeout.", AutoResumable: true},
	{Code: WorkerParseFailed, Title: "Worker output failed schema validation", Family: FamilyWorker, ExitCode: 33,
		Diagnosis: "Worker stdout did not validate against the phase's JSON schema.", AutoResumable: false},
	{Code: TimeBudgetExceeded, Title: "Orchestrator time budget exhausted", Family: FamilyResourceLimit, ExitCode: 124,
		Diagnosis: "The orchestration reached time_budget_minutes before all tracks completed.", AutoResumable: false},
	{Code: MaxTicksReached, Title: "Orchestrator tick budget exhausted", Family: FamilyResourceLimit, ExitCode: 125,
		Diagnosis: "The orchestration reached max_ticks before all tracks completed.", AutoResumable: false},
	{Code: StalledTimeout, Title: "No progress within the stall window", Family: FamilyResourceLimit, ExitCode: 126,
		Diagnosis: "The run made no observable progress for longer than the stall threshold.", AutoResumable: true},
	{Code: UserStopped, Title: "Stopped by user request", Family: FamilyUser, ExitCode: 130,
		Diagnosis: "The run was cancelled interactively.", AutoResumable: false},
}

var byCode = map[string]Entry{}
var byExitCode = map[int]Entry{}

func init() {
	for _, e := range registry {
		if _, dup := byCode[e.Code]; dup {
			panic(fmt.Sprintf("diagnosis: duplicate stop reason code %q", e.Code))
		}
		if prior, dup := byExitCode[e.ExitCode]; dup {
			panic(fmt.Sprintf("diagnosis: exit code %d shared by %q and %q", e.ExitCode, prior.Code, e.Code))
		}
		byCode[e.Code] = e
		byExitCode[e.ExitCode] = e
	}
}

// Lookup returns the registry entry for a stop reason code.
func Lookup(code string) (Entry, bool) {
	e, ok := byCode[code]
	return e, ok
}

// ExitCodeFor returns the stable exit code for a stop reason, or 1 if the
// code is not registered (an unclassified internal error).
func ExitCodeFor(code string) int {
	if e, ok := byCode[code]; ok {
		return e.ExitCode
	}
	return 1
}

// AutoResumable reports whether a stop reason is eligible for automatic
// resume (spec.md §4.H).
func AutoResumable(code string) bool {
	e, ok := byCode[code]
	return ok && e.AutoResumable
}

// All returns the full registry, in declaration order.
func All() []Entry {
	out := make([]Entry, len(registry))
	copy(out, registry)
	return out
}
