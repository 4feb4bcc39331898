package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReviewStatus is the REVIEW phase's worker decision (spec.md §4.F, §9).
// The source carried a three-value enum in places (approve |
// request_changes | reject); spec.md adopts the two-value form and folds
// reject into request_changes at the decode boundary (SPEC_FULL.md §12).
type ReviewStatus string

const (
	ReviewApprove        ReviewStatus = "approve"
	ReviewRequestChanges ReviewStatus = "request_changes"
)

// ParseReviewStatus normalizes a raw reviewer string, folding the legacy
// "reject" spelling into "request_changes".
func ParseReviewStatus(raw string) (ReviewStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approve":
		return ReviewApprove, nil
	case "request_changes", "reject":
		return ReviewRequestChanges, nil
	default:
		return "", fmt.Errorf("unrecognized review status %q", raw)
	}
}

// ImplementStatus is the IMPLEMENT phase's reported outcome.
type ImplementStatus string

const (
	ImplementChanged         ImplementStatus = "changed"
	ImplementNoChangesNeeded ImplementStatus = "no_changes_needed"
	ImplementFailed          ImplementStatus = "failed"
)

// Evidence backs a no_changes_needed claim (spec.md §4.D evidence gate).
type Evidence struct {
	FilesChecked []string `json:"files_checked,omitempty"`
	GrepOutput   string   `json:"grep_output,omitempty"`
	CommandsRun  []EvidenceCommand `json:"commands_run,omitempty"`
}

// EvidenceCommand is one command cited as evidence for no_changes_needed.
type EvidenceCommand struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
}

// ImplementOutcome is the decoded, canonicalized result of an IMPLEMENT
// worker call.
type ImplementOutcome struct {
	Status   ImplementStatus `json:"status"`
	Evidence Evidence        `json:"evidence,omitempty"`
	Summary  string          `json:"summary,omitempty"`
}

// legacyImplementOutcome captures the source's older, looser shape so
// DecodeImplementOutcome can fall back to it (mirrors the teacher's
// DecodeOutcomeJSON canonical+legacy dual-path decode).
type legacyImplementOutcome struct {
	Status       string   `json:"status"`
	NoChanges    bool     `json:"no_changes_needed"`
	FilesChecked []string `json:"files_checked"`
	Grep         string   `json:"grep_output"`
	Commands     []struct {
		Command  string `json:"command"`
		ExitCode int    `json:"exit_code"`
	} `json:"commands_run"`
	Summary string `json:"summary"`
}

// DecodeImplementOutcome decodes raw worker JSON into an ImplementOutcome,
// accepting both the canonical shape and a legacy shape that spells the
// no-changes claim as a boolean flag instead of status="no_changes_needed".
func DecodeImplementOutcome(raw []byte) (ImplementOutcome, error) {
	var canonical ImplementOutcome
	if err := json.Unmarshal(raw, &canonical); err == nil && canonical.Status != "" {
		return canonical, nil
	}

	var legacy legacyImplementOutcome
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return ImplementOutcome{}, fmt.Errorf("decode implement outcome: %w", err)
	}
	status := ImplementStatus(legacy.Status)
	if legacy.NoChanges {
		status = ImplementNoChangesNeeded
	}
	if status == "" {
		status = ImplementChanged
	}
	out := ImplementOutcome{
		Status:  status,
		Summary: legacy.Summary,
		Evidence: Evidence{
			FilesChecked: legacy.FilesChecked,
			GrepOutput:   legacy.Grep,
		},
	}
	for _, c := range legacy.Commands {
		out.Evidence.CommandsRun = append(out.Evidence.CommandsRun, EvidenceCommand{Command: c.Command, ExitCode: c.ExitCode})
	}
	return out, nil
}

// WorkerMessageEvent is one line of the ndjson worker-output stream
// (spec.md §4.C): a stream of events, of which only type="item.completed"
// with item.type="agent_message" contribute text.
type WorkerMessageEvent struct {
	Type string `json:"type"`
	Item struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// workerObjectShape is the alternate single-JSON-object worker reply:
// any one of result/content/message carries the text.
type workerObjectShape struct {
	Result  string `json:"result"`
	Content string `json:"content"`
	Message string `json:"message"`
}

// ExtractWorkerText implements the dual output-shape parsing spec.md §4.C
// requires: a single JSON object with result/content/message, or an
// ndjson stream of item.completed/agent_message events whose text fields
// are concatenated in order.
func ExtractWorkerText(raw []byte) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "", fmt.Errorf("empty worker output")
	}

	// ndjson: more than one line, or a single line that parses as a
	// stream event with a "type" field rather than an object shape.
	lines := strings.Split(trimmed, "\n")
	if len(lines) > 1 || looksLikeStreamEvent(trimmed) {
		var sb strings.Builder
		found := false
		for _, line := range lines {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var ev WorkerMessageEvent
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				continue
			}
			if ev.Type == "item.completed" && ev.Item.Type == "agent_message" {
				sb.WriteString(ev.Item.Text)
				found = true
			}
		}
		if found {
			return sb.String(), nil
		}
	}

	var obj workerObjectShape
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return "", fmt.Errorf("worker_parse_failed: %w", err)
	}
	for _, candidate := range []string{obj.Result, obj.Content, obj.Message} {
		if strings.TrimSpace(candidate) != "" {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("worker_parse_failed: no result/content/message field")
}

func looksLikeStreamEvent(s string) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return false
	}
	return probe.Type == "item.completed"
}
