package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/danshapiro/runr/internal/config"
	"github.com/danshapiro/runr/internal/diagnosis"
	"github.com/danshapiro/runr/internal/ledger"
	"github.com/danshapiro/runr/internal/model"
	"github.com/danshapiro/runr/internal/orchestrator"
	"github.com/danshapiro/runr/internal/taskfile"
	"gopkg.in/yaml.v3"
)

// dagConfig is the on-disk shape of an `orchestrate run --config` file: a
// flat list of steps, each naming the task it runs, what it depends on,
// and the file globs it owns (spec.md §4.H). Steps are grouped into
// single-step tracks here; nothing in spec.md requires multi-step tracks
// for the CLI entry point, so each step becomes its own track.
type dagConfig struct {
	Steps []dagStep `yaml:"steps"`
}

type dagStep struct {
	Task      string   `yaml:"task"`
	DependsOn []string `yaml:"depends_on"`
	Owns      []string `yaml:"owns"`
}

func loadDAGConfig(path string) (*dagConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var dc dagConfig
	if err := dec.Decode(&dc); err != nil {
		return nil, fmt.Errorf("decode dag config %s: %w", path, err)
	}
	return &dc, nil
}

func cmdOrchestrate(args []string) {
	if len(args) < 1 || args[0] != "run" {
		usage()
		os.Exit(1)
	}
	args = args[1:]

	var repoDir, runsRoot, configPath, dagPath, policyArg string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			dagPath = requireFlagValue(args, i, "--config")
		case "--collision-policy":
			i++
			policyArg = requireFlagValue(args, i, "--collision-policy")
		case "--repo":
			i++
			repoDir = requireFlagValue(args, i, "--repo")
		case "--runs-root":
			i++
			runsRoot = requireFlagValue(args, i, "--runs-root")
		case "--runr-config":
			i++
			configPath = requireFlagValue(args, i, "--runr-config")
		default:
			fail("unknown arg: %s", args[i])
		}
	}
	if dagPath == "" {
		usage()
		os.Exit(1)
	}
	policy := orchestrator.PolicySerialize
	if policyArg == "parallel" {
		policy = orchestrator.PolicyParallel
	} else if policyArg != "" && policyArg != "serialize" {
		fail("unknown --collision-policy: %s", policyArg)
	}

	l := resolveLayout(repoDir, runsRoot, configPath)
	cfg, err := config.Load(l.ConfigPath)
	if err != nil {
		fail("load config: %v", err)
	}
	dag, err := loadDAGConfig(dagPath)
	if err != nil {
		fail("%v", err)
	}

	state := &model.OrchestratorState{}
	tasks := map[string]*taskfile.Task{}
	for i, step := range dag.Steps {
		raw, err := os.ReadFile(step.Task)
		if err != nil {
			fail("read task %s: %v", step.Task, err)
		}
		task, err := taskfile.Parse(raw)
		if err != nil {
			fail("parse task %s: %v", step.Task, err)
		}
		tasks[step.Task] = task
		state.Tracks = append(state.Tracks, model.Track{
			ID:     fmt.Sprintf("track-%d", i+1),
			Status: model.TrackPending,
			Steps: []model.Step{{
				TaskPath:       step.Task,
				DependsOn:      step.DependsOn,
				OwnsNormalized: step.Owns,
			}},
		})
	}

	led := ledger.Open(l.LedgerPath)
	budget := orchestrator.DefaultBudget()
	started := time.Now()

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	for {
		if reason := orchestrator.ApplyBudget(state.Tick, int(time.Since(started).Minutes()), budget); reason != "" {
			fmt.Printf("stop_reason=%s\n", reason)
			os.Exit(diagnosis.ExitCodeFor(reason))
		}
		if ctx.Err() != nil {
			fmt.Println("stop_reason=user_stopped")
			os.Exit(diagnosis.ExitCodeFor(diagnosis.UserStopped))
		}

		decision, err := orchestrator.Tick(state, policy, led)
		if err != nil {
			fail("orchestrator tick: %v", err)
		}
		state.Tick++

		switch decision.Action {
		case "stop":
			fmt.Printf("stop_reason=%s\n", decision.Reason)
			fmt.Println("status=done")
			return
		case "wait":
			fmt.Printf("wait: %s\n", decision.Reason)
			time.Sleep(2 * time.Second)
			continue
		case "launch":
			track := trackByID(state, decision.TrackID)
			step := track.CurrentStep()
			task := tasks[step.TaskPath]
			track.Status = model.TrackRunning
			runID := model.NewRunID(time.Now().UTC())
			step.ActiveRunID = runID
			fmt.Printf("launch track=%s task=%s run_id=%s\n", track.ID, step.TaskPath, runID)

			run, reason, err := executeRun(ctx, l, cfg, task, step.TaskPath, runID, true, step.OwnsNormalized)
			if err != nil {
				fail("launch %s: %v", track.ID, err)
			}
			step.Result = reason

			if reason == diagnosis.Complete {
				track.Status = model.TrackComplete
				continue
			}

			signature := orchestrator.StopSignature(reason, step.TaskPath)
			if orchestrator.ShouldAutoResume(track, diagnosis.AutoResumable(reason), signature, budget) {
				track.AutoResumeCount++
				track.LastStopSignature = signature
				track.Status = model.TrackPending
				step.Result = ""
				fmt.Printf("auto_resume track=%s attempt=%d\n", track.ID, track.AutoResumeCount)
				continue
			}

			track.LastStopSignature = signature
			if !diagnosis.AutoResumable(reason) {
				track.Status = model.TrackFailed
			} else {
				track.Status = model.TrackStopped
			}
			fmt.Printf("track_stopped track=%s reason=%s last_checkpoint_sha=%s\n", track.ID, reason, run.LastCheckpointSHA)
		}
	}
}

func trackByID(state *model.OrchestratorState, id string) *model.Track {
	for i := range state.Tracks {
		if state.Tracks[i].ID == id {
			return &state.Tracks[i]
		}
	}
	return nil
}
