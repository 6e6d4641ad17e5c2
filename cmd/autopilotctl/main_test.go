package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"autopilot/internal/model"
)

func TestDerivedProgressComputesPercentAcrossAllSteps(t *testing.T) {
	state := model.AutopilotState{
		Phases: []model.Phase{
			{
				Steps: model.Steps{
					Discuss: model.Step{Status: model.StatusDone},
					Plan:    model.Step{Status: model.StatusDone},
					Execute: model.Step{Status: model.StatusSkipped},
					Verify:  model.Step{Status: model.StatusInProgress},
				},
			},
			{Steps: model.Steps{}},
		},
	}

	assert.Equal(t, 38, derivedProgress(state))
}

func TestDerivedProgressZeroWhenNoPhases(t *testing.T) {
	assert.Equal(t, 0, derivedProgress(model.AutopilotState{}))
}

func TestDerivedProgressFullWhenEverythingDone(t *testing.T) {
	state := model.AutopilotState{
		Phases: []model.Phase{
			{
				Steps: model.Steps{
					Discuss: model.Step{Status: model.StatusDone},
					Plan:    model.Step{Status: model.StatusDone},
					Execute: model.Step{Status: model.StatusDone},
					Verify:  model.Step{Status: model.StatusDone},
				},
			},
		},
	}
	assert.Equal(t, 100, derivedProgress(state))
}

func TestAliveLabelReflectsRunningState(t *testing.T) {
	orig := colorEnabled
	colorEnabled = false
	defer func() { colorEnabled = orig }()

	assert.Equal(t, "running (pid 42)", aliveLabel(true, 42))
	assert.Equal(t, "not running", aliveLabel(false, 42))
}

func TestBuildCoreArgsIncludesOnlySetFlags(t *testing.T) {
	flagResume = false
	flagPhases = ""
	flagSkipDiscuss = false
	flagSkipVerify = false

	args := buildCoreArgs("", 4001)
	assert.Equal(t, []string{"--port", "4001"}, args)

	flagResume = true
	flagPhases = "1,2"
	flagSkipDiscuss = true
	flagSkipVerify = true
	defer func() {
		flagResume = false
		flagPhases = ""
		flagSkipDiscuss = false
		flagSkipVerify = false
	}()

	args = buildCoreArgs("./PRD.md", 4002)
	assert.Equal(t, []string{
		"--port", "4002",
		"--prd", "./PRD.md",
		"--resume",
		"--phases", "1,2",
		"--skip-discuss",
		"--skip-verify",
	}, args)
}

func TestBranchOrDefaultFallsBackToWorkingDirName(t *testing.T) {
	flagBranch = ""
	branch, err := branchOrDefault()
	assert.NoError(t, err)
	assert.NotEmpty(t, branch)

	flagBranch = "feature/foo"
	defer func() { flagBranch = "" }()
	branch, err = branchOrDefault()
	assert.NoError(t, err)
	assert.Equal(t, "feature/foo", branch)
}
