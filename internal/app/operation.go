package app

import (
	"encoding/json"
	"fmt"
	"strings"

	"drivesync/internal/ds"
	"drivesync/internal/model"
)

// newRun creates the in-memory record for a provisioning run. It is
// persisted as running before the first appliance call is made.
func newRun(id string, req ds.ProvisionRequest) *model.Run {
	return &model.Run{
		ID:              id,
		ProjectName:     req.ProjectName,
		NASPath:         req.NASPath,
		DriveFolderID:   req.DriveFolderID,
		DriveFolderName: req.DriveFolderName,
		Status:          model.RunStatusRunning,
	}
}

// runFinish holds the values stored when a run ends.
type runFinish struct {
	Status     string
	FailedStep string
	Error      string
	Result     string
}

// finishFromOutcome derives the stored run fields from an outcome. The
// result is kept even on failure so partial state can be cleaned up.
func finishFromOutcome(out ds.Outcome) (runFinish, error) {
	result, err := json.Marshal(out.Result)
	if err != nil {
		return runFinish{}, fmt.Errorf("encoding run result: %w", err)
	}

	f := runFinish{
		Status:     model.RunStatusSuccess,
		FailedStep: string(out.FailedStep()),
		Result:     string(result),
	}
	if !out.Success {
		f.Status = model.RunStatusFailed
	}
	if out.Err != nil {
		f.Error = out.Err.Error()
	}
	return f, nil
}

// reportName is the archive name of a run's report before any encryption
// extension is added.
func reportName(runID string) string {
	return runID + ".json"
}

// stepNames joins the completed steps for the log, e.g.
// "create-credential,create-pull-task".
func stepNames(steps []ds.Step) string {
	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = string(st)
	}
	return strings.Join(names, ",")
}
