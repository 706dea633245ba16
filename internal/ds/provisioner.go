package ds

import (
	"context"
	"errors"
	"fmt"
)

// Step names one stage of a provisioning run.
type Step string

const (
	StepCreateCredential Step = "create-credential"
	StepCreatePullTask   Step = "create-pull-task"
	StepTriggerPullTask  Step = "trigger-pull-task"
	StepCreatePushTask   Step = "create-push-task"
	StepCreateSnapshot   Step = "create-snapshot"
)

// Policy decides what a step failure means for the rest of the run.
type Policy int

const (
	// Fatal aborts the run and reports failure with the partial result.
	Fatal Policy = iota
	// Recoverable records the failure in the result and continues.
	Recoverable
)

func (p Policy) String() string {
	if p == Recoverable {
		return "recoverable"
	}
	return "fatal"
}

// stepDef binds a step to its policy and implementation. Steps only write to
// the run's result when they succeed.
type stepDef struct {
	step      Step
	policy    Policy
	run       func(*run, context.Context) error
	onFailure func(*run, error)
}

// plan is the fixed step order. Each step consumes outputs of the ones before
// it, so the order cannot change and steps cannot run in parallel.
var plan = []stepDef{
	{step: StepCreateCredential, policy: Fatal, run: (*run).createCredential},
	{step: StepCreatePullTask, policy: Fatal, run: (*run).createPullTask},
	{step: StepTriggerPullTask, policy: Fatal, run: (*run).triggerPullTask},
	{step: StepCreatePushTask, policy: Fatal, run: (*run).createPushTask},
	{step: StepCreateSnapshot, policy: Recoverable, run: (*run).createSnapshot, onFailure: (*run).skipSnapshot},
}

// PolicyFor returns the failure policy of step.
func PolicyFor(step Step) Policy {
	for _, def := range plan {
		if def.step == step {
			return def.policy
		}
	}
	return Fatal
}

// Outcome is the result of a provisioning run. Result is always populated
// with whatever the run produced, even when Success is false.
type Outcome struct {
	Success bool
	Result  ProvisionResult
	Err     error
}

// FailedStep returns the fatal step that stopped the run, or "" if none did.
func (o *Outcome) FailedStep() Step {
	var se *StepError
	if errors.As(o.Err, &se) {
		return se.Step
	}
	return ""
}

// Provisioner creates the credential, sync tasks and snapshot policy for a
// project on the appliance. It holds no per-run state and is safe for
// concurrent use.
type Provisioner struct {
	appliance Appliance
	logger    Logger
	clock     Clock
}

// NewProvisioner creates a Provisioner that issues calls against appliance.
func NewProvisioner(appliance Appliance, logger Logger, clock Clock) *Provisioner {
	return &Provisioner{
		appliance: appliance,
		logger:    logger,
		clock:     clock,
	}
}

// run carries one request through the plan.
type run struct {
	p      *Provisioner
	req    ProvisionRequest
	creds  OAuthCredentials
	result ProvisionResult

	credentialID int64
	pullTaskID   int64
}

// Provision validates the inputs and executes the plan. Input and
// authentication errors are returned before any remote call is made.
// ctx bounds every remote call; a deadline hit during a step is treated like
// any other failure of that step.
func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest, creds OAuthCredentials) Outcome {
	if err := req.Validate(); err != nil {
		return Outcome{Err: err}
	}
	if err := creds.Validate(); err != nil {
		return Outcome{Err: err}
	}

	r := &run{p: p, req: req, creds: creds}

	for _, def := range plan {
		err := ctx.Err()
		if err == nil {
			p.logger.Debug("step started", "step", string(def.step), "project", req.ProjectName)
			err = def.run(r, ctx)
		}
		if err == nil {
			continue
		}

		if def.policy == Recoverable {
			if IsConflict(err) {
				p.logger.Info("step skipped, already exists", "step", string(def.step), "project", req.ProjectName, "error", err)
			} else {
				p.logger.Warn("step failed, continuing", "step", string(def.step), "project", req.ProjectName, "error", err)
			}
			def.onFailure(r, err)
			continue
		}

		p.logger.Error("step failed, aborting", "step", string(def.step), "project", req.ProjectName, "error", err)
		return Outcome{Result: r.result, Err: &StepError{Step: def.step, Err: err}}
	}

	p.logger.Info("provisioning complete", "project", req.ProjectName,
		"credential", r.credentialID, "pull_task", r.pullTaskID, "snapshot", r.result.SnapshotTask.String())
	return Outcome{Success: true, Result: r.result}
}

// CredentialName returns the name used for a project's credential at time
// millis. The suffix keeps repeated runs for a project from colliding.
func CredentialName(projectName string, millis int64) string {
	return fmt.Sprintf("%s-gdrive-creds-%d", projectName, millis)
}

func (r *run) createCredential(ctx context.Context) error {
	name := CredentialName(r.req.ProjectName, r.p.clock.Now().UnixMilli())
	cred, err := r.p.appliance.CreateCredential(ctx, name, r.creds)
	if err != nil {
		return err
	}
	r.credentialID = cred.ID
	r.result.Credential = &cred.ID
	r.p.logger.Info("credential created", "name", name, "id", cred.ID)
	return nil
}

func (r *run) createPullTask(ctx context.Context) error {
	task, err := r.p.appliance.CreateSyncTask(ctx, SyncTaskSpec{
		Description:  r.req.ProjectName + " - Initial PULL",
		Direction:    DirectionPull,
		CredentialID: r.credentialID,
		Path:         r.req.NASPath,
		FolderID:     r.req.DriveFolderID,
		Schedule:     InitialPullSchedule,
		Enabled:      false,
	})
	if err != nil {
		return err
	}
	r.pullTaskID = task.ID
	r.result.PullTask = &task.ID
	r.p.logger.Info("pull task created", "id", task.ID)
	return nil
}

func (r *run) triggerPullTask(ctx context.Context) error {
	trigger, err := r.p.appliance.TriggerSyncTask(ctx, r.pullTaskID)
	if err != nil {
		return err
	}
	if trigger == nil {
		trigger = TriggerResult("null")
	}
	r.result.PullTrigger = trigger
	r.p.logger.Info("pull task triggered", "id", r.pullTaskID)
	return nil
}

func (r *run) createPushTask(ctx context.Context) error {
	task, err := r.p.appliance.CreateSyncTask(ctx, SyncTaskSpec{
		Description:  r.req.ProjectName + " - Ongoing PUSH",
		Direction:    DirectionPush,
		CredentialID: r.credentialID,
		Path:         r.req.NASPath,
		FolderID:     r.req.DriveFolderID,
		Schedule:     PushSchedule,
		Enabled:      true,
	})
	if err != nil {
		return err
	}
	r.result.PushTask = &task.ID
	r.p.logger.Info("push task created", "id", task.ID)
	return nil
}

func (r *run) createSnapshot(ctx context.Context) error {
	dataset := DatasetName(r.req.NASPath)
	policy, err := r.p.appliance.CreateSnapshotPolicy(ctx, SnapshotPolicySpec{
		Dataset:      dataset,
		Recursive:    true,
		Retention:    SnapshotRetention,
		Schedule:     SnapshotSchedule,
		NamingSchema: SnapshotNamingSchema,
	})
	if err != nil {
		return err
	}
	r.result.SnapshotTask = SnapshotCreated(policy.ID)
	r.p.logger.Info("snapshot policy created", "dataset", dataset, "id", policy.ID)
	return nil
}

func (r *run) skipSnapshot(err error) {
	r.result.SnapshotTask = SnapshotSkipped(err)
}
