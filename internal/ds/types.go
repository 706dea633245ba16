package ds

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Direction is the data movement direction of a sync task.
type Direction string

const (
	// DirectionPull copies from the remote folder into the local dataset.
	DirectionPull Direction = "PULL"
	// DirectionPush copies from the local dataset into the remote folder.
	DirectionPush Direction = "PUSH"
)

// Valid reports whether d is PULL or PUSH.
func (d Direction) Valid() bool {
	return d == DirectionPull || d == DirectionPush
}

// ScheduleSpec is a cron-like recurrence in the appliance's field layout.
type ScheduleSpec struct {
	Minute     string `json:"minute"`
	Hour       string `json:"hour"`
	DayOfMonth string `json:"dom"`
	Month      string `json:"month"`
	DayOfWeek  string `json:"dow"`
}

func (s ScheduleSpec) String() string {
	return strings.Join([]string{s.Minute, s.Hour, s.DayOfMonth, s.Month, s.DayOfWeek}, " ")
}

var (
	// InitialPullSchedule is a placeholder; the initial pull task is created
	// disabled and triggered by hand, so this schedule never fires.
	InitialPullSchedule = ScheduleSpec{Minute: "0", Hour: "0", DayOfMonth: "1", Month: "1", DayOfWeek: "*"}

	// PushSchedule runs the ongoing push every 15 minutes.
	PushSchedule = ScheduleSpec{Minute: "*/15", Hour: "*", DayOfMonth: "*", Month: "*", DayOfWeek: "*"}

	// SnapshotSchedule takes a snapshot daily at midnight.
	SnapshotSchedule = ScheduleSpec{Minute: "0", Hour: "0", DayOfMonth: "*", Month: "*", DayOfWeek: "*"}
)

const (
	// ProviderGoogleDrive is the appliance's provider tag for Drive credentials.
	ProviderGoogleDrive = "GOOGLE_DRIVE"

	// SnapshotNamingSchema is the strftime pattern used for snapshot names.
	SnapshotNamingSchema = "auto-%Y-%m-%d_%H-%M"
)

// Retention is how long a snapshot is kept.
type Retention struct {
	Value int
	Unit  string // HOUR, DAY, WEEK, MONTH, YEAR
}

// SnapshotRetention keeps snapshots for two weeks.
var SnapshotRetention = Retention{Value: 2, Unit: "WEEK"}

// ProvisionRequest is the operator's intent for one provisioning run.
type ProvisionRequest struct {
	ProjectName     string `json:"projectName"`
	NASPath         string `json:"nasPath"`
	DriveFolderID   string `json:"driveFolderId"`
	DriveFolderName string `json:"driveFolderName,omitempty"`
}

// Validate rejects requests missing a project name, dataset path or folder id.
func (r ProvisionRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.ProjectName) == "" {
		missing = append(missing, "projectName")
	}
	if strings.TrimSpace(r.NASPath) == "" {
		missing = append(missing, "nasPath")
	}
	if strings.TrimSpace(r.DriveFolderID) == "" {
		missing = append(missing, "driveFolderId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// OAuthCredentials are the Google OAuth secrets registered with the appliance.
// They are obtained by an authorization-code exchange outside this package.
type OAuthCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

// Validate rejects credentials with any empty field.
func (c OAuthCredentials) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" || c.RefreshToken == "" {
		return fmt.Errorf("%w: client id, client secret and refresh token are required", ErrMissingCredentials)
	}
	return nil
}

// Credential is a cloud credential stored on the appliance.
type Credential struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`
}

// SyncTaskSpec describes a sync task to create.
type SyncTaskSpec struct {
	Description  string
	Direction    Direction
	CredentialID int64
	Path         string
	FolderID     string
	Schedule     ScheduleSpec
	Enabled      bool
}

// SyncTask is a cloud sync task as reported by the appliance.
type SyncTask struct {
	ID           int64        `json:"id"`
	Description  string       `json:"description"`
	Direction    Direction    `json:"direction"`
	CredentialID int64        `json:"credentials"`
	Path         string       `json:"path"`
	FolderID     string       `json:"folder_id,omitempty"`
	Schedule     ScheduleSpec `json:"schedule"`
	Enabled      bool         `json:"enabled"`
}

// TriggerResult is the appliance's opaque response to a manual sync run.
type TriggerResult = json.RawMessage

// SnapshotPolicySpec describes a periodic snapshot task to create.
type SnapshotPolicySpec struct {
	Dataset      string
	Recursive    bool
	Retention    Retention
	Schedule     ScheduleSpec
	NamingSchema string
}

// SnapshotPolicy is a periodic snapshot task as reported by the appliance.
type SnapshotPolicy struct {
	ID            int64        `json:"id"`
	Dataset       string       `json:"dataset"`
	Recursive     bool         `json:"recursive"`
	LifetimeValue int          `json:"lifetime_value"`
	LifetimeUnit  string       `json:"lifetime_unit"`
	Schedule      ScheduleSpec `json:"schedule"`
	NamingSchema  string       `json:"naming_schema"`
}

// SnapshotFailurePrefix marks a snapshot step that failed without aborting the run.
const SnapshotFailurePrefix = "Failed/Skipped: "

// SnapshotOutcome is either the id of a created snapshot policy or the
// failure marker recorded when creation failed.
type SnapshotOutcome struct {
	ID      int64
	Failure string
}

// SnapshotCreated returns an outcome holding a policy id.
func SnapshotCreated(id int64) *SnapshotOutcome {
	return &SnapshotOutcome{ID: id}
}

// SnapshotSkipped returns an outcome holding the failure marker for err.
func SnapshotSkipped(err error) *SnapshotOutcome {
	return &SnapshotOutcome{Failure: SnapshotFailurePrefix + err.Error()}
}

// Failed reports whether the snapshot step failed.
func (o *SnapshotOutcome) Failed() bool {
	return o.Failure != ""
}

func (o *SnapshotOutcome) String() string {
	if o == nil {
		return ""
	}
	if o.Failed() {
		return o.Failure
	}
	return strconv.FormatInt(o.ID, 10)
}

// MarshalJSON encodes a created policy as its numeric id and a failure as the marker string.
func (o SnapshotOutcome) MarshalJSON() ([]byte, error) {
	if o.Failure != "" {
		return json.Marshal(o.Failure)
	}
	return json.Marshal(o.ID)
}

func (o *SnapshotOutcome) UnmarshalJSON(data []byte) error {
	var id int64
	if err := json.Unmarshal(data, &id); err == nil {
		*o = SnapshotOutcome{ID: id}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("snapshot outcome must be a number or string: %w", err)
	}
	*o = SnapshotOutcome{Failure: s}
	return nil
}

// ProvisionResult accumulates the outputs of each step. A nil field means the
// step did not run or did not succeed.
type ProvisionResult struct {
	Credential   *int64           `json:"credential"`
	PullTask     *int64           `json:"pullTask"`
	PushTask     *int64           `json:"pushTask"`
	SnapshotTask *SnapshotOutcome `json:"snapshotTask"`
	PullTrigger  TriggerResult    `json:"pullTrigger"`
}

// Completed lists the steps whose outputs are present, in run order.
// A recorded snapshot failure does not count as completed.
func (r *ProvisionResult) Completed() []Step {
	var steps []Step
	if r.Credential != nil {
		steps = append(steps, StepCreateCredential)
	}
	if r.PullTask != nil {
		steps = append(steps, StepCreatePullTask)
	}
	if r.PullTrigger != nil {
		steps = append(steps, StepTriggerPullTask)
	}
	if r.PushTask != nil {
		steps = append(steps, StepCreatePushTask)
	}
	if r.SnapshotTask != nil && !r.SnapshotTask.Failed() {
		steps = append(steps, StepCreateSnapshot)
	}
	return steps
}
