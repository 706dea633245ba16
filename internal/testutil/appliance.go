package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"drivesync/internal/ds"
)

// Operation names recorded by FakeAppliance. Sync task creation is recorded
// with its direction so PULL and PUSH can be told apart.
const (
	OpCreateCredential = "CreateCredential"
	OpCreatePullTask   = "CreateSyncTask:PULL"
	OpCreatePushTask   = "CreateSyncTask:PUSH"
	OpTriggerSyncTask  = "TriggerSyncTask"
	OpCreateSnapshot   = "CreateSnapshotPolicy"
	OpListSyncTasks    = "ListSyncTasks"
	OpPing             = "Ping"
)

// FakeAppliance is a scriptable ds.Appliance that records every call.
// Failures are injected per operation with FailOn; BlockOn makes an operation
// wait for its context to end. Safe for concurrent use.
type FakeAppliance struct {
	mu sync.Mutex

	calls   []string
	fail    map[string]error
	block   map[string]bool
	nextID  int64
	creds   []FakeCredentialCall
	tasks   []ds.SyncTaskSpec
	snaps   []ds.SnapshotPolicySpec
	trigger ds.TriggerResult
}

// FakeCredentialCall records the arguments of one CreateCredential call.
type FakeCredentialCall struct {
	Name  string
	Attrs ds.OAuthCredentials
}

// NewFakeAppliance creates a FakeAppliance whose operations all succeed.
func NewFakeAppliance() *FakeAppliance {
	return &FakeAppliance{
		fail:    make(map[string]error),
		block:   make(map[string]bool),
		trigger: ds.TriggerResult(`{"job_id":1}`),
	}
}

// FailOn makes op return err.
func (f *FakeAppliance) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

// BlockOn makes op block until its context is done and return the context error.
func (f *FakeAppliance) BlockOn(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block[op] = true
}

// SetTriggerResult sets the payload returned by TriggerSyncTask.
func (f *FakeAppliance) SetTriggerResult(raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trigger = ds.TriggerResult(raw)
}

// Calls returns the recorded operation names in call order.
func (f *FakeAppliance) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Credentials returns the recorded CreateCredential calls.
func (f *FakeAppliance) Credentials() []FakeCredentialCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCredentialCall(nil), f.creds...)
}

// SyncTasks returns the specs passed to CreateSyncTask, in call order.
func (f *FakeAppliance) SyncTasks() []ds.SyncTaskSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ds.SyncTaskSpec(nil), f.tasks...)
}

// SnapshotPolicies returns the specs passed to CreateSnapshotPolicy.
func (f *FakeAppliance) SnapshotPolicies() []ds.SnapshotPolicySpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ds.SnapshotPolicySpec(nil), f.snaps...)
}

// begin records op and returns the injected failure, if any.
func (f *FakeAppliance) begin(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	err := f.fail[op]
	blocked := f.block[op]
	f.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *FakeAppliance) newID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *FakeAppliance) CreateCredential(ctx context.Context, name string, attrs ds.OAuthCredentials) (*ds.Credential, error) {
	if err := f.begin(ctx, OpCreateCredential); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.creds = append(f.creds, FakeCredentialCall{Name: name, Attrs: attrs})
	f.mu.Unlock()
	return &ds.Credential{ID: f.newID(), Name: name, Provider: ds.ProviderGoogleDrive}, nil
}

func (f *FakeAppliance) CreateSyncTask(ctx context.Context, spec ds.SyncTaskSpec) (*ds.SyncTask, error) {
	if err := f.begin(ctx, "CreateSyncTask:"+string(spec.Direction)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.tasks = append(f.tasks, spec)
	f.mu.Unlock()
	return &ds.SyncTask{
		ID:           f.newID(),
		Description:  spec.Description,
		Direction:    spec.Direction,
		CredentialID: spec.CredentialID,
		Path:         spec.Path,
		FolderID:     spec.FolderID,
		Schedule:     spec.Schedule,
		Enabled:      spec.Enabled,
	}, nil
}

func (f *FakeAppliance) TriggerSyncTask(ctx context.Context, id int64) (ds.TriggerResult, error) {
	if err := f.begin(ctx, OpTriggerSyncTask); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trigger, nil
}

func (f *FakeAppliance) CreateSnapshotPolicy(ctx context.Context, spec ds.SnapshotPolicySpec) (*ds.SnapshotPolicy, error) {
	if err := f.begin(ctx, OpCreateSnapshot); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.snaps = append(f.snaps, spec)
	f.mu.Unlock()
	return &ds.SnapshotPolicy{
		ID:            f.newID(),
		Dataset:       spec.Dataset,
		Recursive:     spec.Recursive,
		LifetimeValue: spec.Retention.Value,
		LifetimeUnit:  spec.Retention.Unit,
		Schedule:      spec.Schedule,
		NamingSchema:  spec.NamingSchema,
	}, nil
}

func (f *FakeAppliance) ListSyncTasks(ctx context.Context) ([]ds.SyncTask, error) {
	if err := f.begin(ctx, OpListSyncTasks); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *FakeAppliance) Ping(ctx context.Context) error {
	return f.begin(ctx, OpPing)
}

// ServerError returns a RemoteAPIError shaped like an appliance 500 response.
func ServerError(op, message string) *ds.RemoteAPIError {
	body, _ := json.Marshal(map[string]string{"message": message})
	return ds.NewRemoteAPIError(op, 500, body)
}

// ConflictError returns a RemoteAPIError shaped like an appliance 409 response.
func ConflictError(op, message string) *ds.RemoteAPIError {
	body := []byte(fmt.Sprintf(`{"message":%q}`, message))
	return ds.NewRemoteAPIError(op, 409, body)
}

// Compile-time check that FakeAppliance implements ds.Appliance
var _ ds.Appliance = (*FakeAppliance)(nil)
