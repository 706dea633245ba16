package appliance

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"drivesync/internal/ds"
)

// MemoryAppliance is an in-memory implementation of the Appliance interface.
// It keeps credentials, sync tasks and snapshot policies in maps, making it
// useful for dry runs and testing.
// This implementation is safe for concurrent use.
type MemoryAppliance struct {
	name        string
	nextID      int64
	credentials map[int64]ds.Credential
	tasks       map[int64]ds.SyncTask
	snapshots   map[string]ds.SnapshotPolicy // dataset -> policy
	triggered   map[int64]int                // task id -> run count
	mu          sync.RWMutex
}

// NewMemoryAppliance creates a new in-memory appliance with the given name.
func NewMemoryAppliance(name string) *MemoryAppliance {
	return &MemoryAppliance{
		name:        name,
		credentials: make(map[int64]ds.Credential),
		tasks:       make(map[int64]ds.SyncTask),
		snapshots:   make(map[string]ds.SnapshotPolicy),
		triggered:   make(map[int64]int),
	}
}

// newIDLocked returns the next id. The caller must hold the write lock.
func (m *MemoryAppliance) newIDLocked() int64 {
	m.nextID++
	return m.nextID
}

// CreateCredential stores a credential. Names are not required to be unique.
func (m *MemoryAppliance) CreateCredential(ctx context.Context, name string, attrs ds.OAuthCredentials) (*ds.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cred := ds.Credential{ID: m.newIDLocked(), Name: name, Provider: ds.ProviderGoogleDrive}
	m.credentials[cred.ID] = cred
	return &cred, nil
}

// CreateSyncTask stores a sync task. The referenced credential must exist.
func (m *MemoryAppliance) CreateSyncTask(ctx context.Context, spec ds.SyncTaskSpec) (*ds.SyncTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !spec.Direction.Valid() {
		return nil, fmt.Errorf("invalid sync direction %q", spec.Direction)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.credentials[spec.CredentialID]; !ok {
		return nil, notFound("create sync task", fmt.Sprintf("credential %d does not exist", spec.CredentialID))
	}

	task := ds.SyncTask{
		ID:           m.newIDLocked(),
		Description:  spec.Description,
		Direction:    spec.Direction,
		CredentialID: spec.CredentialID,
		Path:         spec.Path,
		FolderID:     spec.FolderID,
		Schedule:     spec.Schedule,
		Enabled:      spec.Enabled,
	}
	m.tasks[task.ID] = task
	return &task, nil
}

// TriggerSyncTask records a manual run of an existing task.
func (m *MemoryAppliance) TriggerSyncTask(ctx context.Context, id int64) (ds.TriggerResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return nil, notFound("trigger sync task", fmt.Sprintf("cloud sync task %d does not exist", id))
	}
	m.triggered[id]++
	return ds.TriggerResult(fmt.Sprintf(`{"job_id":%d}`, m.newIDLocked())), nil
}

// CreateSnapshotPolicy stores a snapshot policy. Only one policy per dataset
// is allowed; a second one is reported as a conflict.
func (m *MemoryAppliance) CreateSnapshotPolicy(ctx context.Context, spec ds.SnapshotPolicySpec) (*ds.SnapshotPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.snapshots[spec.Dataset]; exists {
		body := fmt.Sprintf(`{"message":"periodic snapshot task for %s already exists"}`, spec.Dataset)
		return nil, ds.NewRemoteAPIError("create snapshot policy", http.StatusConflict, []byte(body))
	}

	policy := ds.SnapshotPolicy{
		ID:            m.newIDLocked(),
		Dataset:       spec.Dataset,
		Recursive:     spec.Recursive,
		LifetimeValue: spec.Retention.Value,
		LifetimeUnit:  spec.Retention.Unit,
		Schedule:      spec.Schedule,
		NamingSchema:  spec.NamingSchema,
	}
	m.snapshots[spec.Dataset] = policy
	return &policy, nil
}

// ListSyncTasks returns all tasks ordered by id.
func (m *MemoryAppliance) ListSyncTasks(ctx context.Context) ([]ds.SyncTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]ds.SyncTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// Ping always succeeds for the in-memory appliance.
func (m *MemoryAppliance) Ping(ctx context.Context) error {
	return ctx.Err()
}

// TriggerCount returns how many times task id has been triggered.
func (m *MemoryAppliance) TriggerCount(id int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.triggered[id]
}

// Credentials returns all stored credentials ordered by id.
func (m *MemoryAppliance) Credentials() []ds.Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()

	creds := make([]ds.Credential, 0, len(m.credentials))
	for _, c := range m.credentials {
		creds = append(creds, c)
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].ID < creds[j].ID })
	return creds
}

// SnapshotPolicy returns the policy for dataset, if one exists.
func (m *MemoryAppliance) SnapshotPolicy(dataset string) (ds.SnapshotPolicy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.snapshots[dataset]
	return p, ok
}

func notFound(op, message string) *ds.RemoteAPIError {
	return ds.NewRemoteAPIError(op, http.StatusNotFound, []byte(fmt.Sprintf(`{"message":%q}`, message)))
}

// Compile-time check that MemoryAppliance implements ds.Appliance
var _ ds.Appliance = (*MemoryAppliance)(nil)
