package ds

import "context"

// Appliance is the management API of the storage appliance. Every call is a
// blocking round trip bound to ctx. Implementations must be safe for
// concurrent use.
type Appliance interface {
	// CreateCredential registers a Google Drive credential under name.
	CreateCredential(ctx context.Context, name string, attrs OAuthCredentials) (*Credential, error)

	// CreateSyncTask creates a cloud sync task. It does not run the task.
	CreateSyncTask(ctx context.Context, spec SyncTaskSpec) (*SyncTask, error)

	// TriggerSyncTask starts a run of an existing task and returns once the
	// appliance has accepted it, not when the run completes.
	TriggerSyncTask(ctx context.Context, id int64) (TriggerResult, error)

	// CreateSnapshotPolicy creates a periodic snapshot task. It may fail with a
	// conflict if a policy already exists for the dataset.
	CreateSnapshotPolicy(ctx context.Context, spec SnapshotPolicySpec) (*SnapshotPolicy, error)

	// ListSyncTasks returns all cloud sync tasks on the appliance.
	ListSyncTasks(ctx context.Context) ([]SyncTask, error)

	// Ping verifies the appliance is reachable and the token is accepted.
	Ping(ctx context.Context) error
}
