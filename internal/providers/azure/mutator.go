package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/remediation"
)

// ResourceAPI reads and writes generic ARM resources by id.
type ResourceAPI interface {
	Get(ctx context.Context, resourceID, apiVersion string) (armresources.GenericResource, error)
	Update(ctx context.Context, resourceID, apiVersion string, patch armresources.GenericResource) (armresources.GenericResource, error)
	Put(ctx context.Context, resourceID, apiVersion string, resource armresources.GenericResource) error
}

// armResourceAPI adapts armresources.Client, waiting on long-running operations.
type armResourceAPI struct {
	client *armresources.Client
}

// NewResourceAPI wraps an ARM resources client.
func NewResourceAPI(client *armresources.Client) ResourceAPI {
	return &armResourceAPI{client: client}
}

func (a *armResourceAPI) Get(ctx context.Context, resourceID, apiVersion string) (armresources.GenericResource, error) {
	resp, err := a.client.GetByID(ctx, resourceID, apiVersion, nil)
	if err != nil {
		return armresources.GenericResource{}, err
	}
	return resp.GenericResource, nil
}

func (a *armResourceAPI) Update(ctx context.Context, resourceID, apiVersion string, patch armresources.GenericResource) (armresources.GenericResource, error) {
	poller, err := a.client.BeginUpdateByID(ctx, resourceID, apiVersion, patch, nil)
	if err != nil {
		return armresources.GenericResource{}, err
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return armresources.GenericResource{}, err
	}
	return resp.GenericResource, nil
}

func (a *armResourceAPI) Put(ctx context.Context, resourceID, apiVersion string, resource armresources.GenericResource) error {
	poller, err := a.client.BeginCreateOrUpdateByID(ctx, resourceID, apiVersion, resource, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

// defaultAPIVersions is used when a change does not name an api version.
var defaultAPIVersions = map[string]string{
	"microsoft.storage":             "2023-01-01",
	"microsoft.sql":                 "2021-11-01",
	"microsoft.network":             "2023-09-01",
	"microsoft.keyvault":            "2023-07-01",
	"microsoft.web":                 "2022-09-01",
	"microsoft.compute":             "2023-09-01",
	"microsoft.containerservice":    "2024-01-01",
	"microsoft.operationalinsights": "2022-10-01",
	"microsoft.dbforpostgresql":     "2022-12-01",
}

// apiVersionFor picks the change's version or the namespace default.
func apiVersionFor(resourceID, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	ns := strings.ToLower(strings.SplitN(typeFromID(resourceID), "/", 2)[0])
	if v, ok := defaultAPIVersions[ns]; ok {
		return v, nil
	}
	return "", errs.Invalid("apiVersion", resourceID, "no api version known for resource provider")
}

// Mutator applies remediation patches through Azure Resource Manager and
// keeps pre-change snapshots in a backup store.
type Mutator struct {
	api     ResourceAPI
	backups remediation.BackupStore
	logger  *zap.Logger
	now     func() time.Time
}

// NewMutator creates an ARM mutator.
func NewMutator(api ResourceAPI, backups remediation.BackupStore, logger *zap.Logger) *Mutator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mutator{api: api, backups: backups, logger: logger, now: time.Now}
}

// Snapshot implements remediation.Mutator.
func (m *Mutator) Snapshot(ctx context.Context, resourceID string) (string, error) {
	version, err := apiVersionFor(resourceID, "")
	if err != nil {
		return "", err
	}
	res, err := m.api.Get(ctx, resourceID, version)
	if err != nil {
		return "", errs.Upstream("azure-resource-manager", fmt.Errorf("read %s: %w", resourceID, err))
	}
	state, err := json.Marshal(res)
	if err != nil {
		return "", &errs.SerializationError{Format: "json", Item: resourceID, Err: err}
	}
	b := remediation.Backup{
		BackupID:   "bak-" + uuid.NewString(),
		ResourceID: resourceID,
		APIVersion: version,
		CapturedAt: m.now().UTC(),
		State:      state,
	}
	if err := m.backups.Save(b); err != nil {
		return "", fmt.Errorf("save backup of %s: %w", resourceID, err)
	}
	m.logger.Info("Resource snapshot saved",
		zap.String("resource_id", resourceID),
		zap.String("backup_id", b.BackupID),
	)
	return b.BackupID, nil
}

// ApplyChange implements remediation.Mutator. Only declarative patches
// are applied; command and script steps must be run by an operator.
func (m *Mutator) ApplyChange(ctx context.Context, resourceID string, change remediation.Change) (remediation.ChangeResult, error) {
	if len(change.Patch) == 0 {
		return remediation.ChangeResult{}, fmt.Errorf("step %d has no resource patch; run it manually: %s", change.Order, change.Description)
	}
	version, err := apiVersionFor(resourceID, change.APIVersion)
	if err != nil {
		return remediation.ChangeResult{}, err
	}
	raw, err := json.Marshal(change.Patch)
	if err != nil {
		return remediation.ChangeResult{}, &errs.SerializationError{Format: "json", Item: fmt.Sprintf("step %d patch", change.Order), Err: err}
	}
	var patch armresources.GenericResource
	if err := json.Unmarshal(raw, &patch); err != nil {
		return remediation.ChangeResult{}, &errs.SerializationError{Format: "json", Item: fmt.Sprintf("step %d patch", change.Order), Err: err}
	}
	if _, err := m.api.Update(ctx, resourceID, version, patch); err != nil {
		return remediation.ChangeResult{}, errs.Upstream("azure-resource-manager", fmt.Errorf("patch %s: %w", resourceID, err))
	}
	return remediation.ChangeResult{
		Summary: fmt.Sprintf("Patched %s (api %s): %s", nameFromID(resourceID), version, change.Description),
	}, nil
}

// Restore implements remediation.Mutator by writing the snapshot back.
func (m *Mutator) Restore(ctx context.Context, backupID string) error {
	b, err := m.backups.Load(backupID)
	if err != nil {
		return err
	}
	var res armresources.GenericResource
	if err := json.Unmarshal(b.State, &res); err != nil {
		return &errs.SerializationError{Format: "json", Item: backupID, Err: err}
	}
	if err := m.api.Put(ctx, b.ResourceID, b.APIVersion, res); err != nil {
		return errs.Upstream("azure-resource-manager", fmt.Errorf("restore %s: %w", b.ResourceID, err))
	}
	m.logger.Info("Resource restored from snapshot",
		zap.String("resource_id", b.ResourceID),
		zap.String("backup_id", backupID),
	)
	return nil
}
