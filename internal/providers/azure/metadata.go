package azure

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Resource types whose data survives a redeploy only through backups.
var statefulTypes = map[string]bool{
	"microsoft.storage/storageaccounts":          true,
	"microsoft.sql/servers":                      true,
	"microsoft.sql/servers/databases":            true,
	"microsoft.dbforpostgresql/flexibleservers":  true,
	"microsoft.dbformysql/flexibleservers":       true,
	"microsoft.documentdb/databaseaccounts":      true,
	"microsoft.keyvault/vaults":                  true,
	"microsoft.compute/disks":                    true,
	"microsoft.cache/redis":                      true,
	"microsoft.containerservice/managedclusters": true,
	"microsoft.recoveryservices/vaults":          true,
	"microsoft.compute/virtualmachines":          true,
}

// Resource types that usually serve more than one workload.
var sharedTypes = map[string]bool{
	"microsoft.network/virtualnetworks":        true,
	"microsoft.network/networksecuritygroups":  true,
	"microsoft.network/azurefirewalls":         true,
	"microsoft.network/privatednszones":        true,
	"microsoft.operationalinsights/workspaces": true,
	"microsoft.keyvault/vaults":                true,
}

const resourceTagsQuery = `resources
| where tolower(id) == tolower(%s)
| project tags
`

// SharedTag marks a resource as shared across workloads.
const SharedTag = "shared"

// MetadataProvider answers complexity questions about Azure resources.
type MetadataProvider struct {
	client GraphClient

	mu   sync.Mutex
	tags map[string]map[string]interface{}
}

// NewMetadataProvider creates a provider. A nil client answers from the
// resource type alone.
func NewMetadataProvider(client GraphClient) *MetadataProvider {
	return &MetadataProvider{client: client, tags: make(map[string]map[string]interface{})}
}

// IsStateful implements scoring.ResourceMetadataProvider.
func (p *MetadataProvider) IsStateful(_ context.Context, resourceID, resourceType string) (bool, error) {
	t := strings.ToLower(resourceType)
	if t == "" {
		t = strings.ToLower(typeFromID(resourceID))
	}
	return statefulTypes[t], nil
}

// IsSharedResource implements scoring.ResourceMetadataProvider.
func (p *MetadataProvider) IsSharedResource(ctx context.Context, resourceID string) (bool, error) {
	if sharedTypes[strings.ToLower(typeFromID(resourceID))] {
		return true, nil
	}
	if p.client == nil {
		return false, nil
	}
	tags, err := p.resourceTags(ctx, resourceID)
	if err != nil {
		return false, err
	}
	for k, v := range tags {
		if strings.EqualFold(k, SharedTag) {
			s, _ := v.(string)
			return s == "" || strings.EqualFold(s, "true") || strings.EqualFold(s, "yes"), nil
		}
	}
	return false, nil
}

func (p *MetadataProvider) resourceTags(ctx context.Context, resourceID string) (map[string]interface{}, error) {
	key := strings.ToLower(resourceID)
	p.mu.Lock()
	tags, ok := p.tags[key]
	p.mu.Unlock()
	if ok {
		return tags, nil
	}
	rows, err := queryAll(ctx, p.client, fmt.Sprintf(resourceTagsQuery, kqlString(resourceID)), nil)
	if err != nil {
		return nil, err
	}
	tags = map[string]interface{}{}
	if len(rows) > 0 {
		if m, ok := rows[0]["tags"].(map[string]interface{}); ok {
			tags = m
		}
	}
	p.mu.Lock()
	p.tags[key] = tags
	p.mu.Unlock()
	return tags, nil
}
