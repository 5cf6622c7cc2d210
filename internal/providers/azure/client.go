package azure

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resourcegraph/armresourcegraph"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
)

// Clients bundles the ARM clients built from one credential.
type Clients struct {
	Graph     *armresourcegraph.Client
	Resources *armresources.Client
}

// NewCredential returns the default Azure credential chain (environment,
// workload identity, managed identity, Azure CLI).
func NewCredential() (azcore.TokenCredential, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}
	return cred, nil
}

// NewClients creates Resource Graph and Resource Manager clients. The
// resources client is scoped to subscriptionID and may be nil when no
// subscription is known yet.
func NewClients(cred azcore.TokenCredential, subscriptionID string) (*Clients, error) {
	graph, err := armresourcegraph.NewClient(cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource graph client: %w", err)
	}
	c := &Clients{Graph: graph}
	if subscriptionID != "" {
		res, err := armresources.NewClient(subscriptionID, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create resources client: %w", err)
		}
		c.Resources = res
	}
	return c, nil
}
