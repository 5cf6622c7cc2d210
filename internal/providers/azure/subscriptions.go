package azure

import (
	"context"
	"fmt"
	"strings"
)

const subscriptionByNameQuery = `resourcecontainers
| where type == "microsoft.resources/subscriptions"
| where name =~ %s
| project subscriptionId, name
`

// SubscriptionDirectory resolves subscription display names through
// Resource Graph.
type SubscriptionDirectory struct {
	client GraphClient
}

// NewSubscriptionDirectory creates a directory over client.
func NewSubscriptionDirectory(client GraphClient) *SubscriptionDirectory {
	return &SubscriptionDirectory{client: client}
}

// LookupSubscription implements subscription.NameLookup. Names match
// case-insensitively; an ambiguous name is an error.
func (d *SubscriptionDirectory) LookupSubscription(ctx context.Context, name string) (string, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, nil
	}
	rows, err := queryAll(ctx, d.client, fmt.Sprintf(subscriptionByNameQuery, kqlString(name)), nil)
	if err != nil {
		return "", false, err
	}
	switch len(rows) {
	case 0:
		return "", false, nil
	case 1:
		return getString(rows[0], "subscriptionId"), true, nil
	}
	return "", false, fmt.Errorf("subscription name %q is ambiguous: %d matches", name, len(rows))
}
