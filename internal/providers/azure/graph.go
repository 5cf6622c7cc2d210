// Package azure adapts Azure Resource Graph and Resource Manager to the
// scanner, name lookup, evidence and mutation interfaces.
package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resourcegraph/armresourcegraph"

	"github.com/lvonguyen/ato-compliance/internal/errs"
)

// GraphClient is the subset of armresourcegraph.Client used here.
type GraphClient interface {
	Resources(ctx context.Context, query armresourcegraph.QueryRequest, options *armresourcegraph.ClientResourcesOptions) (armresourcegraph.ClientResourcesResponse, error)
}

var resourceGroupPattern = regexp.MustCompile(`^[-\w\._\(\)]{1,90}$`)

// queryAll runs a Resource Graph query and follows skip tokens. A nil
// subscriptions slice queries every accessible subscription.
func queryAll(ctx context.Context, client GraphClient, query string, subscriptions []string) ([]map[string]interface{}, error) {
	req := armresourcegraph.QueryRequest{
		Query: to.Ptr(query),
		Options: &armresourcegraph.QueryRequestOptions{
			ResultFormat: to.Ptr(armresourcegraph.ResultFormatObjectArray),
		},
	}
	if len(subscriptions) > 0 {
		req.Subscriptions = to.SliceOfPtrs(subscriptions...)
	}

	var rows []map[string]interface{}
	for {
		result, err := client.Resources(ctx, req, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to query resource graph: %w", err)
		}
		if result.Data != nil {
			data, ok := result.Data.([]interface{})
			if !ok {
				return nil, fmt.Errorf("unexpected result format %T", result.Data)
			}
			for _, item := range data {
				if row, ok := item.(map[string]interface{}); ok {
					rows = append(rows, row)
				}
			}
		}
		if result.SkipToken == nil || *result.SkipToken == "" {
			return rows, nil
		}
		req.Options.SkipToken = result.SkipToken
	}
}

// kqlString quotes s as a KQL string literal.
func kqlString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}

func resourceGroupFilter(rg string) (string, error) {
	if rg == "" {
		return "", nil
	}
	if !resourceGroupPattern.MatchString(rg) {
		return "", errs.Invalid("resourceGroup", rg, "not a valid resource group name")
	}
	return fmt.Sprintf("| where tolower(resourceGroup) == tolower(%s)\n", kqlString(rg)), nil
}

// getString safely extracts a string from a row.
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return ""
}

// nameFromID returns the last segment of a resource id.
func nameFromID(id string) string {
	id = strings.TrimRight(id, "/")
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// typeFromID returns "Namespace/type" of a resource id, or "".
func typeFromID(id string) string {
	parts := strings.Split(strings.Trim(id, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if strings.EqualFold(parts[i], "providers") && i+2 < len(parts) {
			return parts[i+1] + "/" + parts[i+2]
		}
	}
	return ""
}
