// Package subscription turns a subscription GUID or friendly name into a
// subscription id.
package subscription

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/errs"
)

// maxHintNames bounds the names listed in a resolution error.
const maxHintNames = 10

// Resolution methods.
const (
	MethodGUID    = "guid"
	MethodRemote  = "remote"
	MethodStatic  = "static"
	MethodAccount = "account"
)

// Resolution is a resolved subscription.
type Resolution struct {
	ID     string `json:"subscriptionId"`
	Name   string `json:"name,omitempty"`
	Method string `json:"method"`
}

// Strategy is one step of the resolution chain. ok is false when the
// strategy does not know the input.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, input string) (id string, ok bool, err error)
}

// NameLookup resolves a display name against the cloud provider.
type NameLookup interface {
	LookupSubscription(ctx context.Context, name string) (id string, found bool, err error)
}

// GUIDStrategy accepts inputs that already are subscription ids.
type GUIDStrategy struct{}

// Name implements Strategy.
func (GUIDStrategy) Name() string { return MethodGUID }

// Resolve implements Strategy.
func (GUIDStrategy) Resolve(_ context.Context, input string) (string, bool, error) {
	id, err := uuid.Parse(input)
	if err != nil {
		return "", false, nil
	}
	return id.String(), true, nil
}

// RemoteStrategy asks the cloud provider.
type RemoteStrategy struct {
	lookup NameLookup
}

// NewRemoteStrategy wraps a name lookup.
func NewRemoteStrategy(lookup NameLookup) *RemoteStrategy {
	return &RemoteStrategy{lookup: lookup}
}

// Name implements Strategy.
func (s *RemoteStrategy) Name() string { return MethodRemote }

// Resolve implements Strategy.
func (s *RemoteStrategy) Resolve(ctx context.Context, input string) (string, bool, error) {
	id, found, err := s.lookup.LookupSubscription(ctx, input)
	if err != nil || !found {
		return "", false, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", false, fmt.Errorf("remote lookup returned malformed id %q for %q", id, input)
	}
	return parsed.String(), true, nil
}

// StaticTable is an immutable name to id table. Names match
// case-insensitively.
type StaticTable struct {
	ids   map[string]string
	names []string
}

// NewStaticTable copies entries and checks every id is a GUID.
func NewStaticTable(entries map[string]string) (*StaticTable, error) {
	t := &StaticTable{ids: make(map[string]string, len(entries))}
	for name, id := range entries {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return nil, errs.Invalid("subscriptions", name, "subscription name must not be empty")
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, errs.Invalid("subscriptions."+name, id, "subscription id must be a GUID")
		}
		if _, dup := t.ids[key]; dup {
			return nil, errs.Invalid("subscriptions", name, "duplicate subscription name")
		}
		t.ids[key] = parsed.String()
		t.names = append(t.names, key)
	}
	sort.Strings(t.names)
	return t, nil
}

// Name implements Strategy.
func (t *StaticTable) Name() string { return MethodStatic }

// Resolve implements Strategy.
func (t *StaticTable) Resolve(_ context.Context, input string) (string, bool, error) {
	id, ok := t.ids[strings.ToLower(strings.TrimSpace(input))]
	return id, ok, nil
}

// Names returns the known names, sorted.
func (t *StaticTable) Names() []string {
	return append([]string(nil), t.names...)
}

var (
	awsAccountPattern = regexp.MustCompile(`^\d{12}$`)
	gcpProjectPattern = regexp.MustCompile(`^projects/([a-z][a-z0-9-]{4,28}[a-z0-9])$`)
)

// AccountStrategy accepts non-Azure scopes: a 12-digit AWS account id or
// "projects/<id>" for a GCP project, which resolves to the bare project id.
type AccountStrategy struct{}

// Name implements Strategy.
func (AccountStrategy) Name() string { return MethodAccount }

// Resolve implements Strategy.
func (AccountStrategy) Resolve(_ context.Context, input string) (string, bool, error) {
	if awsAccountPattern.MatchString(input) {
		return input, true, nil
	}
	if m := gcpProjectPattern.FindStringSubmatch(input); m != nil {
		return m[1], true, nil
	}
	return "", false, nil
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithCloudAccounts accepts AWS account and GCP project scopes right
// after the GUID check.
func WithCloudAccounts() ResolverOption {
	return func(r *Resolver) {
		r.chain = append(r.chain[:1], append([]Strategy{AccountStrategy{}}, r.chain[1:]...)...)
	}
}

// Resolver runs strategies in order until one succeeds.
type Resolver struct {
	chain  []Strategy
	table  *StaticTable
	logger *zap.Logger
}

// NewResolver builds the GUID, remote lookup, static table chain. lookup
// and table may be nil.
func NewResolver(lookup NameLookup, table *StaticTable, logger *zap.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	chain := []Strategy{GUIDStrategy{}}
	if lookup != nil {
		chain = append(chain, NewRemoteStrategy(lookup))
	}
	if table != nil {
		chain = append(chain, table)
	}
	r := &Resolver{chain: chain, table: table, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the subscription id for a GUID or name. Strategy errors
// are logged and resolution falls through to the next strategy.
func (r *Resolver) Resolve(ctx context.Context, input string) (Resolution, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Resolution{}, errs.Invalid("subscription", "", "subscription id or name is required")
	}
	for _, s := range r.chain {
		id, ok, err := s.Resolve(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return Resolution{}, fmt.Errorf("resolve subscription %q: %w", input, ctx.Err())
			}
			r.logger.Warn("Subscription resolution step failed, falling back",
				zap.String("strategy", s.Name()),
				zap.String("input", input),
				zap.Error(err),
			)
			continue
		}
		if ok {
			res := Resolution{ID: id, Method: s.Name()}
			if s.Name() == MethodRemote || s.Name() == MethodStatic {
				res.Name = input
			}
			r.logger.Debug("Subscription resolved",
				zap.String("input", input),
				zap.String("subscription_id", id),
				zap.String("strategy", s.Name()),
			)
			return res, nil
		}
	}

	var hint []string
	if r.table != nil {
		names := r.table.Names()
		if len(names) > maxHintNames {
			hint = append(names[:maxHintNames:maxHintNames], fmt.Sprintf("and %d more", len(names)-maxHintNames))
		} else {
			hint = names
		}
	}
	return Resolution{}, errs.Invalid("subscription", input,
		"not a GUID and not found by remote lookup or in the static subscription table", hint...)
}
