package assessment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/lvonguyen/ato-compliance/internal/normalizer"
)

// StaticScanner serves a fixed set of observations, for offline
// assessments of exported scanner output.
type StaticScanner struct {
	name         string
	observations []normalizer.RawObservation
}

// NewStaticScanner wraps observations in a Scanner.
func NewStaticScanner(name string, observations []normalizer.RawObservation) *StaticScanner {
	return &StaticScanner{name: name, observations: append([]normalizer.RawObservation(nil), observations...)}
}

// LoadStaticScanner reads a JSON array of observations.
func LoadStaticScanner(path string) (*StaticScanner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read observations: %w", err)
	}
	var obs []normalizer.RawObservation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, fmt.Errorf("failed to parse observations %s: %w", path, err)
	}
	return NewStaticScanner("file:"+path, obs), nil
}

// Name returns the scanner name
func (s *StaticScanner) Name() string { return s.name }

// Scan returns observations for the subscription, narrowed to the resource
// group when one is requested.
func (s *StaticScanner) Scan(ctx context.Context, req ScanRequest) ([]normalizer.RawObservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rgSegment := ""
	if req.ResourceGroup != "" {
		rgSegment = "/resourcegroups/" + strings.ToLower(req.ResourceGroup) + "/"
	}
	var out []normalizer.RawObservation
	for _, o := range s.observations {
		if o.SubscriptionID != "" && !strings.EqualFold(o.SubscriptionID, req.SubscriptionID) {
			continue
		}
		if rgSegment != "" && !strings.Contains(strings.ToLower(o.ResourceID), rgSegment) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}
