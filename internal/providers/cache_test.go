package providers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lvonguyen/ato-compliance/internal/assessment"
	"github.com/lvonguyen/ato-compliance/internal/catalog"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
)

func TestCachedScannerFiltersAndShares(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, sub, rg string) ([]normalizer.RawObservation, error) {
		calls.Add(1)
		<-release
		return []normalizer.RawObservation{
			{RuleID: "a", Controls: []string{"AC-2"}},
			{RuleID: "b", Controls: []string{"SC-7"}},
			{RuleID: "c"},
		}, nil
	}
	s := NewCachedScanner("fake", fetch, time.Minute)

	families := []string{"AC", "SC", "AU"}
	results := make([][]normalizer.RawObservation, len(families))
	var wg sync.WaitGroup
	for i, code := range families {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()
			obs, err := s.Scan(context.Background(), assessment.ScanRequest{SubscriptionID: "sub", Family: catalog.Family{Code: code}})
			if err != nil {
				t.Error(err)
			}
			results[i] = obs
		}(i, code)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
	wantLens := []int{2, 2, 1}
	for i, want := range wantLens {
		if len(results[i]) != want {
			t.Errorf("%s observations = %d, want %d", families[i], len(results[i]), want)
		}
	}

	if _, err := s.Scan(context.Background(), assessment.ScanRequest{SubscriptionID: "sub", Family: catalog.Family{Code: "AC"}}); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("cached scan refetched: calls = %d", n)
	}
	s.Invalidate()
	if _, err := s.Scan(context.Background(), assessment.ScanRequest{SubscriptionID: "sub", Family: catalog.Family{Code: "AC"}}); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("calls after Invalidate = %d, want 2", n)
	}
}

func TestCachedScannerErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	s := NewCachedScanner("fake", func(context.Context, string, string) ([]normalizer.RawObservation, error) {
		calls.Add(1)
		return nil, errors.New("throttled")
	}, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := s.Scan(context.Background(), assessment.ScanRequest{Family: catalog.Family{Code: "AC"}}); err == nil {
			t.Fatal("expected error")
		}
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestCachedScannerHonorsCancel(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	s := NewCachedScanner("slow", func(ctx context.Context, _, _ string) ([]normalizer.RawObservation, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Scan(ctx, assessment.ScanRequest{Family: catalog.Family{Code: "AC"}}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestCachedScannerSharedFetchSurvivesCallerCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	s := NewCachedScanner("fake", func(ctx context.Context, _, _ string) ([]normalizer.RawObservation, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []normalizer.RawObservation{{RuleID: "a", Controls: []string{"AC-2"}}}, nil
	}, time.Minute)
	req := assessment.ScanRequest{SubscriptionID: "sub", Family: catalog.Family{Code: "AC"}}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctxA, req)
		errA <- err
	}()
	<-started

	type result struct {
		obs []normalizer.RawObservation
		err error
	}
	resB := make(chan result, 1)
	go func() {
		obs, err := s.Scan(context.Background(), req)
		resB <- result{obs, err}
	}()
	// Give B time to join the in-flight fetch before A goes away.
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller err = %v, want context.Canceled", err)
	}
	close(release)

	got := <-resB
	if got.err != nil {
		t.Fatalf("concurrent caller failed after another caller was cancelled: %v", got.err)
	}
	if len(got.obs) != 1 {
		t.Errorf("observations = %d, want 1", len(got.obs))
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
}

func TestCachedScannerBoundsSharedFetch(t *testing.T) {
	s := NewCachedScanner("stuck", func(ctx context.Context, _, _ string) ([]normalizer.RawObservation, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 0)
	s.fetchTimeout = 10 * time.Millisecond
	_, err := s.Scan(context.Background(), assessment.ScanRequest{Family: catalog.Family{Code: "AC"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
