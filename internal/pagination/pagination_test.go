package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/maltedev/apparel-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves pages keyed by offset (offset mode) or index (controls
// mode).
type fakeSource struct {
	byOffset func(offset int) []string
	pages    [][]string
	// emptyFirst makes the first Discover of each page return nothing.
	emptyFirst bool

	requests []PageRequest
	retries  int
	advances int
	current  []string
	fresh    bool
}

func (f *fakeSource) Load(_ context.Context, req PageRequest) error {
	f.requests = append(f.requests, req)
	f.fresh = true
	if f.byOffset != nil {
		f.current = f.byOffset(req.Offset)
		return nil
	}
	if req.Index < len(f.pages) {
		f.current = f.pages[req.Index]
	} else {
		f.current = nil
	}
	return nil
}

func (f *fakeSource) Discover(context.Context) ([]string, error) {
	if f.emptyFirst && f.fresh {
		f.fresh = false
		return nil, nil
	}
	return f.current, nil
}

func (f *fakeSource) Retry(context.Context) error {
	f.retries++
	f.fresh = false
	return nil
}

func (f *fakeSource) Advance(context.Context) (bool, error) {
	f.advances++
	return f.advances < len(f.pages), nil
}

func urlsFor(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://shop.example/p/%s-%d", prefix, i)
	}
	return out
}

var target = models.CategoryTarget{URL: "https://shop.example/shop/mens"}

func TestRun_OffsetModeStopsOnEmptyPage(t *testing.T) {
	const pageSize = 4
	src := &fakeSource{byOffset: func(offset int) []string {
		switch offset {
		case 0:
			return urlsFor("a", pageSize)
		case pageSize:
			return urlsFor("b", pageSize)
		default:
			return nil
		}
	}}

	d := NewDriver(src, Options{Mode: ModeOffset, PageSize: pageSize, OffsetCeiling: 1000})
	result, err := d.Run(context.Background(), target, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, StopEmptyPage, result.Reason)
	assert.Equal(t, 2, result.PagesVisited)
	assert.Len(t, result.URLs, 2*pageSize)
	assert.Equal(t, 1, src.retries, "empty page gets one retry")

	require.Len(t, src.requests, 3)
	assert.Equal(t, "https://shop.example/shop/mens?rows=4&start=0", src.requests[0].URL)
	assert.Equal(t, "https://shop.example/shop/mens?rows=4&start=8", src.requests[2].URL)
	for _, req := range src.requests {
		assert.LessOrEqual(t, req.Offset, 1000)
	}

	assert.Equal(t, []State{
		StateLoadingPage, StateExtracting, StateMore,
		StateLoadingPage, StateExtracting, StateMore,
		StateLoadingPage, StateExtracting, StateDone,
	}, result.Trace)
}

func TestRun_OffsetModeShortPage(t *testing.T) {
	src := &fakeSource{byOffset: func(offset int) []string {
		if offset == 0 {
			return urlsFor("a", 10)
		}
		return urlsFor("b", 3)
	}}

	result, err := NewDriver(src, Options{Mode: ModeOffset, PageSize: 10}).Run(context.Background(), target, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, StopShortPage, result.Reason)
	assert.Equal(t, 2, result.PagesVisited)
	assert.Len(t, result.URLs, 13)
}

func TestRun_OffsetCeiling(t *testing.T) {
	src := &fakeSource{byOffset: func(offset int) []string {
		return urlsFor(fmt.Sprint(offset), 10)
	}}

	result, err := NewDriver(src, Options{Mode: ModeOffset, PageSize: 10, OffsetCeiling: 25}).
		Run(context.Background(), target, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, StopOffsetCeiling, result.Reason)
	assert.Equal(t, 3, result.PagesVisited)
	for _, req := range src.requests {
		assert.LessOrEqual(t, req.Offset, 25)
	}
}

func TestRun_ControlsMode(t *testing.T) {
	src := &fakeSource{pages: [][]string{urlsFor("a", 5), urlsFor("b", 2)}}

	result, err := NewDriver(src, Options{Mode: ModeControls}).Run(context.Background(), target, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, StopNoNext, result.Reason)
	assert.Equal(t, 2, result.PagesVisited)
	assert.Equal(t, target.URL, src.requests[0].URL)
	assert.Empty(t, src.requests[1].URL, "later pages are reached through Advance")
}

func TestRun_PageBudget(t *testing.T) {
	src := &fakeSource{pages: [][]string{urlsFor("a", 5), urlsFor("b", 5), urlsFor("c", 5)}}

	result, err := NewDriver(src, Options{Mode: ModeControls, MaxPages: 5}).
		Run(context.Background(), models.CategoryTarget{URL: target.URL, MaxPages: 2}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, StopBudget, result.Reason)
	assert.Equal(t, 2, result.PagesVisited)
	assert.Equal(t, 1, src.advances)
}

func TestRun_DedupesAgainstSeen(t *testing.T) {
	seen := NewMemorySeen()
	_, _ = seen.Add(context.Background(), "https://shop.example/p/a-0")

	src := &fakeSource{pages: [][]string{
		urlsFor("a", 3),
		{"https://shop.example/p/a-1", "https://shop.example/p/a-2"},
	}}

	var handled [][]string
	result, err := NewDriver(src, Options{Mode: ModeControls}).Run(context.Background(), target, seen,
		func(_ context.Context, _ int, urls []string) bool {
			handled = append(handled, urls)
			return true
		})
	require.NoError(t, err)

	assert.Equal(t, StopNoNewURLs, result.Reason)
	assert.Equal(t, []string{"https://shop.example/p/a-1", "https://shop.example/p/a-2"}, result.URLs)
	assert.Len(t, handled, 1)
	assert.Equal(t, 3, seen.Len())
}

func TestRun_SharedProductsDoNotEndLaterCategory(t *testing.T) {
	const pageSize = 4
	ctx := context.Background()

	// An earlier category already handed out everything on the first page.
	seen := NewMemorySeen()
	for _, u := range urlsFor("shared", pageSize) {
		_, _ = seen.Add(ctx, u)
	}

	src := &fakeSource{byOffset: func(offset int) []string {
		switch offset {
		case 0:
			return urlsFor("shared", pageSize)
		case pageSize:
			return urlsFor("own", pageSize)
		default:
			return nil
		}
	}}

	var handled [][]string
	result, err := NewDriver(src, Options{Mode: ModeOffset, PageSize: pageSize}).Run(ctx, target, seen,
		func(_ context.Context, _ int, urls []string) bool {
			handled = append(handled, urls)
			return true
		})
	require.NoError(t, err)

	assert.Equal(t, StopEmptyPage, result.Reason)
	assert.Equal(t, 2, result.PagesVisited)
	assert.Equal(t, urlsFor("own", pageSize), result.URLs)
	require.Len(t, handled, 1, "a page with nothing new is not handed out")
	assert.Equal(t, urlsFor("own", pageSize), handled[0])
}

func TestRun_RepeatedPageEndsWalk(t *testing.T) {
	src := &fakeSource{byOffset: func(int) []string { return urlsFor("same", 4) }}

	result, err := NewDriver(src, Options{Mode: ModeOffset, PageSize: 4}).Run(context.Background(), target, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, StopNoNewURLs, result.Reason)
	assert.Equal(t, 2, result.PagesVisited)
	assert.Len(t, result.URLs, 4)
}

func TestRun_HandlerStops(t *testing.T) {
	src := &fakeSource{pages: [][]string{urlsFor("a", 5), urlsFor("b", 5)}}

	result, err := NewDriver(src, Options{}).Run(context.Background(), target, nil,
		func(context.Context, int, []string) bool { return false })
	require.NoError(t, err)

	assert.Equal(t, StopHandler, result.Reason)
	assert.Equal(t, 1, result.PagesVisited)
	assert.Zero(t, src.advances)
}

func TestRun_RetryRecoversEmptyPage(t *testing.T) {
	src := &fakeSource{pages: [][]string{urlsFor("a", 2)}, emptyFirst: true}

	result, err := NewDriver(src, Options{}).Run(context.Background(), target, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, src.retries)
	assert.Equal(t, 1, result.PagesVisited)
	assert.Len(t, result.URLs, 2)
}

type failingLoad struct{ fakeSource }

func (f *failingLoad) Load(context.Context, PageRequest) error {
	return errors.New("navigation timeout")
}

func TestRun_LoadFailureEndsInDone(t *testing.T) {
	result, err := NewDriver(&failingLoad{}, Options{}).Run(context.Background(), target, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, StopLoadFailed, result.Reason)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDriver(&fakeSource{}, Options{}).Run(ctx, target, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type brokenSeen struct{}

func (brokenSeen) Add(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestRun_SeenSetFailureKeepsURLs(t *testing.T) {
	src := &fakeSource{pages: [][]string{urlsFor("a", 2)}}

	result, err := NewDriver(src, Options{}).Run(context.Background(), target, brokenSeen{}, nil)
	require.NoError(t, err)
	assert.Len(t, result.URLs, 2)
}

func TestOffsetURL(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
		hasError bool
	}{
		{name: "plain", raw: "https://shop.example/c/mens", expected: "https://shop.example/c/mens?rows=90&start=180"},
		{name: "existing query kept", raw: "https://shop.example/c/mens?facet=x&start=5", expected: "https://shop.example/c/mens?facet=x&rows=90&start=180"},
		{name: "relative", raw: "/c/mens", hasError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := OffsetURL(tt.raw, "start", "rows", 180, 90)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestMemorySeen_Concurrent(t *testing.T) {
	seen := NewMemorySeen()
	var wg sync.WaitGroup
	var mu sync.Mutex
	added := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := seen.Add(context.Background(), "https://shop.example/p/same")
			if ok {
				mu.Lock()
				added++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, added)
	assert.Equal(t, 1, seen.Len())
}
