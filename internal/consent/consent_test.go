package consent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakePage struct {
	visible map[string]bool
	failing map[string]bool
	clicks  []string
}

func (f *fakePage) ClickVisible(selector string) (bool, error) {
	if f.failing[selector] {
		return false, errors.New("element detached")
	}
	if !f.visible[selector] {
		return false, nil
	}
	f.clicks = append(f.clicks, selector)
	f.visible[selector] = false
	return true, nil
}

func newTestHandler(selectors ...string) *Handler {
	h := New(selectors, nil)
	h.settle = 0
	return h
}

func TestDismiss(t *testing.T) {
	tests := []struct {
		name      string
		selectors []string
		visible   map[string]bool
		failing   map[string]bool
		dismissed bool
		clicks    []string
	}{
		{
			name:      "nothing to dismiss",
			visible:   map[string]bool{},
			dismissed: false,
		},
		{
			name:      "onetrust banner",
			visible:   map[string]bool{"#onetrust-accept-btn-handler": true},
			dismissed: true,
			clicks:    []string{"#onetrust-accept-btn-handler"},
		},
		{
			name:      "configured selector wins over defaults",
			selectors: []string{"#site-consent"},
			visible:   map[string]bool{"#site-consent": true, "#onetrust-accept-btn-handler": true},
			dismissed: true,
			clicks:    []string{"#site-consent"},
		},
		{
			name:      "failing selector falls through",
			visible:   map[string]bool{"#didomi-notice-agree-button": true},
			failing:   map[string]bool{"#onetrust-accept-btn-handler": true},
			dismissed: true,
			clicks:    []string{"#didomi-notice-agree-button"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := &fakePage{visible: tt.visible, failing: tt.failing}
			h := newTestHandler(tt.selectors...)

			assert.Equal(t, tt.dismissed, h.Dismiss(context.Background(), page))
			assert.Equal(t, tt.clicks, page.clicks)
		})
	}
}

func TestDismiss_Idempotent(t *testing.T) {
	page := &fakePage{visible: map[string]bool{".cookie-accept": true}}
	h := newTestHandler()

	assert.True(t, h.Dismiss(context.Background(), page))
	assert.False(t, h.Dismiss(context.Background(), page))
	assert.Len(t, page.clicks, 1)
}

func TestDismiss_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	page := &fakePage{visible: map[string]bool{"#onetrust-accept-btn-handler": true}}
	assert.False(t, newTestHandler().Dismiss(ctx, page))
	assert.Empty(t, page.clicks)
}

func TestNew_DeduplicatesChain(t *testing.T) {
	h := New([]string{"#onetrust-accept-btn-handler", "", "#mine"}, nil)

	assert.Equal(t, "#onetrust-accept-btn-handler", h.Selectors()[0])
	assert.Equal(t, "#mine", h.Selectors()[1])
	assert.Len(t, h.Selectors(), len(DefaultSelectors)+1)
}
