package main

import (
	"flag"
	"testing"

	"github.com/maltedev/apparel-scraper/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadlessFlag(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		config bool
		want   bool
	}{
		{name: "config off, flag absent", args: nil, config: false, want: false},
		{name: "config on, flag absent", args: nil, config: true, want: true},
		{name: "flag turns headless on", args: []string{"-headless=true"}, config: false, want: true},
		{name: "flag turns headless off", args: []string{"-headless=false"}, config: true, want: false},
		{name: "other flags leave config alone", args: []string{"-dry-run", "-max-products", "5"}, config: false, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts = scrapeOptions{}
			t.Cleanup(func() { opts = scrapeOptions{} })

			fs := scrapeFlags(flag.NewFlagSet("scrape", flag.ContinueOnError))
			require.NoError(t, parseScrapeFlags(fs, tt.args))

			cfg := &config.Config{Browser: config.BrowserConfig{Headless: tt.config}}
			opts.applyTo(cfg)
			assert.Equal(t, tt.want, cfg.Browser.Headless)
		})
	}
}
