// Package storage writes run results to local JSON files.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maltedev/apparel-scraper/internal/models"
)

// Export is the file layout written by WriteRecords.
type Export struct {
	GeneratedAt time.Time               `json:"generated_at"`
	Count       int                     `json:"count"`
	Products    []*models.ProductRecord `json:"products"`
}

// WriteRecords writes records to path as indented JSON. The file is replaced
// atomically so readers never see a partial export.
func WriteRecords(path string, records []*models.ProductRecord) error {
	if records == nil {
		records = []*models.ProductRecord{}
	}

	data, err := json.MarshalIndent(Export{
		GeneratedAt: time.Now().UTC(),
		Count:       len(records),
		Products:    records,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	// Write to temp file first for atomicity
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpFile, err)
	}

	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// ReadRecords loads a file written by WriteRecords.
func ReadRecords(path string) (*Export, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var export Export
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &export, nil
}
