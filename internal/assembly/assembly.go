// Package assembly merges extracted records from every page and category into
// the final product set.
package assembly

import (
	"sync"

	"github.com/maltedev/apparel-scraper/internal/models"
)

// Dedupe keeps the first record for each canonical product URL, in first-seen
// order. Records without a URL are dropped and counted.
func Dedupe(records []*models.ProductRecord) (unique []*models.ProductRecord, droppedNoURL int) {
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec == nil || rec.ProductURL == "" {
			droppedNoURL++
			continue
		}
		if _, ok := seen[rec.ProductURL]; ok {
			continue
		}
		seen[rec.ProductURL] = struct{}{}
		unique = append(unique, rec)
	}
	return unique, droppedNoURL
}

// Assembler accumulates records across categories. It is safe for concurrent
// use; arrival order is what Result preserves.
type Assembler struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	records []*models.ProductRecord
	dropped int
	added   int
}

func NewAssembler() *Assembler {
	return &Assembler{seen: make(map[string]struct{})}
}

// Add appends records and reports how many of them were new.
func (a *Assembler) Add(records ...*models.ProductRecord) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	unique, dropped := Dedupe(records)
	a.added += len(records)
	a.dropped += dropped

	fresh := 0
	for _, rec := range unique {
		if _, ok := a.seen[rec.ProductURL]; ok {
			continue
		}
		a.seen[rec.ProductURL] = struct{}{}
		a.records = append(a.records, rec)
		fresh++
	}
	return fresh
}

// Len is the number of unique records so far.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

type Result struct {
	Records      []*models.ProductRecord
	Received     int
	DroppedNoURL int
	Duplicates   int
}

func (a *Assembler) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	records := make([]*models.ProductRecord, len(a.records))
	copy(records, a.records)
	return Result{
		Records:      records,
		Received:     a.added,
		DroppedNoURL: a.dropped,
		Duplicates:   a.added - a.dropped - len(a.records),
	}
}
