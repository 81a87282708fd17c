package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ledgersync/internal/sheets"
)

var _ sheets.Journal = (*Journal)(nil)

// Journal keeps entries in process memory. It backs local runs and tests
// when no spreadsheet is configured.
type Journal struct {
	mu    sync.Mutex
	items []sheets.Entry
	refs  map[string]string
}

func New() *Journal {
	return &Journal{refs: map[string]string{}}
}

// Append stores the entry and returns a synthetic row reference.
func (j *Journal) Append(_ context.Context, e sheets.Entry) (string, error) {
	if e.Kind == "" || e.ID == "" {
		return "", errors.New("journal entry needs kind and id")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if ref, ok := j.refs[e.Ref()]; ok {
		return ref, nil
	}
	j.items = append(j.items, e)
	ref := fmt.Sprintf("mem:%d", len(j.items))
	j.refs[e.Ref()] = ref
	return ref, nil
}

func (j *Journal) Entries(_ context.Context) ([]sheets.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]sheets.Entry(nil), j.items...), nil
}

// Len returns the number of recorded entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.items)
}
