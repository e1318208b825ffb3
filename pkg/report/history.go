package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/akrylysov/pogreb"
)

// History keeps finished results on disk, keyed by start time and scenario
// so that keys sort in run order.
type History struct {
	db *pogreb.DB
}

// Entry is one stored run.
type Entry struct {
	Key    string
	Result *Result
}

func OpenHistory(dir string) (*History, error) {
	db, err := pogreb.Open(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", dir, err)
	}
	return &History{db: db}, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

// HistoryKey is <unix-nanos>-<scenario>, the nanoseconds zero padded.
func HistoryKey(r *Result) string {
	return fmt.Sprintf("%019d-%s", r.Started.UnixNano(), r.Scenario)
}

func (h *History) Put(r *Result) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	key := HistoryKey(r)
	if err := h.db.Put([]byte(key), data); err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}
	return key, nil
}

// Get returns the run stored under key, nil when there is none.
func (h *History) Get(key string) (*Result, error) {
	data, err := h.db.Get([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}
	if data == nil {
		return nil, nil
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &r, nil
}

func (h *History) Delete(key string) error {
	return h.db.Delete([]byte(key))
}

func (h *History) Count() int {
	return int(h.db.Count())
}

// List returns the stored runs in key order. A non empty scenario keeps
// only that scenario's runs, a positive limit keeps the latest ones.
func (h *History) List(scenario string, limit int) ([]Entry, error) {
	var keys []string
	values := map[string][]byte{}
	it := h.db.Items()
	for {
		k, v, err := it.Next()
		if errors.Is(err, pogreb.ErrIterationDone) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate history: %w", err)
		}
		key := string(k)
		if scenario != "" && key[strings.IndexByte(key, '-')+1:] != scenario {
			continue
		}
		keys = append(keys, key)
		values[key] = append([]byte(nil), v...)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		var r Result
		if err := json.Unmarshal(values[k], &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, Entry{Key: k, Result: &r})
	}
	return out, nil
}
