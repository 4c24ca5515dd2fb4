package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// idCache maps the values of one v2 lookup table to their surrogate ids.
// Ids learned inside a transaction are remembered only once it commits.
type idCache[K comparable] struct {
	table  string
	column string

	mu  sync.Mutex
	ids map[K]int64
}

func newIDCache[K comparable](table, column string) *idCache[K] {
	return &idCache[K]{table: table, column: column, ids: make(map[K]int64)}
}

// resolve returns the id of every key, inserting missing values through tx.
// Call the returned function after tx commits to keep the new ids.
func (c *idCache[K]) resolve(ctx context.Context, tx *sql.Tx, keys []K) (map[K]int64, func(), error) {
	out := make(map[K]int64, len(keys))
	var missing []K

	c.mu.Lock()
	for _, k := range keys {
		if _, seen := out[k]; seen {
			continue
		}
		if id, ok := c.ids[k]; ok {
			out[k] = id
			continue
		}
		out[k] = 0
		missing = append(missing, k)
	}
	c.mu.Unlock()

	insert := "INSERT OR IGNORE INTO " + c.table + " (" + c.column + ") VALUES (?)"
	lookup := "SELECT id FROM " + c.table + " WHERE " + c.column + " = ?"
	for _, k := range missing {
		if _, err := tx.ExecContext(ctx, insert, k); err != nil {
			return nil, nil, fmt.Errorf("upserting %s %v: %w", c.table, k, err)
		}
		var id int64
		if err := tx.QueryRowContext(ctx, lookup, k).Scan(&id); err != nil {
			return nil, nil, fmt.Errorf("reading %s id for %v: %w", c.table, k, err)
		}
		out[k] = id
	}

	commit := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, k := range missing {
			c.ids[k] = out[k]
		}
	}
	return out, commit, nil
}

// distinct returns the unique values of keys in first-seen order.
func distinct[K comparable](keys []K) []K {
	seen := make(map[K]struct{}, len(keys))
	out := make([]K, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
