package lumisync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// StoreManager owns the sqlite database used for small persisted
// documents (run history). Each stored type gets its own key/value
// table with the value held as JSON so it can be queried with
// json_extract.
type StoreManager struct {
	db     *sql.DB
	mu     sync.Mutex
	tables map[string]struct{}
}

func NewStoreManager(path string) (*StoreManager, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", path, err)
	}
	return &StoreManager{db: db, tables: map[string]struct{}{}}, nil
}

func (sm *StoreManager) Close() error {
	return sm.db.Close()
}

func (sm *StoreManager) ensureTable(name string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.tables[name]; ok {
		return nil
	}
	_, err := sm.db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`, name))
	if err != nil {
		return err
	}
	sm.tables[name] = struct{}{}
	return nil
}

// TypeStore is a typed view over one table of the StoreManager.
type TypeStore[T any] struct {
	sm    *StoreManager
	Table string
}

// GetTypeStore returns the store for type T, creating its table on
// first use. The table name is derived from the type name.
func GetTypeStore[T any](sm *StoreManager) *TypeStore[T] {
	var zero T
	name := strings.ToLower(fmt.Sprintf("%T", zero))
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	table := "store_" + name
	if err := sm.ensureTable(table); err != nil {
		// table creation only fails if the database itself is broken,
		// surface that on first Set/Get instead
		return &TypeStore[T]{sm: sm, Table: table}
	}
	return &TypeStore[T]{sm: sm, Table: table}
}

func (t *TypeStore[T]) Set(key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = t.sm.db.Exec(
		fmt.Sprintf("INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", t.Table),
		key, string(raw),
	)
	return err
}

func (t *TypeStore[T]) Get(key string) (T, error) {
	var out T
	var raw string
	err := t.sm.db.QueryRow(
		fmt.Sprintf("SELECT value FROM %s WHERE key = ?", t.Table), key,
	).Scan(&raw)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, err
	}
	return out, nil
}

func (t *TypeStore[T]) Delete(key string) error {
	_, err := t.sm.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE key = ?", t.Table), key)
	return err
}

// Exec runs a query that selects value rows from this store's table
// and unmarshals each row into T.
func (t *TypeStore[T]) Exec(query string, args ...any) ([]T, error) {
	rows, err := t.sm.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ExecWrite runs a mutating statement against this store's table and
// returns the number of affected rows.
func (t *TypeStore[T]) ExecWrite(query string, args ...any) (int64, error) {
	res, err := t.sm.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
