package database

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

const (
	keyLastCompletedCity = "last_completed_city"
	keyCategoryPrefix    = "last_completed_category_for_city_"
	keyLastFullRun       = "last_full_run_completed"
)

func (db *DB) getProgress(key string) (string, error) {
	var value sql.NullString
	err := db.conn.QueryRow("SELECT value FROM progress WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value.String, nil
}

func (db *DB) setProgress(key, value string) error {
	if value == "" {
		return db.deleteProgress(key)
	}
	_, err := db.conn.Exec("INSERT OR REPLACE INTO progress (key, value) VALUES (?, ?)", key, value)
	return err
}

func (db *DB) deleteProgress(key string) error {
	_, err := db.conn.Exec("DELETE FROM progress WHERE key = ?", key)
	return err
}

// GetLastCompletedCity returns the global city checkpoint, or "" when unset.
func (db *DB) GetLastCompletedCity() (string, error) {
	return db.getProgress(keyLastCompletedCity)
}

func (db *DB) SetLastCompletedCity(code string) error {
	return db.setProgress(keyLastCompletedCity, code)
}

// GetLastCompletedCategoryForCity returns the category checkpoint of one
// city, or "" when the city has no run in flight.
func (db *DB) GetLastCompletedCategoryForCity(code string) (string, error) {
	return db.getProgress(keyCategoryPrefix + code)
}

func (db *DB) SetLastCompletedCategoryForCity(code, category string) error {
	return db.setProgress(keyCategoryPrefix+code, category)
}

func (db *DB) ClearLastCompletedCategoryForCity(code string) error {
	return db.deleteProgress(keyCategoryPrefix + code)
}

// SetLastFullRunCompleted records when a run drained its city pool.
func (db *DB) SetLastFullRunCompleted(t time.Time) error {
	return db.setProgress(keyLastFullRun, t.UTC().Format(time.RFC3339))
}

func (db *DB) GetLastFullRunCompleted() (string, error) {
	return db.getProgress(keyLastFullRun)
}

// CityCheckpoints returns the category checkpoint of every city with one.
func (db *DB) CityCheckpoints() (map[string]string, error) {
	rows, err := db.conn.Query(
		"SELECT key, value FROM progress WHERE key LIKE ? ORDER BY key", keyCategoryPrefix+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(key, keyCategoryPrefix)] = value.String
	}
	return out, rows.Err()
}

// ResetProgress drops every checkpoint so the next run starts from scratch.
// The run completion marker is kept.
func (db *DB) ResetProgress() error {
	_, err := db.conn.Exec(
		"DELETE FROM progress WHERE key = ? OR key LIKE ?", keyLastCompletedCity, keyCategoryPrefix+"%",
	)
	return err
}
