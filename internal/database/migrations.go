package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
// Existing tables only ever gain columns.
var migrations = []Migration{
	{
		Version:     1,
		Description: "leads and progress",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS leads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT UNIQUE NOT NULL,
    title TEXT,
    description TEXT,
    city TEXT,
    category TEXT,
    date_posted_iso TEXT,
    scraped_timestamp TEXT,
    estimated_value TEXT,
    contact_method TEXT,
    contact_info TEXT,
    has_been_contacted BOOLEAN DEFAULT 0,
    follow_up_date TEXT,
    ai_is_junk BOOLEAN,
    ai_profitability_score INTEGER,
    ai_reasoning TEXT
);

CREATE TABLE IF NOT EXISTS progress (
    key TEXT PRIMARY KEY,
    value TEXT
);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "lead provenance and phone contact",
		Up: func(tx *sql.Tx) error {
			if err := addColumnIfMissing(tx, "leads", "search_scope", "TEXT"); err != nil {
				return err
			}
			return addColumnIfMissing(tx, "leads", "contact_phone", "TEXT")
		},
	},
	{
		Version:     3,
		Description: "scrape time index",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE INDEX IF NOT EXISTS idx_leads_scraped ON leads(scraped_timestamp);
CREATE INDEX IF NOT EXISTS idx_leads_city_category ON leads(city, category);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
