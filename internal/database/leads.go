package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TimestampLayout is the scraped_timestamp format. Fixed width UTC keeps
// lexical order equal to chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

const leadColumns = `id, url, title, description, city, category, date_posted_iso,
	scraped_timestamp, estimated_value, contact_method, contact_info, contact_phone,
	has_been_contacted, follow_up_date, ai_is_junk, ai_profitability_score, ai_reasoning, search_scope`

// AddLead inserts the lead if its URL is not stored yet. It reports whether
// a new row was created; a duplicate URL returns false with a nil error.
func (db *DB) AddLead(lead *Lead, scope string) (bool, error) {
	if lead.URL == "" {
		return false, errors.New("lead has no url")
	}
	if lead.ScrapedAt == "" {
		lead.ScrapedAt = time.Now().UTC().Format(TimestampLayout)
	}
	var scopeVal *string
	if scope != "" {
		scopeVal = &scope
		lead.SearchScope = scopeVal
	}

	result, err := db.conn.Exec(
		`INSERT OR IGNORE INTO leads (url, title, description, city, category, date_posted_iso,
			scraped_timestamp, estimated_value, contact_method, contact_info, contact_phone,
			has_been_contacted, follow_up_date, ai_is_junk, ai_profitability_score, ai_reasoning, search_scope)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.URL, lead.Title, lead.Description, lead.City, lead.Category, lead.DatePosted,
		lead.ScrapedAt, lead.EstimatedValue, lead.ContactMethod, lead.ContactEmail, lead.ContactPhone,
		lead.Contacted, lead.FollowUpDate, lead.IsJunk, lead.ProfitabilityScore, lead.Reasoning, scopeVal,
	)
	if err != nil {
		return false, fmt.Errorf("inserting lead %s: %w", lead.URL, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting lead %s: %w", lead.URL, err)
	}
	if n == 0 {
		return false, nil
	}
	if id, err := result.LastInsertId(); err == nil {
		lead.ID = id
	}
	return true, nil
}

// GetLeads returns every lead, most recently scraped first.
func (db *DB) GetLeads() ([]Lead, error) {
	rows, err := db.conn.Query(
		`SELECT ` + leadColumns + ` FROM leads ORDER BY scraped_timestamp DESC, id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLeads(rows)
}

// GetTopLeads returns non-junk leads with a score of at least minScore,
// best first.
func (db *DB) GetTopLeads(minScore, limit int) ([]Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads
		WHERE COALESCE(ai_is_junk, 0) = 0 AND COALESCE(ai_profitability_score, 0) >= ?
		ORDER BY ai_profitability_score DESC, scraped_timestamp DESC`
	args := []any{minScore}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLeads(rows)
}

// GetLeadByURL returns a lead by its URL, or nil if absent.
func (db *DB) GetLeadByURL(url string) (*Lead, error) {
	row := db.conn.QueryRow(`SELECT `+leadColumns+` FROM leads WHERE url = ?`, url)
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ErrLeadNotFound is returned when updating a lead that does not exist.
var ErrLeadNotFound = errors.New("lead not found")

// MarkContacted records outreach on a lead. An empty followUp clears the
// follow-up date.
func (db *DB) MarkContacted(id int64, contacted bool, followUp string) error {
	var fu *string
	if followUp != "" {
		fu = &followUp
	}
	res, err := db.conn.Exec(
		"UPDATE leads SET has_been_contacted = ?, follow_up_date = ? WHERE id = ?", contacted, fu, id,
	)
	if err != nil {
		return fmt.Errorf("updating lead %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrLeadNotFound, id)
	}
	return nil
}

// CountLeads returns the number of stored leads.
func (db *DB) CountLeads() (int, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM leads").Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLeads(rows *sql.Rows) ([]Lead, error) {
	var leads []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	return leads, rows.Err()
}

func scanLead(s scanner) (*Lead, error) {
	var (
		l               Lead
		title, desc     sql.NullString
		city, category  sql.NullString
		scrapedAt       sql.NullString
		contacted, junk sql.NullBool
		score           sql.NullInt64
	)
	if err := s.Scan(&l.ID, &l.URL, &title, &desc, &city, &category, &l.DatePosted,
		&scrapedAt, &l.EstimatedValue, &l.ContactMethod, &l.ContactEmail, &l.ContactPhone,
		&contacted, &l.FollowUpDate, &junk, &score, &l.Reasoning, &l.SearchScope); err != nil {
		return nil, err
	}
	l.Title = title.String
	l.Description = desc.String
	l.City = city.String
	l.Category = category.String
	l.ScrapedAt = scrapedAt.String
	l.Contacted = contacted.Bool
	l.IsJunk = junk.Bool
	if score.Valid {
		v := int(score.Int64)
		l.ProfitabilityScore = &v
	}
	return &l, nil
}
