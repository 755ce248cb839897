package database

import "database/sql"

// GetStats returns aggregate statistics across all leads.
func (db *DB) GetStats() (*Stats, error) {
	var s Stats
	var scored, junk, contacted sql.NullInt64
	err := db.conn.QueryRow(`
		SELECT
			COUNT(*),
			SUM(CASE WHEN ai_profitability_score IS NOT NULL THEN 1 ELSE 0 END),
			SUM(CASE WHEN ai_is_junk THEN 1 ELSE 0 END),
			SUM(CASE WHEN has_been_contacted THEN 1 ELSE 0 END),
			COUNT(DISTINCT city),
			COUNT(DISTINCT category)
		FROM leads`,
	).Scan(&s.TotalLeads, &scored, &junk, &contacted, &s.Cities, &s.Categories)
	if err != nil {
		return nil, err
	}
	s.ScoredLeads = int(scored.Int64)
	s.JunkLeads = int(junk.Int64)
	s.Contacted = int(contacted.Int64)
	return &s, nil
}

// GetScopeStats compares lead yield and quality per search scope.
func (db *DB) GetScopeStats() ([]ScopeStats, error) {
	rows, err := db.conn.Query(`
		SELECT
			COALESCE(search_scope, 'unknown'),
			COUNT(*),
			COUNT(ai_profitability_score),
			AVG(ai_profitability_score)
		FROM leads
		GROUP BY COALESCE(search_scope, 'unknown')
		ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScopeStats
	for rows.Next() {
		var s ScopeStats
		var avg sql.NullFloat64
		if err := rows.Scan(&s.Scope, &s.Leads, &s.Scored, &avg); err != nil {
			return nil, err
		}
		if avg.Valid {
			v := avg.Float64
			s.AvgScore = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
