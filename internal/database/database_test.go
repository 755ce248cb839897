package database

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "failed to open test db")
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

func intPtr(v int) *int { return &v }

func TestAddLead(t *testing.T) {
	db := openTestDB(t)
	lead := &Lead{
		URL:                "https://austin.craigslist.org/web/d/need-site/1.html",
		Title:              "Need WordPress website fixed",
		Description:        "Our plugin broke the theme.",
		City:               "austin",
		Category:           "web",
		ContactEmail:       ptr("owner@example.com"),
		ProfitabilityScore: intPtr(7),
		Reasoning:          ptr("Small business needs a quick fix."),
	}

	added, err := db.AddLead(lead, "single_city")
	require.NoError(t, err)
	assert.True(t, added)
	assert.NotZero(t, lead.ID)

	got, err := db.GetLeadByURL(lead.URL)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Need WordPress website fixed", got.Title)
	assert.Equal(t, "owner@example.com", *got.ContactEmail)
	require.NotNil(t, got.ProfitabilityScore)
	assert.Equal(t, 7, *got.ProfitabilityScore)
	require.NotNil(t, got.SearchScope)
	assert.Equal(t, "single_city", *got.SearchScope)
	assert.False(t, got.IsJunk)
	assert.NotEmpty(t, got.ScrapedAt)
}

func TestAddLeadIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	url := "https://austin.craigslist.org/web/d/dup/2.html"

	added, err := db.AddLead(&Lead{URL: url, Title: "First"}, "small_list")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = db.AddLead(&Lead{URL: url, Title: "Second"}, "small_list")
	require.NoError(t, err)
	assert.False(t, added, "duplicate URL must not insert")

	n, err := db.CountLeads()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := db.GetLeadByURL(url)
	require.NoError(t, err)
	assert.Equal(t, "First", got.Title)
}

func TestAddLeadRequiresURL(t *testing.T) {
	db := openTestDB(t)
	_, err := db.AddLead(&Lead{Title: "no url"}, "")
	require.Error(t, err)
}

func TestGetLeadsOrderedByScrapeTimeDesc(t *testing.T) {
	db := openTestDB(t)
	for _, l := range []*Lead{
		{URL: "https://a.craigslist.org/1", ScrapedAt: "2026-03-01T10:00:00.000000Z"},
		{URL: "https://a.craigslist.org/2", ScrapedAt: "2026-03-03T10:00:00.000000Z"},
		{URL: "https://a.craigslist.org/3", ScrapedAt: "2026-03-02T10:00:00.000000Z"},
	} {
		_, err := db.AddLead(l, "")
		require.NoError(t, err)
	}

	leads, err := db.GetLeads()
	require.NoError(t, err)
	require.Len(t, leads, 3)
	assert.Equal(t, "https://a.craigslist.org/2", leads[0].URL)
	assert.Equal(t, "https://a.craigslist.org/3", leads[1].URL)
	assert.Equal(t, "https://a.craigslist.org/1", leads[2].URL)
	assert.Nil(t, leads[0].SearchScope)
}

func TestGetTopLeads(t *testing.T) {
	db := openTestDB(t)
	_, _ = db.AddLead(&Lead{URL: "https://a.craigslist.org/low", ProfitabilityScore: intPtr(3)}, "")
	_, _ = db.AddLead(&Lead{URL: "https://a.craigslist.org/high", ProfitabilityScore: intPtr(9)}, "")
	_, _ = db.AddLead(&Lead{URL: "https://a.craigslist.org/none"}, "")
	_, _ = db.AddLead(&Lead{URL: "https://a.craigslist.org/junk", IsJunk: true, ProfitabilityScore: intPtr(8)}, "")

	top, err := db.GetTopLeads(5, 0)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "https://a.craigslist.org/high", top[0].URL)

	all, err := db.GetTopLeads(0, 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetLeadByURLMissing(t *testing.T) {
	db := openTestDB(t)
	got, err := db.GetLeadByURL("https://nowhere.craigslist.org/x")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMarkContacted(t *testing.T) {
	db := openTestDB(t)
	lead := &Lead{URL: "https://a.craigslist.org/1"}
	_, err := db.AddLead(lead, "")
	require.NoError(t, err)

	require.NoError(t, db.MarkContacted(lead.ID, true, "2026-03-09"))
	got, err := db.GetLeadByURL(lead.URL)
	require.NoError(t, err)
	assert.True(t, got.Contacted)
	require.NotNil(t, got.FollowUpDate)
	assert.Equal(t, "2026-03-09", *got.FollowUpDate)

	require.NoError(t, db.MarkContacted(lead.ID, false, ""))
	got, _ = db.GetLeadByURL(lead.URL)
	assert.False(t, got.Contacted)
	assert.Nil(t, got.FollowUpDate)

	assert.ErrorIs(t, db.MarkContacted(999, true, ""), ErrLeadNotFound)
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	_, _ = db.AddLead(&Lead{URL: "https://a.craigslist.org/1", City: "austin", Category: "web", ProfitabilityScore: intPtr(5)}, "single_city")
	_, _ = db.AddLead(&Lead{URL: "https://a.craigslist.org/2", City: "austin", Category: "sof"}, "single_city")
	_, _ = db.AddLead(&Lead{URL: "https://b.craigslist.org/3", City: "boston", Category: "web", ProfitabilityScore: intPtr(9)}, "small_list")

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalLeads)
	assert.Equal(t, 2, stats.ScoredLeads)
	assert.Equal(t, 2, stats.Cities)
	assert.Equal(t, 2, stats.Categories)

	scopes, err := db.GetScopeStats()
	require.NoError(t, err)
	require.Len(t, scopes, 2)
	assert.Equal(t, "single_city", scopes[0].Scope)
	assert.Equal(t, 2, scopes[0].Leads)
	require.NotNil(t, scopes[0].AvgScore)
	assert.InDelta(t, 5.0, *scopes[0].AvgScore, 0.001)
}

func TestAddLeadSurfacesDriverErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("INSERT OR IGNORE INTO leads").WillReturnError(errors.New("disk I/O error"))

	db := &DB{conn: conn}
	added, err := db.AddLead(&Lead{URL: "https://a.craigslist.org/1"}, "small_list")
	require.Error(t, err)
	assert.False(t, added)
	assert.Contains(t, err.Error(), "disk I/O error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddLeadDuplicateViaRowsAffected(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("INSERT OR IGNORE INTO leads").WillReturnResult(sqlmock.NewResult(0, 0))

	db := &DB{conn: conn}
	added, err := db.AddLead(&Lead{URL: "https://a.craigslist.org/1"}, "")
	require.NoError(t, err)
	assert.False(t, added)
	require.NoError(t, mock.ExpectationsWereMet())
}
