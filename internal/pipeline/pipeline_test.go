package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TobiSchelling/leadcrawler/internal/cities"
	"github.com/TobiSchelling/leadcrawler/internal/config"
	"github.com/TobiSchelling/leadcrawler/internal/database"
	"github.com/TobiSchelling/leadcrawler/internal/failurelog"
	"github.com/TobiSchelling/leadcrawler/internal/fetch"
	"github.com/TobiSchelling/leadcrawler/internal/triage"
)

// fakeFetcher serves canned pages by URL. Unknown URLs fail as exhausted.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	calls []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err, ok := f.errs[url]; ok {
		return "", err
	}
	if page, ok := f.pages[url]; ok {
		return page, nil
	}
	return "", fmt.Errorf("%w: %s", fetch.ErrExhausted, url)
}

func (f *fakeFetcher) called(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == url {
			return true
		}
	}
	return false
}

func (f *fakeFetcher) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// fakeScreener rejects titles containing "junk", grades "spam" as junk,
// panics on "boom" and cannot grade "offline".
type fakeScreener struct {
	mu       sync.Mutex
	screened []string
}

func (s *fakeScreener) Screen(_ context.Context, title, _ string) triage.Decision {
	s.mu.Lock()
	s.screened = append(s.screened, title)
	s.mu.Unlock()
	if strings.Contains(title, "boom") {
		panic("screener exploded")
	}
	if strings.Contains(title, "junk") {
		return triage.Decision{Stage: triage.StageBlacklist, Term: "junk"}
	}
	return triage.Decision{Pass: true, Stage: triage.StageKeyword}
}

func (s *fakeScreener) Grade(_ context.Context, title, _ string) (triage.Grade, error) {
	switch {
	case strings.Contains(title, "offline"):
		return triage.Grade{}, fmt.Errorf("%w: gateway gave up", triage.ErrGradeUnavailable)
	case strings.Contains(title, "spam"):
		return triage.Grade{IsJunk: true, Reasoning: "spam"}, nil
	}
	score := 7
	return triage.Grade{Score: &score, Reasoning: "good fit"}, nil
}

type post struct {
	url, title string
}

func listing(next string, posts ...post) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, p := range posts {
		fmt.Fprintf(&b, `<div class="cl-search-result"><a class="posting-title" href="%s"><span class="label">%s</span></a></div>`, p.url, p.title)
	}
	if next != "" {
		fmt.Fprintf(&b, `<a class="button next" href="%s">next</a>`, next)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func detail(body string) string {
	return `<html><body><section id="postingbody">` + body + `</section></body></html>`
}

func searchURL(city, category string) string {
	return fmt.Sprintf("https://%s.craigslist.org/search/%s", city, category)
}

func postURL(city string, id int) string {
	return fmt.Sprintf("https://%s.craigslist.org/web/d/post/%d.html", city, id)
}

type harness struct {
	db       *database.DB
	dbPath   string
	fetcher  *fakeFetcher
	screener *fakeScreener
	failures *failurelog.Log
	opts     Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "leads.db")
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &harness{
		db:       db,
		dbPath:   dbPath,
		fetcher:  newFakeFetcher(),
		screener: &fakeScreener{},
		failures: failurelog.New(filepath.Join(dir, "failed_pages.json")),
		opts: Options{
			Categories:       []string{"web"},
			MaxPages:         3,
			PoolSize:         3,
			ThreadsPerWorker: 4,
			Scope:            "small_region",
		},
	}
}

func (h *harness) orchestrator() *Orchestrator {
	return New(h.opts, Deps{
		Fetcher:   h.fetcher,
		Screener:  h.screener,
		OpenStore: func() (LeadStore, error) { return database.Open(h.dbPath) },
		Progress:  h.db,
		Failures:  h.failures,
		Logger:    zap.NewNop(),
	}, WithSleeper(func(context.Context, time.Duration) error { return nil }))
}

// serveCity gives a city one listing page per category with a single good post.
func (h *harness) serveCity(city string, id int) {
	for _, cat := range h.opts.Categories {
		h.fetcher.pages[searchURL(city, cat)] = listing("", post{postURL(city, id), "Website for " + city + " " + cat})
	}
	h.fetcher.pages[postURL(city, id)] = detail("Need a site.")
}

func codes(list ...string) []cities.City {
	out := make([]cities.City, len(list))
	for i, c := range list {
		out[i] = cities.City{Code: c, Name: strings.ToUpper(c)}
	}
	return out
}

func TestRunStoresLeadsAndCheckpoints(t *testing.T) {
	h := newHarness(t)
	h.serveCity("austin", 1)
	h.serveCity("boston", 2)

	res, err := h.orchestrator().Run(t.Context(), codes("austin", "boston"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.LeadsAdded)
	assert.Zero(t, res.Failed)

	leads, err := h.db.GetLeads()
	require.NoError(t, err)
	require.Len(t, leads, 2)
	for _, l := range leads {
		require.NotNil(t, l.SearchScope)
		assert.Equal(t, "small_region", *l.SearchScope)
		require.NotNil(t, l.ProfitabilityScore)
		assert.Equal(t, 7, *l.ProfitabilityScore)
		assert.Equal(t, "Need a site.", l.Description)
		assert.Equal(t, "web", l.Category)
	}

	last, err := h.db.GetLastCompletedCity()
	require.NoError(t, err)
	assert.Equal(t, "boston", last)

	marker, err := h.db.GetLastFullRunCompleted()
	require.NoError(t, err)
	assert.NotEmpty(t, marker)

	cp, err := h.db.GetLastCompletedCategoryForCity("austin")
	require.NoError(t, err)
	assert.Empty(t, cp)
}

func TestCheckpointStopsBeforeFailingCity(t *testing.T) {
	h := newHarness(t)
	h.serveCity("austin", 1)
	h.serveCity("denver", 3)
	h.fetcher.errs[searchURL("boston", "web")] = fmt.Errorf("%w: 401", fetch.ErrAuth)

	res, err := h.orchestrator().Run(t.Context(), codes("austin", "boston", "denver"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.LeadsAdded)

	for _, r := range res.Cities {
		if r.City.Code == "boston" {
			assert.Equal(t, -1, r.LeadsFound)
			assert.ErrorIs(t, r.Err, fetch.ErrAuth)
		}
	}

	last, err := h.db.GetLastCompletedCity()
	require.NoError(t, err)
	assert.Equal(t, "austin", last, "denver succeeded but boston did not, so the pointer stays at austin")

	// The next run resumes at boston.
	h.fetcher.calls = nil
	delete(h.fetcher.errs, searchURL("boston", "web"))
	h.serveCity("boston", 2)
	_, err = h.orchestrator().Run(t.Context(), codes("austin", "boston", "denver"))
	require.NoError(t, err)
	assert.False(t, h.fetcher.called(searchURL("austin", "web")))
	assert.True(t, h.fetcher.called(searchURL("boston", "web")))

	last, _ = h.db.GetLastCompletedCity()
	assert.Equal(t, "denver", last)
}

func TestRunResumesAfterLastCompletedCity(t *testing.T) {
	h := newHarness(t)
	for i, c := range []string{"a", "b", "c"} {
		h.serveCity(c, i)
	}
	require.NoError(t, h.db.SetLastCompletedCity("b"))

	res, err := h.orchestrator().Run(t.Context(), codes("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	require.Len(t, res.Cities, 1)
	assert.Equal(t, "c", res.Cities[0].City.Code)
	assert.Zero(t, h.fetcher.count("https://a."))
	assert.Zero(t, h.fetcher.count("https://b."))
}

func TestRunWithEverythingDone(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.SetLastCompletedCity("b"))

	res, err := h.orchestrator().Run(t.Context(), codes("a", "b"))
	require.NoError(t, err)
	assert.Empty(t, res.Cities)
	assert.Empty(t, h.fetcher.calls)

	marker, _ := h.db.GetLastFullRunCompleted()
	assert.Empty(t, marker)
}

func TestUnknownCityCheckpointProcessesAll(t *testing.T) {
	h := newHarness(t)
	h.serveCity("a", 1)
	require.NoError(t, h.db.SetLastCompletedCity("zz"))

	res, err := h.orchestrator().Run(t.Context(), codes("a"))
	require.NoError(t, err)
	assert.Len(t, res.Cities, 1)
}

func TestCategoryResume(t *testing.T) {
	h := newHarness(t)
	h.opts.Categories = []string{"A", "B", "C"}
	h.serveCity("austin", 1)
	require.NoError(t, h.db.SetLastCompletedCategoryForCity("austin", "B"))

	_, err := h.orchestrator().Run(t.Context(), codes("austin"))
	require.NoError(t, err)

	assert.False(t, h.fetcher.called(searchURL("austin", "A")))
	assert.False(t, h.fetcher.called(searchURL("austin", "B")))
	assert.True(t, h.fetcher.called(searchURL("austin", "C")))

	cp, err := h.db.GetLastCompletedCategoryForCity("austin")
	require.NoError(t, err)
	assert.Empty(t, cp)
}

func TestCategoryCheckpointSurvivesCityFailure(t *testing.T) {
	h := newHarness(t)
	h.opts.Categories = []string{"A", "B", "C"}
	h.serveCity("austin", 1)
	h.fetcher.errs[searchURL("austin", "C")] = fetch.ErrAuth

	res, err := h.orchestrator().Run(t.Context(), codes("austin"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	cp, err := h.db.GetLastCompletedCategoryForCity("austin")
	require.NoError(t, err)
	assert.Equal(t, "B", cp)
}

func TestListingFailureIsLoggedAndCategorySkipped(t *testing.T) {
	h := newHarness(t)
	h.opts.Categories = []string{"web", "art"}
	h.serveCity("austin", 1)
	delete(h.fetcher.pages, searchURL("austin", "web"))

	res, err := h.orchestrator().Run(t.Context(), codes("austin"))
	require.NoError(t, err)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, res.LeadsAdded)
	assert.True(t, h.fetcher.called(searchURL("austin", "art")))

	records, err := h.failures.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, failurelog.Record{
		City:      "austin",
		Category:  "web",
		URL:       searchURL("austin", "web"),
		Timestamp: records[0].Timestamp,
	}, records[0])
}

func TestDomainGuard(t *testing.T) {
	h := newHarness(t)
	h.fetcher.pages[searchURL("austin", "web")] = listing("",
		post{postURL("sfbay", 9), "Website redesign"},
		post{postURL("austin", 1), "Logo design"},
	)
	h.fetcher.pages[postURL("austin", 1)] = detail("Need a logo.")
	h.fetcher.pages[postURL("sfbay", 9)] = detail("Elsewhere.")

	_, err := h.orchestrator().Run(t.Context(), codes("austin"))
	require.NoError(t, err)

	assert.False(t, h.fetcher.called(postURL("sfbay", 9)))
	assert.Equal(t, []string{"Logo design"}, h.screener.screened)

	lead, err := h.db.GetLeadByURL(postURL("sfbay", 9))
	require.NoError(t, err)
	assert.Nil(t, lead)
}

func TestFilteringAndGradingOutcomes(t *testing.T) {
	h := newHarness(t)
	h.fetcher.pages[searchURL("austin", "web")] = listing("",
		post{postURL("austin", 1), "junk title"},
		post{postURL("austin", 2), "spam offer"},
		post{postURL("austin", 3), "offline grader"},
		post{postURL("austin", 4), "Shopify store"},
		post{postURL("austin", 5), "Broken detail"},
	)
	for _, id := range []int{1, 2, 3, 4} {
		h.fetcher.pages[postURL("austin", id)] = detail("body")
	}

	res, err := h.orchestrator().Run(t.Context(), codes("austin"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.LeadsAdded)
	assert.False(t, h.fetcher.called(postURL("austin", 1)), "rejected candidates are never fetched")

	leads, err := h.db.GetLeads()
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, postURL("austin", 4), leads[0].URL)
}

func TestDuplicatesAreNotCounted(t *testing.T) {
	h := newHarness(t)
	h.serveCity("austin", 1)

	_, err := h.orchestrator().Run(t.Context(), codes("austin"))
	require.NoError(t, err)

	require.NoError(t, h.db.ResetProgress())
	res, err := h.orchestrator().Run(t.Context(), codes("austin"))
	require.NoError(t, err)
	assert.Zero(t, res.LeadsAdded)

	n, err := h.db.CountLeads()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPaginationIsBounded(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxPages = 2
	base := searchURL("austin", "web")
	h.fetcher.pages[base] = listing("/search/web?s=120", post{postURL("austin", 1), "Site one"})
	h.fetcher.pages[base+"?s=120"] = listing("/search/web?s=240", post{postURL("austin", 2), "Site two"})
	h.fetcher.pages[base+"?s=240"] = listing("", post{postURL("austin", 3), "Site three"})
	for _, id := range []int{1, 2, 3} {
		h.fetcher.pages[postURL("austin", id)] = detail("body")
	}

	res, err := h.orchestrator().Run(t.Context(), codes("austin"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.LeadsAdded)
	assert.Equal(t, 2, h.fetcher.count(base))
	assert.False(t, h.fetcher.called(base+"?s=240"))
}

func TestPaginationStopsOnRepeatedPage(t *testing.T) {
	h := newHarness(t)
	base := searchURL("austin", "web")
	h.fetcher.pages[base] = listing(base+"#results", post{postURL("austin", 1), "Site one"})
	h.fetcher.pages[postURL("austin", 1)] = detail("body")

	_, err := h.orchestrator().Run(t.Context(), codes("austin"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.fetcher.count(base))
}

func TestPanicFailsOnlyThatCity(t *testing.T) {
	h := newHarness(t)
	h.serveCity("austin", 1)
	h.fetcher.pages[searchURL("boston", "web")] = listing("", post{postURL("boston", 2), "boom"})

	res, err := h.orchestrator().Run(t.Context(), codes("austin", "boston"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.LeadsAdded)

	for _, r := range res.Cities {
		if r.City.Code == "boston" {
			assert.Equal(t, -1, r.LeadsFound)
			require.Error(t, r.Err)
			assert.Contains(t, r.Err.Error(), "panic")
		}
	}
	last, _ := h.db.GetLastCompletedCity()
	assert.Equal(t, "austin", last)
}

func TestCancelledRunKeepsCheckpoints(t *testing.T) {
	h := newHarness(t)
	h.serveCity("austin", 1)
	require.NoError(t, h.db.SetLastCompletedCity("x"))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	res, err := h.orchestrator().Run(ctx, codes("x", "austin"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.LeadsAdded)

	last, _ := h.db.GetLastCompletedCity()
	assert.Equal(t, "x", last)
	marker, _ := h.db.GetLastFullRunCompleted()
	assert.Empty(t, marker)
}

func TestWatermarkOutOfOrderCompletion(t *testing.T) {
	h := newHarness(t)
	wm := &watermark{cities: codes("a", "b", "c", "d"), state: make([]int8, 4), progress: h.db, logger: zap.NewNop()}

	wm.done(2, true)
	last, _ := h.db.GetLastCompletedCity()
	assert.Empty(t, last)

	wm.done(0, true)
	last, _ = h.db.GetLastCompletedCity()
	assert.Equal(t, "a", last)

	wm.done(1, true)
	last, _ = h.db.GetLastCompletedCity()
	assert.Equal(t, "c", last)

	wm.done(3, false)
	last, _ = h.db.GetLastCompletedCity()
	assert.Equal(t, "c", last)
}

func TestResolveNext(t *testing.T) {
	cur := "https://austin.craigslist.org/search/web"
	assert.Equal(t, "https://austin.craigslist.org/search/web?s=120", resolveNext(cur, "/search/web?s=120"))
	assert.Equal(t, "https://austin.craigslist.org/search/web?s=120", resolveNext(cur, "?s=120"))
	assert.Equal(t, "https://x.example/p", resolveNext(cur, "https://x.example/p"))
	assert.Empty(t, resolveNext(cur, "  "))
}

func TestListingURLFormat(t *testing.T) {
	o := New(Options{ListingFormat: "rss"}, Deps{})
	w := &cityWorker{o: o, city: cities.City{Code: "austin"}}
	assert.Equal(t, "https://austin.craigslist.org/search/web?format=rss", w.listingURL("web"))
}

func TestPauseStaysInWindow(t *testing.T) {
	var got []time.Duration
	o := New(Options{}, Deps{}, WithSleeper(func(_ context.Context, d time.Duration) error {
		got = append(got, d)
		return nil
	}))
	o.randFloat = func() float64 { return 0.5 }

	require.NoError(t, o.pause(t.Context(), config.Pause{Min: time.Second, Max: 3 * time.Second}))
	assert.Equal(t, []time.Duration{2 * time.Second}, got)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.True(t, errors.Is(sleepCtx(ctx, time.Hour), context.Canceled))
}
