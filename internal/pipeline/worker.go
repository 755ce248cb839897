package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/leadcrawler/internal/cities"
	"github.com/TobiSchelling/leadcrawler/internal/database"
	"github.com/TobiSchelling/leadcrawler/internal/failurelog"
	"github.com/TobiSchelling/leadcrawler/internal/fetch"
	"github.com/TobiSchelling/leadcrawler/internal/metrics"
	"github.com/TobiSchelling/leadcrawler/internal/parse"
	"github.com/TobiSchelling/leadcrawler/internal/triage"
)

const fetchHealthThreshold = 0.8

type statsReporter interface {
	Stats() *fetch.Stats
}

// cityWorker crawls the categories of one city in order.
type cityWorker struct {
	o      *Orchestrator
	city   cities.City
	store  LeadStore
	logger *zap.Logger
}

func (w *cityWorker) run(ctx context.Context) (int, error) {
	categories := w.o.opts.Categories
	if n := w.o.opts.LimitCategories; n > 0 && n < len(categories) {
		categories = categories[:n]
	}

	last, err := w.store.GetLastCompletedCategoryForCity(w.city.Code)
	if err != nil {
		return 0, fmt.Errorf("reading category checkpoint: %w", err)
	}
	if last != "" {
		found := false
		for i, c := range categories {
			if c == last {
				w.logger.Info("resuming city after category", zap.String("category", last))
				categories = categories[i+1:]
				found = true
				break
			}
		}
		if !found {
			w.logger.Warn("category checkpoint not in category list; starting from the first", zap.String("category", last))
		}
	}

	total := 0
	for i, category := range categories {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := w.crawlCategory(ctx, category)
		total += n
		if err != nil {
			return total, fmt.Errorf("category %s: %w", category, err)
		}
		if err := w.store.SetLastCompletedCategoryForCity(w.city.Code, category); err != nil {
			return total, fmt.Errorf("saving category checkpoint: %w", err)
		}
		w.logger.Info("finished category", zap.String("category", category), zap.Int("leads_added", n))

		if i < len(categories)-1 {
			if err := w.o.pause(ctx, w.o.opts.CategoryPause); err != nil {
				return total, err
			}
		}
	}

	if err := w.store.ClearLastCompletedCategoryForCity(w.city.Code); err != nil {
		return total, fmt.Errorf("clearing category checkpoint: %w", err)
	}
	return total, nil
}

// crawlCategory walks at most MaxPages listing pages. A page that cannot be
// fetched is logged to the failure log and ends the category without error.
func (w *cityWorker) crawlCategory(ctx context.Context, category string) (int, error) {
	log := w.logger.With(zap.String("category", category))
	pageURL := w.listingURL(category)
	seen := map[string]bool{stripFragment(pageURL): true}
	maxPages := w.o.opts.MaxPages

	added := 0
	for page := 1; page <= maxPages; page++ {
		log.Info("fetching listing page", zap.Int("page", page), zap.Int("max_pages", maxPages), zap.String("url", pageURL))
		content, err := w.o.deps.Fetcher.Fetch(ctx, pageURL, w.o.opts.FetchRetries)
		if err != nil {
			if ctx.Err() != nil {
				return added, ctx.Err()
			}
			if errors.Is(err, fetch.ErrAuth) {
				metrics.ObserveFetch("listing", "auth")
				return added, err
			}
			metrics.ObserveFetch("listing", "failed")
			log.Warn("listing page failed; skipping rest of category", zap.Int("page", page), zap.Error(err))
			w.recordFailure(category, pageURL)
			return added, nil
		}
		metrics.ObserveFetch("listing", "ok")

		cands, next, err := parse.ParseListing(content, w.city.Code, w.o.opts.LimitLeadsPerPage)
		if err != nil {
			log.Warn("unparseable listing page; skipping rest of category", zap.Int("page", page), zap.Error(err))
			return added, nil
		}

		n, err := w.processPage(ctx, category, cands)
		added += n
		if err != nil {
			return added, err
		}
		log.Info("processed listing page", zap.Int("page", page), zap.Int("candidates", len(cands)), zap.Int("leads_added", n))

		if page == maxPages {
			log.Debug("reached page limit", zap.Int("max_pages", maxPages))
			break
		}
		nextURL := resolveNext(pageURL, next)
		if nextURL == "" || seen[stripFragment(nextURL)] {
			log.Debug("no further listing page")
			break
		}
		seen[stripFragment(nextURL)] = true
		if err := w.o.pause(ctx, w.o.opts.PagePause); err != nil {
			return added, err
		}
		pageURL = nextURL
	}
	return added, nil
}

func (w *cityWorker) recordFailure(category, pageURL string) {
	if w.o.deps.Failures == nil {
		return
	}
	err := w.o.deps.Failures.Append(failurelog.Record{
		City:      w.city.Code,
		Category:  category,
		URL:       pageURL,
		Timestamp: w.o.now().UTC(),
	})
	if err != nil {
		w.logger.Error("writing failure log", zap.String("url", pageURL), zap.Error(err))
	}
}

// outcome is what processing one candidate produced.
type outcome struct {
	lead *database.Lead
	err  error
}

// processPage screens candidates one by one, then fetches and grades the
// survivors in parallel. Results are stored afterwards from this goroutine.
func (w *cityWorker) processPage(ctx context.Context, category string, cands []parse.Candidate) (int, error) {
	var survivors []parse.Candidate
	for _, c := range cands {
		if !cities.MatchesDomain(c.URL, w.city.Code, w.o.opts.DomainSuffix) {
			metrics.ObserveCandidate("domain", "reject")
			w.logger.Debug("skipping post from another site",
				zap.String("url", c.URL),
				zap.String("expected_host", cities.ExpectedHost(w.city.Code, w.o.opts.DomainSuffix)))
			continue
		}
		d := w.o.deps.Screener.Screen(ctx, c.Title, c.Snippet)
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !d.Pass {
			w.logger.Debug("filtered out", zap.String("url", c.URL), zap.String("stage", string(d.Stage)), zap.String("term", d.Term))
			continue
		}
		survivors = append(survivors, c)
	}
	if len(survivors) == 0 {
		return 0, nil
	}

	results := make([]outcome, len(survivors))
	var g errgroup.Group
	g.SetLimit(w.o.opts.ThreadsPerWorker)
	for i, c := range survivors {
		g.Go(func() error {
			// A panic here would escape the city worker's recover.
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("post processing panicked", zap.String("url", c.URL), zap.Any("panic", r), zap.Stack("stack"))
					results[i] = outcome{err: fmt.Errorf("processing %s: panic: %v", c.URL, r)}
				}
			}()
			lead, err := w.processCandidate(ctx, category, c)
			results[i] = outcome{lead: lead, err: err}
			return nil
		})
	}
	_ = g.Wait()

	added := 0
	var firstErr error
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		if r.lead == nil {
			continue
		}
		ok, err := w.store.AddLead(r.lead, w.o.opts.Scope)
		if err != nil {
			return added, fmt.Errorf("storing lead: %w", err)
		}
		if !ok {
			metrics.ObserveLead("duplicate")
			w.logger.Debug("lead already stored", zap.String("url", r.lead.URL))
			continue
		}
		metrics.ObserveLead("added")
		w.logger.Info("added lead", zap.String("url", r.lead.URL), zap.Intp("score", r.lead.ProfitabilityScore))
		added++
	}
	return added, firstErr
}

// processCandidate fetches and grades one post. A nil lead with a nil error
// means the post was dropped.
func (w *cityWorker) processCandidate(ctx context.Context, category string, c parse.Candidate) (*database.Lead, error) {
	content, err := w.o.deps.Fetcher.Fetch(ctx, c.URL, w.o.opts.FetchRetries)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, fetch.ErrAuth):
			metrics.ObserveFetch("detail", "auth")
			return nil, err
		}
		metrics.ObserveFetch("detail", "failed")
		w.logger.Warn("post page failed; skipping post", zap.String("url", c.URL), zap.Error(err))
		return nil, nil
	}
	metrics.ObserveFetch("detail", "ok")

	details := parse.ParseDetail(content, c)
	grade, err := w.o.deps.Screener.Grade(ctx, c.Title, details.Description)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, triage.ErrGradeUnavailable) {
			metrics.ObserveLead("skipped")
			w.logger.Error("skipping post; grading unavailable", zap.String("url", c.URL), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	if grade.IsJunk {
		metrics.ObserveLead("junk")
		w.logger.Info("junk post", zap.String("url", c.URL), zap.String("reasoning", grade.Reasoning))
		return nil, nil
	}

	reasoning := grade.Reasoning
	return &database.Lead{
		URL:                c.URL,
		Title:              c.Title,
		Description:        details.Description,
		City:               w.city.Code,
		Category:           category,
		DatePosted:         details.DatePosted,
		ScrapedAt:          w.o.now().UTC().Format(database.TimestampLayout),
		EstimatedValue:     details.EstimatedValue,
		ContactMethod:      details.ContactMethod,
		ContactEmail:       details.ContactEmail,
		ContactPhone:       details.ContactPhone,
		ProfitabilityScore: grade.Score,
		Reasoning:          &reasoning,
	}, nil
}

func (w *cityWorker) listingURL(category string) string {
	u := fmt.Sprintf("https://%s/search/%s", cities.ExpectedHost(w.city.Code, w.o.opts.DomainSuffix), category)
	if w.o.opts.ListingFormat == "rss" {
		u += "?format=rss"
	}
	return u
}

// resolveNext turns the parser's next reference into an absolute URL.
func resolveNext(current, next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return ""
	}
	base, err := url.Parse(current)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(next)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func stripFragment(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i]
	}
	return raw
}
