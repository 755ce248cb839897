// Package report renders the stored leads as CSV, JSON and an HTML dashboard.
package report

import (
	"bytes"
	"cmp"
	"embed"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/TobiSchelling/leadcrawler/internal/database"
)

//go:embed templates/*.html
var templateFS embed.FS

var md = goldmark.New()

const (
	CSVPrefix = "daily_leads_"
	HTMLName  = "leads_dashboard.html"
	JSONName  = "graded_leads.json"
)

var csvHeader = []string{
	"id", "city", "title", "url", "date_posted_iso", "category",
	"description", "estimated_value", "contact_method", "contact_info", "contact_phone",
	"has_been_contacted", "follow_up_date", "scraped_timestamp",
	"ai_is_junk", "ai_profitability_score", "ai_reasoning", "search_scope",
}

// WriteCSV writes one row per lead in the given order.
func WriteCSV(w io.Writer, leads []database.Lead) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, l := range leads {
		score := ""
		if l.ProfitabilityScore != nil {
			score = strconv.Itoa(*l.ProfitabilityScore)
		}
		row := []string{
			strconv.FormatInt(l.ID, 10), l.City, l.Title, l.URL, deref(l.DatePosted), l.Category,
			l.Description, deref(l.EstimatedValue), deref(l.ContactMethod), deref(l.ContactEmail), deref(l.ContactPhone),
			strconv.FormatBool(l.Contacted), deref(l.FollowUpDate), l.ScrapedAt,
			strconv.FormatBool(l.IsJunk), score, deref(l.Reasoning), deref(l.SearchScope),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// GradedLead is the JSON shape of a lead in graded_leads.json.
type GradedLead struct {
	URL                string  `json:"url"`
	Title              string  `json:"title"`
	Description        string  `json:"description"`
	City               string  `json:"city"`
	Category           string  `json:"category"`
	DatePosted         *string `json:"date_posted_iso"`
	ScrapedAt          string  `json:"scraped_timestamp"`
	EstimatedValue     *string `json:"estimated_value"`
	ContactMethod      *string `json:"contact_method"`
	ContactEmail       *string `json:"contact_info"`
	ContactPhone       *string `json:"contact_phone"`
	Contacted          bool    `json:"has_been_contacted"`
	ProfitabilityScore *int    `json:"ai_profitability_score"`
	Reasoning          *string `json:"ai_reasoning"`
	SearchScope        *string `json:"search_scope"`
}

// Graded returns the non-junk leads, best score first. Unscored leads come
// last; ties keep the most recently scraped first.
func Graded(leads []database.Lead) []GradedLead {
	kept := make([]database.Lead, 0, len(leads))
	for _, l := range leads {
		if !l.IsJunk {
			kept = append(kept, l)
		}
	}
	slices.SortStableFunc(kept, func(a, b database.Lead) int {
		switch {
		case a.ProfitabilityScore == nil && b.ProfitabilityScore == nil:
		case a.ProfitabilityScore == nil:
			return 1
		case b.ProfitabilityScore == nil:
			return -1
		default:
			if c := cmp.Compare(*b.ProfitabilityScore, *a.ProfitabilityScore); c != 0 {
				return c
			}
		}
		return cmp.Compare(b.ScrapedAt, a.ScrapedAt)
	})

	out := make([]GradedLead, len(kept))
	for i, l := range kept {
		out[i] = GradedLead{
			URL:                l.URL,
			Title:              l.Title,
			Description:        l.Description,
			City:               l.City,
			Category:           l.Category,
			DatePosted:         l.DatePosted,
			ScrapedAt:          l.ScrapedAt,
			EstimatedValue:     l.EstimatedValue,
			ContactMethod:      l.ContactMethod,
			ContactEmail:       l.ContactEmail,
			ContactPhone:       l.ContactPhone,
			Contacted:          l.Contacted,
			ProfitabilityScore: l.ProfitabilityScore,
			Reasoning:          l.Reasoning,
			SearchScope:        l.SearchScope,
		}
	}
	return out
}

// WriteGradedJSON writes Graded(leads) as an indented JSON array.
func WriteGradedJSON(w io.Writer, leads []database.Lead) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)
	return enc.Encode(Graded(leads))
}

// Dashboard is the data rendered by the HTML dashboard.
type Dashboard struct {
	GeneratedAt time.Time
	Leads       []database.Lead
	Stats       *database.Stats
	Scopes      []database.ScopeStats
	// Live is set when the page is served rather than written to disk.
	Live bool
}

var dashboardTmpl = template.Must(
	template.New("dashboard.html").Funcs(FuncMap()).ParseFS(templateFS, "templates/dashboard.html"),
)

// RenderDashboard executes the dashboard template.
func RenderDashboard(w io.Writer, d Dashboard) error {
	return dashboardTmpl.Execute(w, d)
}

// FuncMap holds the helpers the dashboard template uses.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"markdown": Markdown,
		"deref":    deref,
		"score": func(s *int) string {
			if s == nil {
				return "N/A"
			}
			return strconv.Itoa(*s)
		},
		"shortTime": shortTime,
		"yesNo": func(b bool) string {
			if b {
				return "Yes"
			}
			return "No"
		},
		"avg": func(v *float64) string {
			if v == nil {
				return "N/A"
			}
			return strconv.FormatFloat(*v, 'f', 1, 64)
		},
	}
}

// Markdown renders post text and grading notes. Raw HTML in the input is
// not passed through.
func Markdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

func shortTime(s string) string {
	for _, layout := range []string{time.RFC3339Nano, database.TimestampLayout, "2006-01-02T15:04:05-0700", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02 15:04")
		}
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Files are the paths written by Emitter.Emit.
type Files struct {
	CSV  string
	HTML string
	JSON string
}

// Emitter writes the report artifacts into a directory.
type Emitter struct {
	dir    string
	now    func() time.Time
	logger *zap.Logger
}

func NewEmitter(dir string, logger *zap.Logger) *Emitter {
	return &Emitter{dir: dir, now: time.Now, logger: logger}
}

// Emit writes all three reports. The CSV name carries the local date.
func (e *Emitter) Emit(leads []database.Lead, stats *database.Stats, scopes []database.ScopeStats) (Files, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return Files{}, fmt.Errorf("creating reports dir: %w", err)
	}
	now := e.now()
	files := Files{
		CSV:  filepath.Join(e.dir, CSVPrefix+now.Format("2006-01-02")+".csv"),
		HTML: filepath.Join(e.dir, HTMLName),
		JSON: filepath.Join(e.dir, JSONName),
	}

	if err := writeFile(files.CSV, func(w io.Writer) error { return WriteCSV(w, leads) }); err != nil {
		return files, fmt.Errorf("writing csv report: %w", err)
	}
	if err := writeFile(files.HTML, func(w io.Writer) error {
		return RenderDashboard(w, Dashboard{GeneratedAt: now, Leads: leads, Stats: stats, Scopes: scopes})
	}); err != nil {
		return files, fmt.Errorf("writing html dashboard: %w", err)
	}
	if err := writeFile(files.JSON, func(w io.Writer) error { return WriteGradedJSON(w, leads) }); err != nil {
		return files, fmt.Errorf("writing graded json: %w", err)
	}

	e.logger.Info("reports written",
		zap.Int("leads", len(leads)),
		zap.String("csv", files.CSV),
		zap.String("html", files.HTML),
		zap.String("json", files.JSON))
	return files, nil
}

// writeFile renders into a temp file and renames it over path.
func writeFile(path string, render func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if err := render(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
