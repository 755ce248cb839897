package triage

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/TobiSchelling/leadcrawler/internal/config"
	"github.com/TobiSchelling/leadcrawler/internal/llm"
	"github.com/TobiSchelling/leadcrawler/internal/metrics"
)

const (
	snippetLimit     = 300
	descriptionLimit = 2000
)

// ErrGradeUnavailable means grading could not be obtained at all. The lead
// must be skipped, not stored as junk.
var ErrGradeUnavailable = errors.New("grading unavailable")

// Completer is the part of the LLM gateway the cascade needs.
type Completer interface {
	CompleteJSON(ctx context.Context, p llm.Prompt, policy llm.RetryPolicy) (map[string]any, error)
	Disabled() bool
}

// Call holds the per-stage request shape and retry budget.
type Call struct {
	Policy      llm.RetryPolicy
	MaxTokens   int
	Temperature float64
}

// CallFromConfig builds a Call from a configured policy.
func CallFromConfig(c config.CallPolicy, multiplier float64) Call {
	return Call{
		Policy:      llm.Policy(c, multiplier),
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
	}
}

// PreFilter asks the LLM whether a title could possibly be a lead. It fails
// open: every failure counts as relevant.
type PreFilter struct {
	llm    Completer
	call   Call
	logger *zap.Logger
}

func NewPreFilter(c Completer, call Call, logger *zap.Logger) *PreFilter {
	return &PreFilter{llm: c, call: call, logger: logger}
}

// IsPotentiallyRelevant reports whether the candidate should proceed.
func (p *PreFilter) IsPotentiallyRelevant(ctx context.Context, title, snippet string) bool {
	if p.llm.Disabled() {
		return true
	}

	content := "Title: " + title
	if snippet != "" {
		content += "\nSnippet: " + truncateRunes(snippet, snippetLimit)
	}

	resp, err := p.llm.CompleteJSON(ctx, llm.Prompt{
		System:      preFilterSystemPrompt,
		User:        fmt.Sprintf(preFilterUserPrompt, content),
		MaxTokens:   p.call.MaxTokens,
		Temperature: p.call.Temperature,
	}, p.call.Policy)
	if err != nil {
		p.logger.Warn("pre-filter failed, assuming relevant", zap.String("title", title), zap.Error(err))
		return true
	}

	relevant, ok := resp["is_potentially_relevant"].(bool)
	if !ok {
		p.logger.Warn("pre-filter response missing key, assuming relevant",
			zap.String("title", title), zap.Any("response", resp))
		return true
	}
	return relevant
}

// Grade is the validated grading outcome.
type Grade struct {
	IsJunk    bool
	Score     *int
	Reasoning string
}

// Grader scores a fetched post. Anything unexpected in the response is
// coerced to junk.
type Grader struct {
	llm    Completer
	call   Call
	logger *zap.Logger
}

func NewGrader(c Completer, call Call, logger *zap.Logger) *Grader {
	return &Grader{llm: c, call: call, logger: logger}
}

// Grade returns ErrGradeUnavailable when the gateway gave up, and the
// context error when ctx ended.
func (g *Grader) Grade(ctx context.Context, title, description string) (Grade, error) {
	if g.llm.Disabled() {
		return Grade{Reasoning: "AI service disabled"}, nil
	}

	resp, err := g.llm.CompleteJSON(ctx, llm.Prompt{
		System:      gradeSystemPrompt,
		User:        fmt.Sprintf(gradeUserPrompt, title, truncateRunes(description, descriptionLimit)),
		MaxTokens:   g.call.MaxTokens,
		Temperature: g.call.Temperature,
	}, g.call.Policy)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return Grade{}, ctx.Err()
	case errors.Is(err, llm.ErrDisabled):
		return Grade{Reasoning: "AI service disabled"}, nil
	case errors.Is(err, llm.ErrMalformedOutput):
		g.logger.Error("grading response was never valid JSON", zap.String("title", title), zap.Error(err))
		return Grade{IsJunk: true, Reasoning: "AI failed to return valid JSON"}, nil
	default:
		return Grade{}, fmt.Errorf("%w: %w", ErrGradeUnavailable, err)
	}

	grade := ValidateGrade(resp)
	g.logger.Debug("graded", zap.String("title", title), zap.Bool("junk", grade.IsJunk), zap.Intp("score", grade.Score))
	return grade, nil
}

// ValidateGrade coerces a raw grading response into a Grade.
func ValidateGrade(m map[string]any) Grade {
	_, hasJunk := m["is_junk"]
	_, hasScore := m["profitability_score"]
	_, hasReasoning := m["reasoning"]
	if !hasJunk || !hasScore || !hasReasoning {
		return Grade{IsJunk: true, Reasoning: "AI response format error (missing keys)"}
	}

	reasoning, reasoningOK := m["reasoning"].(string)
	if !reasoningOK && m["reasoning"] != nil {
		reasoning = fmt.Sprint(m["reasoning"])
	}
	annotated := false

	junk, ok := m["is_junk"].(bool)
	if !ok {
		junk = true
		reasoning += " | Invalid type for is_junk."
		annotated = true
	}

	var score *int
	if !junk {
		switch v := m["profitability_score"].(type) {
		case nil:
		case float64:
			if v == math.Trunc(v) && v >= 1 && v <= 10 {
				s := int(v)
				score = &s
			} else {
				reasoning += " | Invalid profitability score (must be 1-10 or null)."
				annotated = true
			}
		default:
			reasoning += " | Invalid profitability score (must be 1-10 or null)."
			annotated = true
		}
	}

	if !reasoningOK && !annotated {
		reasoning += " | Invalid type for reasoning."
	}
	return Grade{IsJunk: junk, Score: score, Reasoning: reasoning}
}

// Stage names the cascade step that decided a candidate.
type Stage string

const (
	StageBlacklist Stage = "blacklist"
	StageKeyword   Stage = "keyword"
	StagePreFilter Stage = "prefilter"
)

// Decision is the outcome of screening one candidate title.
type Decision struct {
	Pass  bool
	Stage Stage
	// Term is the matching blacklist or keyword term, if any.
	Term string
}

// Cascade runs the cheap stages in order: blacklist, keyword fast pass,
// then the AI pre-filter. Grading runs later on the fetched post.
type Cascade struct {
	blacklist *Blacklist
	keywords  *KeywordMatcher
	pre       *PreFilter
	grader    *Grader
	logger    *zap.Logger
}

func NewCascade(blacklist *Blacklist, keywords *KeywordMatcher, pre *PreFilter, grader *Grader, logger *zap.Logger) *Cascade {
	return &Cascade{blacklist: blacklist, keywords: keywords, pre: pre, grader: grader, logger: logger}
}

// NewCascadeFromConfig wires the cascade stages against a gateway.
func NewCascadeFromConfig(filters config.Filters, ai config.AI, c Completer, logger *zap.Logger) *Cascade {
	return NewCascade(
		NewBlacklist(filters.Blacklist),
		NewKeywordMatcher(filters.PositiveTerms),
		NewPreFilter(c, CallFromConfig(ai.PreFilter, ai.BackoffMultiplier), logger),
		NewGrader(c, CallFromConfig(ai.Grading, ai.BackoffMultiplier), logger),
		logger,
	)
}

// Screen decides whether a candidate is worth a detail fetch.
func (c *Cascade) Screen(ctx context.Context, title, snippet string) Decision {
	if term, hit := c.blacklist.Match(title); hit {
		c.logger.Debug("blacklisted", zap.String("title", title), zap.String("term", term))
		metrics.ObserveCandidate(string(StageBlacklist), "reject")
		return Decision{Stage: StageBlacklist, Term: term}
	}
	if term, hit := c.keywords.Match(title); hit {
		c.logger.Debug("keyword fast pass", zap.String("title", title), zap.String("term", term))
		metrics.ObserveCandidate(string(StageKeyword), "pass")
		return Decision{Pass: true, Stage: StageKeyword, Term: term}
	}

	pass := c.pre.IsPotentiallyRelevant(ctx, title, snippet)
	outcome := "reject"
	if pass {
		outcome = "pass"
	}
	metrics.ObserveCandidate(string(StagePreFilter), outcome)
	return Decision{Pass: pass, Stage: StagePreFilter}
}

// Grade grades a fetched post. See Grader.Grade.
func (c *Cascade) Grade(ctx context.Context, title, description string) (Grade, error) {
	grade, err := c.grader.Grade(ctx, title, description)
	switch {
	case err != nil:
		metrics.ObserveCandidate("grade", "unavailable")
	case grade.IsJunk:
		metrics.ObserveCandidate("grade", "junk")
	default:
		metrics.ObserveCandidate("grade", "accepted")
	}
	return grade, err
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
