// Package relevance scores how well a piece of text fits the funding
// opportunity domain. The router, the source validator and the performance
// tracker all consume the same Scorer.
package relevance

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/funding-intake/internal/textmatch"
	"github.com/sells-group/funding-intake/pkg/anthropic"
)

// Scorer returns a relevance score in [0,1].
type Scorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// DefaultTerms are the domain terms the keyword scorer looks for.
var DefaultTerms = []string{
	"grant", "funding", "fellowship", "scholarship", "award", "prize",
	"call for proposals", "apply", "application", "deadline", "eligibility",
	"research", "innovation", "accelerator", "competition",
}

// Keyword scores text by the fraction of domain terms it mentions,
// saturating at saturation distinct terms.
type Keyword struct {
	terms      []string
	saturation int
}

// NewKeyword creates a keyword scorer. terms defaults to DefaultTerms.
func NewKeyword(terms []string, saturation int) *Keyword {
	if len(terms) == 0 {
		terms = DefaultTerms
	}
	if saturation <= 0 {
		saturation = 4
	}
	return &Keyword{terms: terms, saturation: saturation}
}

func (k *Keyword) Score(_ context.Context, text string) (float64, error) {
	return float64(min(CountTerms(text, k.terms), k.saturation)) / float64(k.saturation), nil
}

// CountTerms counts the distinct terms that occur in text as whole tokens
// (or as a token run for multi-word terms).
func CountTerms(text string, terms []string) int {
	padded := " " + strings.Join(textmatch.Tokens(text), " ") + " "
	n := 0
	for _, term := range terms {
		needle := " " + strings.Join(textmatch.Tokens(term), " ") + " "
		if strings.TrimSpace(needle) != "" && strings.Contains(padded, needle) {
			n++
		}
	}
	return n
}

// MentionsAny reports whether text mentions at least one of terms.
func MentionsAny(text string, terms []string) bool {
	return CountTerms(text, terms) > 0
}

const relevancePrompt = `You judge whether a web page describes a funding opportunity (grant, fellowship,
prize, scholarship, accelerator or call for proposals) that an applicant could act on.
Respond with a single JSON object and nothing else: {"score": 0-1, "reason": string}`

// maxScoreRunes bounds the text sent to the model.
const maxScoreRunes = 8000

// Anthropic is a model-backed scorer.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

// NewAnthropic creates a model-backed scorer.
func NewAnthropic(client anthropic.Client, model string, maxTokens int64) *Anthropic {
	return &Anthropic{client: client, model: model, maxTokens: maxTokens}
}

type scoreAnswer struct {
	Score  *float64 `json:"score"`
	Reason string   `json:"reason"`
}

func (a *Anthropic) Score(ctx context.Context, text string) (float64, error) {
	if r := []rune(text); len(r) > maxScoreRunes {
		text = string(r[:maxScoreRunes])
	}
	temp := 0.0
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      []anthropic.SystemBlock{{Text: relevancePrompt, CacheControl: &anthropic.CacheControl{TTL: "1h"}}},
		Messages:    []anthropic.Message{{Role: "user", Content: text}},
		Temperature: &temp,
	})
	if err != nil {
		return 0, eris.Wrap(err, "relevance: score")
	}
	resp.Usage.LogCost(a.model, "relevance")

	var ans scoreAnswer
	if err := anthropic.DecodeJSON(resp.Text(), &ans); err != nil {
		return 0, eris.Wrap(err, "relevance: score")
	}
	if ans.Score == nil {
		return 0, eris.New("relevance: response has no score")
	}
	return min(max(*ans.Score, 0), 1), nil
}
