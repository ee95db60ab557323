package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/pkg/anthropic"
)

const extractionPrompt = `You extract structured fields from funding opportunity announcements.
Respond with a single JSON object and nothing else:
{"amount_min": number|null, "amount_max": number|null, "amount_confidence": 0-1,
 "deadline": "YYYY-MM-DD"|null, "deadline_raw": string|null, "deadline_confidence": 0-1,
 "organization": string|null, "organization_confidence": 0-1}
Amounts are in US dollars. Use null for anything the text does not state.`

// maxPromptRunes bounds the page text sent to the model.
const maxPromptRunes = 12000

// AnthropicAgent is a model-backed extraction pass. Several agents with
// different names and temperatures give independent guesses.
type AnthropicAgent struct {
	name        string
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	now         func() time.Time
}

// NewAnthropicAgent creates a named extraction pass.
func NewAnthropicAgent(name string, client anthropic.Client, model string, maxTokens int64, temperature float64) *AnthropicAgent {
	return &AnthropicAgent{
		name:        name,
		client:      client,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		now:         time.Now,
	}
}

func (a *AnthropicAgent) Name() string { return a.name }

type extractionAnswer struct {
	AmountMin              *float64 `json:"amount_min"`
	AmountMax              *float64 `json:"amount_max"`
	AmountConfidence       float64  `json:"amount_confidence"`
	Deadline               *string  `json:"deadline"`
	DeadlineRaw            *string  `json:"deadline_raw"`
	DeadlineConfidence     float64  `json:"deadline_confidence"`
	Organization           *string  `json:"organization"`
	OrganizationConfidence float64  `json:"organization_confidence"`
}

func (a *AnthropicAgent) Extract(ctx context.Context, c *model.Candidate) (model.ExtractionResult, error) {
	temp := a.temperature
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      []anthropic.SystemBlock{{Text: extractionPrompt, CacheControl: &anthropic.CacheControl{TTL: "1h"}}},
		Messages:    []anthropic.Message{{Role: "user", Content: candidatePrompt(c)}},
		Temperature: &temp,
	})
	if err != nil {
		return model.ExtractionResult{}, eris.Wrapf(err, "extract: %s", a.name)
	}
	resp.Usage.LogCost(a.model, "extract:"+a.name)

	var ans extractionAnswer
	if err := anthropic.DecodeJSON(resp.Text(), &ans); err != nil {
		return model.ExtractionResult{}, eris.Wrapf(err, "extract: %s", a.name)
	}
	return model.ExtractionResult{
		Extractor:   a.name,
		Fields:      ans.fields(),
		ExtractedAt: a.now().UTC(),
	}, nil
}

func (ans extractionAnswer) fields() map[model.FieldName]model.FieldGuess {
	out := make(map[model.FieldName]model.FieldGuess)

	lo, hi := ans.AmountMin, ans.AmountMax
	if lo == nil {
		lo = hi
	}
	if hi == nil {
		hi = lo
	}
	if lo != nil && *lo <= *hi {
		out[model.FieldAmount] = model.FieldGuess{
			Value:      model.AmountValue{Min: *lo, Max: *hi},
			Confidence: clamp01(ans.AmountConfidence),
		}
	}

	if ans.Deadline != nil || ans.DeadlineRaw != nil {
		var dv model.DeadlineValue
		if ans.DeadlineRaw != nil {
			dv.Raw = *ans.DeadlineRaw
		}
		if ans.Deadline != nil {
			if dv.Raw == "" {
				dv.Raw = *ans.Deadline
			}
			dv.Date = ParseDate(*ans.Deadline)
		}
		if dv.Date == nil {
			dv.Date = ParseDate(dv.Raw)
		}
		out[model.FieldDeadline] = model.FieldGuess{Value: dv, Confidence: clamp01(ans.DeadlineConfidence)}
	}

	if ans.Organization != nil && strings.TrimSpace(*ans.Organization) != "" {
		out[model.FieldOrganization] = model.FieldGuess{
			Value:      model.OrganizationValue{Name: strings.TrimSpace(*ans.Organization)},
			Confidence: clamp01(ans.OrganizationConfidence),
		}
	}
	return out
}

func candidatePrompt(c *model.Candidate) string {
	text := c.Text
	if r := []rune(text); len(r) > maxPromptRunes {
		text = string(r[:maxPromptRunes])
	}
	return fmt.Sprintf("Title: %s\nOrganization (as submitted): %s\nURL: %s\n\n%s\n\n%s",
		c.Title, c.Organization, c.URL, c.Description, text)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
