package extract

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/funding-intake/internal/model"
)

// Heuristic is a regex extractor that needs no network. Its confidences are
// deliberately modest so a model-backed pass wins a disagreement.
type Heuristic struct {
	now func() time.Time
}

// NewHeuristic creates the heuristic extractor.
func NewHeuristic() *Heuristic {
	return &Heuristic{now: time.Now}
}

func (h *Heuristic) Name() string { return "heuristic" }

var (
	amountRe = regexp.MustCompile(`(?i)(?:US)?\$\s?([\d][\d,]*(?:\.\d+)?)\s*(k|m|million|thousand|billion|bn)?\b`)
	rangeRe  = regexp.MustCompile(`(?i)(?:US)?\$\s?([\d][\d,]*(?:\.\d+)?)\s*(k|m|million|thousand)?\s*(?:-|–|to)\s*(?:US)?\$?\s?([\d][\d,]*(?:\.\d+)?)\s*(k|m|million|thousand)?\b`)

	deadlineCueRe = regexp.MustCompile(`(?i)(?:deadline|due|closes?|closing date|apply by|submit by)[^0-9A-Za-z]{0,10}(?:on\s+)?([A-Za-z]+\.?\s+\d{1,2},?\s+\d{4}|\d{4}-\d{2}-\d{2}|\d{1,2}\s+[A-Za-z]+\s+\d{4}|\d{1,2}/\d{1,2}/\d{4})`)
)

func (h *Heuristic) Extract(_ context.Context, c *model.Candidate) (model.ExtractionResult, error) {
	text := c.Title + "\n" + c.Description + "\n" + c.Text
	fields := make(map[model.FieldName]model.FieldGuess)

	if amt, ok := parseAmount(text); ok {
		fields[model.FieldAmount] = model.FieldGuess{Value: amt, Confidence: 0.6}
	}
	if m := deadlineCueRe.FindStringSubmatch(text); m != nil {
		raw := strings.TrimSpace(m[1])
		fields[model.FieldDeadline] = model.FieldGuess{
			Value:      model.DeadlineValue{Raw: raw, Date: ParseDate(raw)},
			Confidence: 0.55,
		}
	}
	if org := strings.TrimSpace(c.Organization); org != "" {
		fields[model.FieldOrganization] = model.FieldGuess{Value: model.OrganizationValue{Name: org}, Confidence: 0.5}
	}

	return model.ExtractionResult{Extractor: h.Name(), Fields: fields, ExtractedAt: h.now().UTC()}, nil
}

// parseAmount finds the first range, or failing that the first single
// figure, in text.
func parseAmount(text string) (model.AmountValue, bool) {
	if m := rangeRe.FindStringSubmatch(text); m != nil {
		hiUnit := m[4]
		loUnit := m[2]
		if loUnit == "" {
			loUnit = hiUnit
		}
		lo, okLo := scaleAmount(m[1], loUnit)
		hi, okHi := scaleAmount(m[3], hiUnit)
		if okLo && okHi && lo <= hi {
			return model.AmountValue{Min: lo, Max: hi}, true
		}
	}
	if m := amountRe.FindStringSubmatch(text); m != nil {
		if v, ok := scaleAmount(m[1], m[2]); ok {
			return model.AmountValue{Min: v, Max: v}, true
		}
	}
	return model.AmountValue{}, false
}

func scaleAmount(num, unit string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(unit) {
	case "k", "thousand":
		v *= 1_000
	case "m", "million":
		v *= 1_000_000
	case "bn", "billion":
		v *= 1_000_000_000
	}
	return v, true
}

var dateLayouts = []string{
	"2006-01-02",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan. 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	"01/02/2006",
	time.RFC3339,
}

// ParseDate parses raw in the common deadline formats. It returns nil when
// nothing matches.
func ParseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
