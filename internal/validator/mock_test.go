package validator

import (
	"context"
	"strings"
)

// keywordScorer scores 0.9 when the text mentions "grant", else 0.1.
type keywordScorer struct {
	err error
}

func (s keywordScorer) Score(_ context.Context, text string) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	if strings.Contains(strings.ToLower(text), "grant") {
		return 0.9, nil
	}
	return 0.1, nil
}
