package intake

import (
	"context"
	"errors"
	"strings"

	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/store"
)

var errBackendDown = errors.New("backend down")

// stubAgent returns a fixed extraction or error.
type stubAgent struct {
	name   string
	fields map[model.FieldName]model.FieldGuess
	err    error
}

func (a *stubAgent) Name() string { return a.name }

func (a *stubAgent) Extract(_ context.Context, _ *model.Candidate) (model.ExtractionResult, error) {
	if a.err != nil {
		return model.ExtractionResult{}, a.err
	}
	return model.ExtractionResult{Extractor: a.name, Fields: a.fields}, nil
}

// stubScorer returns a fixed relevance score or error.
type stubScorer struct {
	score float64
	err   error
}

func (s stubScorer) Score(_ context.Context, _ string) (float64, error) {
	return s.score, s.err
}

// wordEmbedder embeds text as a bag of three keyword counts so distinct
// topics land far apart and identical text lands on the same vector.
type wordEmbedder struct{}

func (wordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	t := strings.ToLower(text)
	return []float32{
		float32(strings.Count(t, "climate")) + 0.1,
		float32(strings.Count(t, "health")) + 0.1,
		float32(strings.Count(t, "robot")) + 0.1,
	}, nil
}

// failingSaveStore wraps a real store and fails SaveOutcome.
type failingSaveStore struct {
	*store.SQLiteStore
}

func (failingSaveStore) SaveOutcome(context.Context, model.Outcome) error {
	return errBackendDown
}
