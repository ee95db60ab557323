package extract

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/resilience"
	"github.com/sells-group/funding-intake/pkg/anthropic"
)

func TestHeuristic_Extract(t *testing.T) {
	c := &model.Candidate{
		ID:           "c-1",
		Title:        "AI Grant for African Universities",
		Description:  "Awards of $10,000 - $50,000 for applied machine learning research.",
		Organization: "Open Science Foundation",
		Text:         "Applications close on March 15, 2027.",
	}
	res, err := NewHeuristic().Extract(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "heuristic", res.Extractor)

	amt := res.Fields[model.FieldAmount]
	assert.Equal(t, model.AmountValue{Min: 10000, Max: 50000}, amt.Value)

	dl := res.Fields[model.FieldDeadline].Value.(model.DeadlineValue)
	assert.Equal(t, "March 15, 2027", dl.Raw)
	require.NotNil(t, dl.Date)
	assert.Equal(t, time.Date(2027, 3, 15, 0, 0, 0, 0, time.UTC), *dl.Date)

	assert.Equal(t, model.OrganizationValue{Name: "Open Science Foundation"}, res.Fields[model.FieldOrganization].Value)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		text string
		want model.AmountValue
		ok   bool
	}{
		{"up to $2,000,000", model.AmountValue{Min: 2e6, Max: 2e6}, true},
		{"grants of $2M", model.AmountValue{Min: 2e6, Max: 2e6}, true},
		{"between $5k to $25k", model.AmountValue{Min: 5000, Max: 25000}, true},
		{"$1.5 million available", model.AmountValue{Min: 1.5e6, Max: 1.5e6}, true},
		{"$10-$20 million", model.AmountValue{Min: 10e6, Max: 20e6}, true},
		{"no money mentioned", model.AmountValue{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := parseAmount(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	for _, raw := range []string{"2026-09-01", "September 1, 2026", "Sep 1, 2026", "1 September 2026", "09/01/2026"} {
		got := ParseDate(raw)
		require.NotNil(t, got, raw)
		assert.Equal(t, want, *got, raw)
	}
	assert.Nil(t, ParseDate("rolling"))
}

func TestAnthropicAgent_Extract(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" && *req.Temperature == 0.2 && len(req.Messages) == 1
	})).Return(textResponse("```json\n"+`{"amount_min": 50000, "amount_max": null, "amount_confidence": 0.8,
		"deadline": "2027-01-31", "deadline_raw": "31 January 2027", "deadline_confidence": 0.9,
		"organization": " Gates Foundation ", "organization_confidence": 1.4}`+"\n```"), nil)

	agent := NewAnthropicAgent("primary", client, "claude-haiku-4-5-20251001", 512, 0.2)
	res, err := agent.Extract(context.Background(), &model.Candidate{ID: "c-1", Title: "Grant"})
	require.NoError(t, err)

	assert.Equal(t, "primary", res.Extractor)
	assert.Equal(t, model.FieldGuess{Value: model.AmountValue{Min: 50000, Max: 50000}, Confidence: 0.8}, res.Fields[model.FieldAmount])
	dl := res.Fields[model.FieldDeadline]
	assert.Equal(t, "31 January 2027", dl.Value.(model.DeadlineValue).Raw)
	assert.Equal(t, time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC), *dl.Value.(model.DeadlineValue).Date)
	org := res.Fields[model.FieldOrganization]
	assert.Equal(t, model.OrganizationValue{Name: "Gates Foundation"}, org.Value)
	assert.Equal(t, 1.0, org.Confidence)
	client.AssertExpectations(t)
}

func TestAnthropicAgent_NullFieldsAreOmitted(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"amount_min": null, "amount_max": null, "deadline": null, "organization": null}`), nil)

	res, err := NewAnthropicAgent("secondary", client, "m", 512, 0).Extract(context.Background(), &model.Candidate{})
	require.NoError(t, err)
	assert.Empty(t, res.Fields)
}

func TestAnthropicAgent_Errors(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errAgentDown).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("I cannot help"), nil).Once()

	agent := NewAnthropicAgent("primary", client, "m", 512, 0)
	_, err := agent.Extract(context.Background(), &model.Candidate{})
	assert.ErrorIs(t, err, errAgentDown)

	_, err = agent.Extract(context.Background(), &model.Candidate{})
	assert.ErrorContains(t, err, "no JSON object")
}

func TestRunner_DropsFailedAgentsAndSorts(t *testing.T) {
	agents := []Agent{
		stubAgent{name: "zeta", res: model.ExtractionResult{Fields: map[model.FieldName]model.FieldGuess{}}},
		stubAgent{name: "broken", err: errAgentDown},
		stubAgent{name: "alpha", res: model.ExtractionResult{Extractor: "alpha"}},
	}
	r := NewRunner(agents, resilience.NewGuard(5, time.Minute, nil), time.Second)
	assert.Equal(t, 3, r.Len())

	results, failed := r.Run(context.Background(), &model.Candidate{ID: "c-1"})
	require.Len(t, results, 2)
	assert.Equal(t, "alpha", results[0].Extractor)
	assert.Equal(t, "zeta", results[1].Extractor)
	assert.Equal(t, []string{"broken"}, failed)
}

func TestRunner_NoAgents(t *testing.T) {
	results, failed := NewRunner(nil, nil, time.Second).Run(context.Background(), &model.Candidate{})
	assert.Empty(t, results)
	assert.Empty(t, failed)
}
