package model

import (
	"time"
)

// Channel identifies how a candidate entered the system.
type Channel string

const (
	ChannelCommunity Channel = "community"
	ChannelScrape    Channel = "scrape"
	ChannelDiscovery Channel = "discovery"
)

// Candidate is a proposed funding opportunity awaiting a decision.
// Candidates are immutable once persisted; re-extraction produces a new
// candidate rather than editing an old one.
type Candidate struct {
	ID           string     `json:"id"`
	SourceID     string     `json:"source_id,omitempty"`
	Channel      Channel    `json:"channel"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Organization string     `json:"organization"`
	AmountMin    *float64   `json:"amount_min,omitempty"`
	AmountMax    *float64   `json:"amount_max,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	URL          string     `json:"url"`
	// Text is the raw page text handed to extraction agents when the caller
	// did not supply extraction results.
	Text        string             `json:"text,omitempty"`
	Extractions []ExtractionResult `json:"extractions,omitempty"`
	SubmittedAt time.Time          `json:"submitted_at"`

	// Populated by the fingerprint engine.
	URLKey      string    `json:"url_key,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	Embedding   []float32 `json:"-"`
}

// ReferenceDate is the date used to place the candidate on the timeline for
// windowed comparisons: its deadline when known, otherwise submission time.
func (c *Candidate) ReferenceDate() time.Time {
	if c.Deadline != nil {
		return c.Deadline.UTC()
	}
	return c.SubmittedAt.UTC()
}

// HasAmount reports whether at least one amount bound is set.
func (c *Candidate) HasAmount() bool {
	return c.AmountMin != nil || c.AmountMax != nil
}

// AmountRange returns the candidate's amount bounds, filling a missing bound
// from the other one.
func (c *Candidate) AmountRange() (AmountValue, bool) {
	switch {
	case c.AmountMin != nil && c.AmountMax != nil:
		return AmountValue{Min: *c.AmountMin, Max: *c.AmountMax}, true
	case c.AmountMin != nil:
		return AmountValue{Min: *c.AmountMin, Max: *c.AmountMin}, true
	case c.AmountMax != nil:
		return AmountValue{Min: *c.AmountMax, Max: *c.AmountMax}, true
	}
	return AmountValue{}, false
}

// ExtractionResult is one independent extractor pass over a candidate.
type ExtractionResult struct {
	Extractor   string                   `json:"extractor"`
	Fields      map[FieldName]FieldGuess `json:"fields"`
	ExtractedAt time.Time                `json:"extracted_at"`
}

// CandidateStatus tracks whether a candidate ended up in the canonical
// dataset.
type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "pending"
	CandidateAdmitted CandidateStatus = "admitted"
	CandidateRejected CandidateStatus = "rejected"
)

// AcceptedRecord is an admitted candidate as seen by the deduplication index.
type AcceptedRecord struct {
	ID            string     `json:"id"`
	CandidateID   string     `json:"candidate_id"`
	SourceID      string     `json:"source_id,omitempty"`
	URL           string     `json:"url"`
	URLKey        string     `json:"url_key"`
	ContentHash   string     `json:"content_hash"`
	Title         string     `json:"title"`
	Organization  string     `json:"organization"`
	AmountMin     *float64   `json:"amount_min,omitempty"`
	AmountMax     *float64   `json:"amount_max,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	Embedding     []float32  `json:"-"`
	ReferenceDate time.Time  `json:"reference_date"`
	AdmittedAt    time.Time  `json:"admitted_at"`
}

// AcceptedFrom builds the index entry for an admitted candidate.
func AcceptedFrom(c *Candidate, id string, at time.Time) AcceptedRecord {
	return AcceptedRecord{
		ID:            id,
		CandidateID:   c.ID,
		SourceID:      c.SourceID,
		URL:           c.URL,
		URLKey:        c.URLKey,
		ContentHash:   c.ContentHash,
		Title:         c.Title,
		Organization:  c.Organization,
		AmountMin:     c.AmountMin,
		AmountMax:     c.AmountMax,
		Deadline:      c.Deadline,
		Embedding:     c.Embedding,
		ReferenceDate: c.ReferenceDate(),
		AdmittedAt:    at,
	}
}

// CandidateSummary is the per-candidate slice of history the performance
// tracker aggregates over.
type CandidateSummary struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Relevance   *float64        `json:"relevance,omitempty"`
	IsDuplicate bool            `json:"is_duplicate"`
	Decision    Decision        `json:"decision"`
	Status      CandidateStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}
