package model

import (
	"time"
)

// SourceState is a lifecycle state of a monitored source.
type SourceState string

const (
	StateSubmitted        SourceState = "submitted"
	StateValidating       SourceState = "validating"
	StateApprovedForPilot SourceState = "approved_for_pilot"
	StateManualReview     SourceState = "manual_review"
	StateRejected         SourceState = "rejected"
	StatePilotActive      SourceState = "pilot_active"
	StateExtendedPilot    SourceState = "extended_pilot"
	StateProductionActive SourceState = "production_active"
	StateDeprecated       SourceState = "deprecated"
)

// Active reports whether the source is still feeding candidates.
func (s SourceState) Active() bool {
	return s != StateRejected && s != StateDeprecated
}

// Monitored reports whether the source is in a state that gets scheduled
// reachability checks and performance windows.
func (s SourceState) Monitored() bool {
	switch s {
	case StatePilotActive, StateExtendedPilot, StateProductionActive:
		return true
	}
	return false
}

// Classification is the kind of origin a source is.
type Classification string

const (
	ClassFeed   Classification = "feed"
	ClassAPI    Classification = "api"
	ClassPage   Classification = "page"
	ClassPDF    Classification = "pdf"
	ClassSocial Classification = "social"
)

// ClassProfile is what a classification implies for monitoring.
type ClassProfile struct {
	Cadence             time.Duration
	ExpectedReliability float64
	// ExpectedMonthlyVolume is the number of opportunities a healthy source
	// of this kind yields per 30 days.
	ExpectedMonthlyVolume int
}

var classProfiles = map[Classification]ClassProfile{
	ClassFeed:   {Cadence: time.Hour, ExpectedReliability: 0.95, ExpectedMonthlyVolume: 20},
	ClassAPI:    {Cadence: 6 * time.Hour, ExpectedReliability: 0.98, ExpectedMonthlyVolume: 40},
	ClassPage:   {Cadence: 24 * time.Hour, ExpectedReliability: 0.90, ExpectedMonthlyVolume: 8},
	ClassPDF:    {Cadence: 7 * 24 * time.Hour, ExpectedReliability: 0.85, ExpectedMonthlyVolume: 3},
	ClassSocial: {Cadence: 12 * time.Hour, ExpectedReliability: 0.80, ExpectedMonthlyVolume: 15},
}

// Profile returns the monitoring profile for c, falling back to page.
func (c Classification) Profile() ClassProfile {
	if p, ok := classProfiles[c]; ok {
		return p
	}
	return classProfiles[ClassPage]
}

// SourceSubmission is what a submitter provides for a new source.
type SourceSubmission struct {
	Name             string         `json:"name"`
	URL              string         `json:"url"`
	OrganizationName string         `json:"organization_name"`
	OrganizationURL  string         `json:"organization_url"`
	SubmitterEmail   string         `json:"submitter_email"`
	SampleURLs       []string       `json:"sample_urls"`
	Classification   Classification `json:"classification,omitempty"`
}

// SourceRecord is a long-lived monitored origin. State transitions are its
// only mutation.
type SourceRecord struct {
	ID                  string            `json:"id"`
	Submission          SourceSubmission  `json:"submission"`
	Classification      Classification    `json:"classification"`
	State               SourceState       `json:"state"`
	Extensions          int               `json:"extensions"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Validation          *ValidationReport `json:"validation,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// CheckName names a source validation check.
type CheckName string

const (
	CheckReachability CheckName = "reachability"
	CheckRobots       CheckName = "robots"
	CheckAuthority    CheckName = "authority"
	CheckSamples      CheckName = "sample_relevance"
)

// CheckResult is one validation check outcome.
type CheckResult struct {
	Name   CheckName `json:"name"`
	Passed bool      `json:"passed"`
	Hard   bool      `json:"hard"`
	Weight float64   `json:"weight"`
	Note   string    `json:"note"`
}

// ValidationOutcome is the routing of a validated source.
type ValidationOutcome string

const (
	ValidationApproved     ValidationOutcome = "approved"
	ValidationManualReview ValidationOutcome = "manual_review"
	ValidationRejected     ValidationOutcome = "rejected"
)

// ValidationReport is the source validator's output. A failing report is a
// recoverable outcome surfaced to the submitter, not an error.
type ValidationReport struct {
	Checks      []CheckResult     `json:"checks"`
	Score       float64           `json:"score"`
	Outcome     ValidationOutcome `json:"outcome"`
	Failing     []CheckName       `json:"failing,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	ValidatedAt time.Time         `json:"validated_at"`
}

// WindowKind distinguishes the evaluation windows a source goes through.
type WindowKind string

const (
	WindowPilot      WindowKind = "pilot"
	WindowExtension  WindowKind = "extension"
	WindowProduction WindowKind = "production"
)

// WindowOutcome is the result recorded when a window closes.
type WindowOutcome string

const (
	WindowPending      WindowOutcome = "pending"
	WindowPassing      WindowOutcome = "passing"
	WindowFailing      WindowOutcome = "failing"
	WindowInconclusive WindowOutcome = "inconclusive"
)

// PilotWindow is one pilot_monitoring row. A source has at most one pending
// window at a time.
type PilotWindow struct {
	ID         string        `json:"id"`
	SourceID   string        `json:"source_id"`
	Kind       WindowKind    `json:"kind"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Outcome    WindowOutcome `json:"outcome"`
	SnapshotID string        `json:"snapshot_id,omitempty"`
	ClosedAt   *time.Time    `json:"closed_at,omitempty"`
}

// WindowClose closes the pending window with an outcome.
type WindowClose struct {
	WindowID   string
	Outcome    WindowOutcome
	SnapshotID string
}

// Transition is a complete, atomically applied lifecycle step. From is the
// state the caller observed; the store refuses the write if the source moved
// on in the meantime.
type Transition struct {
	SourceID            string
	From                SourceState
	To                  SourceState
	Reason              string
	At                  time.Time
	Extensions          int
	ConsecutiveFailures int
	Validation          *ValidationReport
	Snapshot            *PerformanceSnapshot
	CloseWindow         *WindowClose
	OpenWindow          *PilotWindow
	Review              *ReviewItem
	// Resolve closes the review item that prompted the transition.
	Resolve *ReviewResolution
}

// StateChange is one source_state_history row.
type StateChange struct {
	SourceID string      `json:"source_id"`
	From     SourceState `json:"from"`
	To       SourceState `json:"to"`
	Reason   string      `json:"reason"`
	At       time.Time   `json:"at"`
}

// ReviewKind says what a manual review item is about.
type ReviewKind string

const (
	ReviewSource    ReviewKind = "source"
	ReviewCandidate ReviewKind = "candidate"
)

// ReviewStatus is the state of a manual review item.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// ReviewItem is one manual_review_queue row.
type ReviewItem struct {
	ID         string       `json:"id"`
	Kind       ReviewKind   `json:"kind"`
	SubjectID  string       `json:"subject_id"`
	Priority   int          `json:"priority"`
	Reason     string       `json:"reason"`
	Details    []string     `json:"details,omitempty"`
	AssignedTo string       `json:"assigned_to,omitempty"`
	Status     ReviewStatus `json:"status"`
	Note       string       `json:"note,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// ReviewResolution closes a pending review item.
type ReviewResolution struct {
	ReviewID string
	Status   ReviewStatus
	Reviewer string
	Note     string
	At       time.Time
}

// MonitoringLog is one source_monitoring_logs row.
type MonitoringLog struct {
	ID         string        `json:"id"`
	SourceID   string        `json:"source_id"`
	CheckedAt  time.Time     `json:"checked_at"`
	Success    bool          `json:"success"`
	StatusCode int           `json:"status_code,omitempty"`
	Attempts   int           `json:"attempts"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// MonitoringStats aggregates monitoring logs over a window.
type MonitoringStats struct {
	Checks    int `json:"checks"`
	Successes int `json:"successes"`
}

// DedupStats aggregates dedup logs over a window.
type DedupStats struct {
	Checks     int `json:"checks"`
	Duplicates int `json:"duplicates"`
}
