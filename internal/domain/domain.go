package domain

import (
	"time"
)

// Issue states reported by the tracker. Anything other than StateClosed counts as open.
const (
	StateOpened = "opened"
	StateClosed = "closed"
)

// WorkItem is an issue as fetched from the tracker for one reporting request.
type WorkItem struct {
	ID       int64      `json:"id"`
	IID      int64      `json:"iid"`
	Title    string     `json:"title"`
	State    string     `json:"state" enum:"opened,closed"`
	WebURL   string     `json:"web_url,omitempty"`
	Labels   []string   `json:"labels"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// GroupEntry is the projection of a WorkItem kept inside a Group.
type GroupEntry struct {
	IID    int64  `json:"iid"`
	Title  string `json:"title"`
	State  string `json:"state"`
	WebURL string `json:"web_url,omitempty"`
	// Seq is the item's position in the fetched list.
	Seq int `json:"seq"`
}

func (e GroupEntry) Closed() bool { return e.State == StateClosed }

type Group struct {
	Name  string       `json:"name"`
	Items []GroupEntry `json:"items"`
}

type ScopeKind string

const (
	ScopeIteration ScopeKind = "iteration"
	ScopeMilestone ScopeKind = "milestone"
	ScopeRange     ScopeKind = "range"
)

func (k ScopeKind) Valid() bool {
	switch k {
	case ScopeIteration, ScopeMilestone, ScopeRange:
		return true
	}
	return false
}

// Scope identifies the iteration, milestone or date range a report covers.
type Scope struct {
	Kind  ScopeKind `json:"kind" enum:"iteration,milestone,range"`
	ID    int64     `json:"id,omitempty"`
	Title string    `json:"title,omitempty"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Phase is where a period sits relative to now.
type Phase string

const (
	PhaseUpcoming Phase = "opened"
	PhaseCurrent  Phase = "current"
	PhaseClosed   Phase = "closed"
)

// Tense is the verb phrase used when describing work in this phase.
func (p Phase) Tense() string {
	switch p {
	case PhaseUpcoming:
		return "will be working"
	case PhaseCurrent:
		return "is working"
	default:
		return "worked"
	}
}

// PhaseAt derives the phase of [start, end] at instant now.
func PhaseAt(start, end, now time.Time) Phase {
	switch {
	case !start.IsZero() && now.Before(start):
		return PhaseUpcoming
	case !end.IsZero() && now.After(end):
		return PhaseClosed
	default:
		return PhaseCurrent
	}
}

// Period is the context a report is generated for.
type Period struct {
	Name             string    `json:"name"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	ExistingReportID string    `json:"existing_report_id,omitempty"`
	Phase            Phase     `json:"phase,omitempty" enum:"opened,current,closed"`
	Scope            Scope     `json:"scope"`
}

// Summaries maps group name to generated text. A missing key means no summary yet.
type Summaries map[string]string

func (s Summaries) Clone() Summaries {
	out := make(Summaries, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// RenderedReport is one full rendering of a report and the iids it describes.
type RenderedReport struct {
	Body string  `json:"body"`
	IIDs []int64 `json:"iids"`
}

// Snapshot is emitted after every enrichment step.
type Snapshot struct {
	Report    RenderedReport `json:"report"`
	Summaries Summaries      `json:"summaries"`
	Group     string         `json:"group"`
	Step      int            `json:"step"`
	Total     int            `json:"total"`
	Failed    bool           `json:"failed"`
}

// LinkSet holds the iids already linked to a record.
type LinkSet map[int64]struct{}

func (s LinkSet) Has(iid int64) bool {
	_, ok := s[iid]
	return ok
}

// RecordRef points at the remote issue hosting a report.
type RecordRef struct {
	ID     int64  `json:"id"`
	IID    int64  `json:"iid"`
	WebURL string `json:"web_url"`
}

// NewRecord is the payload for creating a report record.
type NewRecord struct {
	Title       string
	Body        string
	Labels      []string
	IterationID int64
	MilestoneID int64
}

type ReconcileMode string

const (
	ModeCreate ReconcileMode = "create"
	ModeUpdate ReconcileMode = "update"
)

type LinkFailure struct {
	TargetIID int64  `json:"target_iid"`
	Error     string `json:"error"`
}

type ReconcileResult struct {
	Mode        ReconcileMode `json:"mode" enum:"create,update"`
	RecordIID   int64         `json:"record_iid"`
	RecordURL   string        `json:"record_url"`
	LinkedCount int           `json:"linked_count"`
	Skipped     int           `json:"skipped"`
	Linked      []int64       `json:"linked"`
	Failures    []LinkFailure `json:"failures,omitempty"`
}

// Iteration and Milestone are scope candidates listed from the tracker.
type Iteration struct {
	ID        int64     `json:"id"`
	IID       int64     `json:"iid"`
	Title     string    `json:"title"`
	State     int       `json:"state"`
	StartDate time.Time `json:"start_date"`
	DueDate   time.Time `json:"due_date"`
	WebURL    string    `json:"web_url,omitempty"`
}

type Milestone struct {
	ID        int64     `json:"id"`
	IID       int64     `json:"iid"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	StartDate time.Time `json:"start_date"`
	DueDate   time.Time `json:"due_date"`
	WebURL    string    `json:"web_url,omitempty"`
}

// Draft is a persisted report in progress.
type Draft struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	Period     Period     `json:"period"`
	Items      []WorkItem `json:"items"`
	Groups     []Group    `json:"groups"`
	Summaries  Summaries  `json:"summaries"`
	Body       string     `json:"body"`
	IIDs       []int64    `json:"iids"`
	Edited     bool       `json:"edited"`
	Generation int64      `json:"generation"`
	RecordIID  *int64     `json:"record_iid,omitempty"`
	RecordURL  *string    `json:"record_url,omitempty"`
	CreatedAt  string     `json:"created_at" format:"date-time"`
	UpdatedAt  string     `json:"updated_at" format:"date-time"`
}

type LinkAttempt struct {
	ID        int64  `json:"id"`
	DraftID   string `json:"draft_id"`
	RecordIID int64  `json:"record_iid"`
	TargetIID int64  `json:"target_iid"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	TS        string `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// IssueDraft is an AI-drafted issue.
type IssueDraft struct {
	Title              string `json:"title"`
	Description        string `json:"description"`
	AcceptanceCriteria string `json:"acceptanceCriteria,omitempty"`
	Dependencies       string `json:"dependencies,omitempty"`
}
