package database

import "time"

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusPartial = "partial"
)

// Trigger sources for a run.
const (
	TriggerScheduler = "scheduler"
	TriggerManual    = "manual"
	TriggerBackfill  = "backfill"
)

// Event types.
const (
	EventCollectionComplete = "collection_complete"
	EventCollectionFailed   = "collection_failed"
	EventScheduleOverdue    = "schedule_overdue"
	EventDataAnomaly        = "data_anomaly"
	// EventRunSkipped records an overlap no-op: a trigger arrived while a
	// run was already in flight. Kept distinct so collection_complete stays
	// exactly-once per successful run.
	EventRunSkipped = "run_skipped"
)

// Event priorities.
const (
	PriorityCritical  = 1
	PriorityImportant = 2
	PriorityInfo      = 3
)

// Context sources.
const (
	SourceAnalyst  = "analyst"
	SourceComputed = "computed"
)

// RunRecord is one execution attempt of a collector. Append-only: created
// with status running, updated exactly once when it finishes.
type RunRecord struct {
	ID            int64
	CollectorID   string
	StartedAt     time.Time
	FinishedAt    *time.Time
	Status        string
	RowsCollected int
	RowsNew       int
	ErrorMessage  *string
	DataPeriod    *string
	IsNewData     bool
	TriggeredBy   string
	KeyMetric     *float64
	RowKeys       []string
}

// Event is one notification row. Append-only; only the acknowledged flag is
// ever mutated.
type Event struct {
	ID           int64
	Type         string
	Time         time.Time
	Source       string
	Summary      string
	Details      *string
	Priority     int
	Acknowledged bool
}

// GraphNode is a domain entity in the knowledge graph.
type GraphNode struct {
	ID         int64
	Key        string
	Type       string // commodity, data_series, model, region, policy, seasonal_event, market_participant
	Label      string
	Properties map[string]any
}

// GraphEdge is a directed relationship between two nodes, addressed by row
// ids so cyclic relationships are just ordinary rows.
type GraphEdge struct {
	ID           int64
	SourceNodeID int64
	TargetNodeID int64
	Type         string // causes, competes_with, substitutes, seasonal_pattern, risk_threshold, cross_market, triggers
	Weight       float64
	Confidence   float64
	Properties   map[string]any
	CreatedBy    string
}

// GraphContext is one piece of interpretive context attached to a node.
// Computed rows are fully replaced per (node, type, key) on recomputation;
// analyst rows are never touched by the enrichment engine.
type GraphContext struct {
	ID             int64
	NodeID         int64
	Type           string // seasonal_norm, pace_tracking, risk_threshold, expert_rule, historical_analog
	Key            string
	Value          string // JSON payload
	ApplicableWhen *string
	Source         string
	LastUpdated    time.Time
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalRuns      int
	SuccessfulRuns int
	FailedRuns     int
	UnackedEvents  int
	Nodes          int
	Edges          int
	Contexts       int
}
