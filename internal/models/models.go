package models

// All lists every persisted model, in dependency order, for AutoMigrate.
var All = []any{
	&Repository{},
	&Revision{},
	&Patch{},
	&Source{},
	&Project{},
	&ProjectOption{},
	&Plan{},
	&PlanOption{},
	&PlanStep{},
	&Build{},
	&BuildMessage{},
	&Job{},
	&JobPhase{},
	&JobStep{},
	&Command{},
	&Cluster{},
	&Node{},
	&Snapshot{},
	&SnapshotImage{},
	&CachedSnapshotImage{},
}

type Status string

const (
	StatusUnknown           Status = "unknown"
	StatusQueued            Status = "queued"
	StatusInProgress        Status = "in_progress"
	StatusFinished          Status = "finished"
	StatusPendingAllocation Status = "pending_allocation"
	StatusAllocated         Status = "allocated"
)

type Result string

const (
	ResultUnknown     Result = "unknown"
	ResultPassed      Result = "passed"
	ResultFailed      Result = "failed"
	ResultAborted     Result = "aborted"
	ResultInfraFailed Result = "infra_failed"
	ResultSkipped     Result = "skipped"
)

// resultPriority orders results from least to most severe when rolling up
// children into a parent.
var resultPriority = map[Result]int{
	ResultUnknown:     0,
	ResultSkipped:     1,
	ResultPassed:      2,
	ResultFailed:      3,
	ResultInfraFailed: 4,
	ResultAborted:     5,
}

// WorstResult returns the most severe of the given results.
func WorstResult(results ...Result) Result {
	worst := ResultUnknown
	for _, r := range results {
		if resultPriority[r] > resultPriority[worst] {
			worst = r
		}
	}
	return worst
}
