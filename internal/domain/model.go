package domain

import "time"

type JobID string

type Job struct {
	ID           JobID
	Name         string
	Dependencies []JobID
}

type BuildStatus string

const (
	StatusSuccess  BuildStatus = "SUCCESS"
	StatusFailure  BuildStatus = "FAILURE"
	StatusUnstable BuildStatus = "UNSTABLE"
	StatusAborted  BuildStatus = "ABORTED"
	StatusNotBuilt BuildStatus = "NOT_BUILT"
	StatusBuilding BuildStatus = "BUILDING"
	StatusPending  BuildStatus = "PENDING"
)

type BuildInfo struct {
	Number int64 `json:"number"`
	// Progress is 0-100. 0 means the build is not running (finished or never started).
	Progress int           `json:"progress"`
	Status   BuildStatus   `json:"status"`
	Title    string        `json:"title"`
	URL      string        `json:"url"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// StatusRecord is a snapshot returned by a single poll. It is never mutated,
// the next poll supersedes it.
type StatusRecord struct {
	ID    JobID     `json:"id"`
	Build BuildInfo `json:"build"`
}

func (r StatusRecord) Running() bool { return r.Build.Progress > 0 }

// PendingRef is the queue item id handed out by a trigger or a re-run, before
// the server has assigned a build number.
type PendingRef int64

// BuildNumber is a resolved build number. Zero means still pending.
type BuildNumber int64

type Phase string

const (
	PhaseResolve  Phase = "resolve"
	PhaseProgress Phase = "progress"
)

type SessionKey struct {
	Job   JobID
	Phase Phase
}

func (k SessionKey) String() string { return string(k.Job) + "/" + string(k.Phase) }

type RegionKind string

const (
	RegionBuildCard RegionKind = "build-card-container"
	RegionStatusBar RegionKind = "status-bar"
	RegionIcons     RegionKind = "icons"
)

type Region struct {
	Kind RegionKind
	Job  JobID
}

func (r Region) String() string { return string(r.Kind) + "-" + string(r.Job) }

type Markup string

const showStatusPrefix = "show-status-"

// ShowStatusEvent is the bus event that starts status tracking for a job.
func ShowStatusEvent(id JobID) string { return showStatusPrefix + string(id) }
