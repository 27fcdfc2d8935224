package store

import "time"

// StageStatus is the lifecycle state of a StageRecord
type StageStatus string

const (
	StagePending   StageStatus = "PENDING"
	StageSuccess   StageStatus = "SUCCESS"
	StageNextStage StageStatus = "NEXTSTAGE"
	StageDone      StageStatus = "DONE"
	StageFailed    StageStatus = "FAILED"
)

// Terminal reports whether no further transition leaves this status
func (s StageStatus) Terminal() bool {
	return s == StageSuccess || s == StageDone || s == StageFailed
}

// ReplyStatus is the lifecycle state of an AwaitedReply
type ReplyStatus string

const (
	ReplyCreated ReplyStatus = "CREATED"
	ReplyPending ReplyStatus = "PENDING"
	ReplySuccess ReplyStatus = "SUCCESS"
)

// Open reports whether the awaited reply can still be resolved
func (s ReplyStatus) Open() bool {
	return s == ReplyCreated || s == ReplyPending
}

// RunStatus is the coarse state of a run
type RunStatus string

const (
	RunActive    RunStatus = "ACTIVE"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Workflow is an ordered list of steps
type Workflow struct {
	ID        string
	Name      string
	Steps     []Step
	CreatedAt time.Time
}

// Step is one stage definition. Config is integration specific.
type Step struct {
	WorkflowID  string
	Index       int
	Integration string
	Config      map[string]any
}

// Run is one execution of a workflow
type Run struct {
	ID         string
	WorkflowID string
	Meta       map[string]any
	Status     RunStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StageRecord tracks the execution of one (run, stage) pair.
// ExternalMessageID correlates an outbound send with the reply that may
// resolve a later wait stage; its presence also marks a send as done.
type StageRecord struct {
	ID                string
	RunID             string
	StageIndex        int
	Integration       string
	Status            StageStatus
	ExternalMessageID string
	Participant       string
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AwaitedReply is created when a stage pauses for an external reply
type AwaitedReply struct {
	ID                string
	RunID             string
	StageIndex        int
	StageRecordID     string
	ExternalMessageID string
	Participant       string
	Status            ReplyStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CapturedReply is the immutable snapshot of a reply that resolved an
// AwaitedReply
type CapturedReply struct {
	ID             string
	AwaitedReplyID string
	RunID          string
	Participant    string
	Template       map[string]any
	CreatedAt      time.Time
}

// OutboxEntry is an envelope waiting to be published
type OutboxEntry struct {
	ID         int64
	RunID      string
	StageIndex int
	Payload    []byte
	CreatedAt  time.Time
}
