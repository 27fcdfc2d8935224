// Package runstate owns the status transitions of stage records and awaited
// replies. All writes go through store.Queries so callers decide the
// transaction boundary.
package runstate

import (
	"github.com/glimte/stagerelay/internal/store"
)

// ValidStageTransitions lists the statuses each stage status may move to
var ValidStageTransitions = map[store.StageStatus][]store.StageStatus{
	store.StagePending:   {store.StageSuccess, store.StageNextStage, store.StageFailed},
	store.StageNextStage: {store.StageDone, store.StageFailed},
}

// ValidReplyTransitions lists the statuses each awaited reply status may move to
var ValidReplyTransitions = map[store.ReplyStatus][]store.ReplyStatus{
	store.ReplyCreated: {store.ReplyPending, store.ReplySuccess},
	store.ReplyPending: {store.ReplySuccess},
}

// CanTransitionStage reports whether from -> to is allowed
func CanTransitionStage(from, to store.StageStatus) bool {
	for _, allowed := range ValidStageTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanTransitionReply reports whether from -> to is allowed
func CanTransitionReply(from, to store.ReplyStatus) bool {
	for _, allowed := range ValidReplyTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Advanceable reports whether a run may move past a stage in this status
func Advanceable(s store.StageStatus) bool {
	return s == store.StageSuccess || s == store.StageNextStage || s == store.StageDone
}
