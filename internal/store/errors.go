package store

import "errors"

var (
	ErrRunNotFound           = errors.New("store: run not found")
	ErrStepNotFound          = errors.New("store: step not found")
	ErrWorkflowNotFound      = errors.New("store: workflow not found")
	ErrStageRecordNotFound   = errors.New("store: stage record not found")
	ErrAwaitedReplyNotFound  = errors.New("store: awaited reply not found")
	ErrCapturedReplyNotFound = errors.New("store: captured reply not found")
	ErrUnsupportedDialect    = errors.New("store: unsupported dialect")
	ErrInvalidWorkflow       = errors.New("store: invalid workflow")
)
