package master

import (
	"github.com/duke-git/lancet/v2/slice"

	"yqhp/taskfarm/pkg/types"
)

// DefaultTransientKinds are the failure kinds retried when no policy is configured.
var DefaultTransientKinds = []string{
	types.KindWorkerLost,
	types.KindUnreachable,
	types.KindDispatchFailed,
	types.KindTimeout,
}

// RetryPolicy decides whether a failed attempt is worth another one.
type RetryPolicy struct {
	MaxAttempts    int
	TransientKinds []string
}

// NewRetryPolicy builds a policy. Empty kinds fall back to DefaultTransientKinds.
func NewRetryPolicy(maxAttempts int, transientKinds []string) RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if len(transientKinds) == 0 {
		transientKinds = DefaultTransientKinds
	}
	return RetryPolicy{MaxAttempts: maxAttempts, TransientKinds: slice.Unique(transientKinds)}
}

// IsTransient reports whether the failure kind is retryable.
func (p RetryPolicy) IsTransient(info *types.ErrorInfo) bool {
	if info == nil {
		return false
	}
	return slice.Contain(p.TransientKinds, info.Kind)
}

// ShouldRetry reports whether a task that has used attempts dispatches and
// just failed with info gets requeued.
func (p RetryPolicy) ShouldRetry(info *types.ErrorInfo, attempts int) bool {
	return p.IsTransient(info) && attempts < p.MaxAttempts
}
