// Package scheduler materializes persisted dispatch jobs into message
// pointers on the broker, honoring per-message-group FIFO ordering and the
// IMMEDIATE / NEXT_ON_ERROR / BLOCK_ON_ERROR failure modes.
package scheduler

import (
	"context"
	"log/slog"

	"go.flowcatalyst.tech/internal/dispatch"
)

// BlockChecker decides which message groups are halted by a terminal
// BLOCK_ON_ERROR failure.
type BlockChecker struct {
	jobRepo dispatch.Repository
}

// NewBlockChecker creates a new block checker.
func NewBlockChecker(jobRepo dispatch.Repository) *BlockChecker {
	return &BlockChecker{jobRepo: jobRepo}
}

// IsGroupBlocked returns true if the message group has an ERROR job whose
// mode is BLOCK_ON_ERROR.
func (c *BlockChecker) IsGroupBlocked(ctx context.Context, messageGroup string) bool {
	if messageGroup == "" {
		return false
	}

	blocked, err := c.jobRepo.HasErrorJobsInGroup(ctx, messageGroup)
	if err != nil {
		slog.Error("failed to check if group is blocked", "error", err, "messageGroup", messageGroup)
		// Fail open so one store error does not halt all dispatching.
		return false
	}
	return blocked
}

// GetBlockedGroups checks multiple message groups in one query and returns
// which are blocked.
func (c *BlockChecker) GetBlockedGroups(ctx context.Context, groups []string) map[string]bool {
	unique := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		if g != "" {
			unique[g] = struct{}{}
		}
	}
	if len(unique) == 0 {
		return map[string]bool{}
	}

	groupList := make([]string, 0, len(unique))
	for g := range unique {
		groupList = append(groupList, g)
	}

	blocked, err := c.jobRepo.GetBlockedMessageGroups(ctx, groupList)
	if err != nil {
		slog.Error("failed to get blocked message groups", "error", err, "groupCount", len(groupList))
		return map[string]bool{}
	}
	return blocked
}

// FilterBlocked splits jobs into dispatchable ones and those skipped because
// their group is blocked. IMMEDIATE jobs are never skipped: they opt out of
// group semantics entirely.
func (c *BlockChecker) FilterBlocked(ctx context.Context, jobs []*dispatch.Job) (allowed []*dispatch.Job, blockedGroups map[string]bool) {
	if len(jobs) == 0 {
		return jobs, map[string]bool{}
	}

	groups := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if job.Mode != dispatch.ModeImmediate {
			groups = append(groups, job.MessageGroup)
		}
	}

	blockedGroups = c.GetBlockedGroups(ctx, groups)
	if len(blockedGroups) == 0 {
		return jobs, blockedGroups
	}

	allowed = make([]*dispatch.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.Mode != dispatch.ModeImmediate && blockedGroups[job.MessageGroup] {
			slog.Debug("job skipped, group blocked by BLOCK_ON_ERROR failure",
				"jobId", job.ID, "messageGroup", job.MessageGroup)
			continue
		}
		allowed = append(allowed, job)
	}
	return allowed, blockedGroups
}
