// Package quota resolves an owner's plan and the limits that come with it.
package quota

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

type Plan string

const (
	PlanGuest Plan = "guest"
	PlanFree  Plan = "free"
	PlanPaid  Plan = "paid"
)

const (
	DefaultFreeBytes int64 = 10 * 1024 * 1024
	DefaultPaidBytes int64 = 100 * 1024 * 1024 * 1024
	MaxUploadBytes   int64 = 50 * 1024 * 1024
)

// ResolvePlan maps the identity's plan preference onto a plan. Signed in users
// without a paid plan are on the free plan.
func ResolvePlan(authenticated bool, planClaim string) Plan {
	if !authenticated {
		return PlanGuest
	}
	switch strings.ToLower(strings.TrimSpace(planClaim)) {
	case "paid", "pro", "premium":
		return PlanPaid
	default:
		return PlanFree
	}
}

func (p Plan) ThreadLimit() int {
	switch p {
	case PlanPaid:
		return 100
	case PlanFree:
		return 2
	default:
		return 1
	}
}

type Limits struct {
	FreeBytes int64
	PaidBytes int64
}

func (l Limits) BytesFor(p Plan) int64 {
	if p == PlanPaid {
		if l.PaidBytes > 0 {
			return l.PaidBytes
		}
		return DefaultPaidBytes
	}
	if l.FreeBytes > 0 {
		return l.FreeBytes
	}
	return DefaultFreeBytes
}

type ExceededError struct {
	Used      int64
	Attempted int64
	Limit     int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("storage limit exceeded: %s used + %s requested > %s",
		humanize.IBytes(uint64(max(e.Used, 0))),
		humanize.IBytes(uint64(max(e.Attempted, 0))),
		humanize.IBytes(uint64(max(e.Limit, 0))),
	)
}

// Check returns an *ExceededError when adding attempted bytes would take used
// over limit.
func Check(used, attempted, limit int64) error {
	if used+attempted > limit {
		return &ExceededError{Used: used, Attempted: attempted, Limit: limit}
	}
	return nil
}
