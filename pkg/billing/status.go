package billing

import "github.com/mihaimyh/goentitle/pkg/goentitle"

// Processor subscription statuses.
const (
	ProcessorStatusActive            = "active"
	ProcessorStatusTrialing          = "trialing"
	ProcessorStatusPastDue           = "past_due"
	ProcessorStatusUnpaid            = "unpaid"
	ProcessorStatusCanceled          = "canceled"
	ProcessorStatusIncomplete        = "incomplete"
	ProcessorStatusIncompleteExpired = "incomplete_expired"
	ProcessorStatusPaused            = "paused"
)

// MapProcessorStatus maps a processor subscription status onto a local status and tier.
//
// A processor-side trial on a paid subscription is paid access, so "trialing" maps to
// active; the local trialing status belongs to the local trial clock. Statuses without a
// local meaning pass through verbatim and the evaluator denies them.
func MapProcessorStatus(status string) (goentitle.Status, goentitle.Tier) {
	switch status {
	case ProcessorStatusActive, ProcessorStatusTrialing:
		return goentitle.StatusActive, goentitle.TierStandard
	case ProcessorStatusPastDue, ProcessorStatusUnpaid:
		return goentitle.StatusPastDue, goentitle.TierTrial
	case ProcessorStatusCanceled, string(goentitle.StatusCancelled):
		return goentitle.StatusCancelled, goentitle.TierTrial
	default:
		return goentitle.Status(status), goentitle.TierTrial
	}
}
