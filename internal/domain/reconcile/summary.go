package reconcile

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Summary reports the outcome of a run.
type Summary struct {
	RunID     uuid.UUID
	DryRun    bool
	Processed int
	Corrected int // decisions carrying a correction
	Applied   int // corrections that changed at least one row
	NoOp      int // corrections whose guarded updates matched nothing
	Planned   int // corrections logged but not executed (dry run)
	Failed    int // corrections whose update returned an error
	ByReason  map[Reason]int
	Review    []Decision // unresolved orders for manual follow-up
}

func newSummary(runID uuid.UUID, dryRun bool) *Summary {
	return &Summary{
		RunID:    runID,
		DryRun:   dryRun,
		ByReason: make(map[Reason]int),
	}
}

func (s *Summary) record(d Decision) {
	s.Processed++
	s.ByReason[d.Reason]++
	if d.Corrects() {
		s.Corrected++
	}
	if d.NeedsReview {
		s.Review = append(s.Review, d)
	}
}

// String renders the summary for the end-of-run log.
func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s", s.RunID)
	if s.DryRun {
		b.WriteString(" (dry run)")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Orders processed: %d\n", s.Processed)
	fmt.Fprintf(&b, "Corrections: %d (applied %d, already changed %d, planned %d, failed %d)\n",
		s.Corrected, s.Applied, s.NoOp, s.Planned, s.Failed)

	b.WriteString("\nDecisions by reason:\n")
	for _, r := range Reasons() {
		if n := s.ByReason[r]; n > 0 {
			fmt.Fprintf(&b, "- %s: %d\n", r, n)
		}
	}

	if len(s.Review) > 0 {
		fmt.Fprintf(&b, "\nManual review (%d):\n", len(s.Review))
		for _, d := range s.Review {
			fmt.Fprintf(&b, "- order %d sku=%s amount=%q country=%s: %s\n",
				d.OrderID, d.SKU, d.OriginalAmount, d.Country, d.Detail)
		}
	}
	return b.String()
}
