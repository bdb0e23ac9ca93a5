package kernels

// Candidate sources.
const (
	SourceTemporal     = "temporal"
	SourcePreviousGrid = "previous_grid"
	SourceCurrentGrid  = "current_grid"
)

// Candidate outcomes.
const (
	OutcomeAccepted         = "accepted"
	OutcomeRejectedNormal   = "rejected_normal"
	OutcomeRejectedDepth    = "rejected_depth"
	OutcomeRejectedChecksum = "rejected_checksum"
	OutcomeRejectedInvalid  = "rejected_invalid"
)

type outcome uint8

const (
	accepted outcome = iota
	rejectedNormal
	rejectedDepth
	rejectedChecksum
	rejectedInvalid
)

func (o outcome) String() string {
	switch o {
	case accepted:
		return OutcomeAccepted
	case rejectedNormal:
		return OutcomeRejectedNormal
	case rejectedDepth:
		return OutcomeRejectedDepth
	case rejectedChecksum:
		return OutcomeRejectedChecksum
	default:
		return OutcomeRejectedInvalid
	}
}

// CandidateStats counts candidates of one source by outcome.
type CandidateStats struct {
	Accepted         uint64
	RejectedNormal   uint64
	RejectedDepth    uint64
	RejectedChecksum uint64
	RejectedInvalid  uint64
}

// Rejected returns the number of rejected candidates.
func (c CandidateStats) Rejected() uint64 {
	return c.RejectedNormal + c.RejectedDepth + c.RejectedChecksum + c.RejectedInvalid
}

// ByOutcome returns the counts keyed by outcome label.
func (c CandidateStats) ByOutcome() map[string]uint64 {
	return map[string]uint64{
		OutcomeAccepted:         c.Accepted,
		OutcomeRejectedNormal:   c.RejectedNormal,
		OutcomeRejectedDepth:    c.RejectedDepth,
		OutcomeRejectedChecksum: c.RejectedChecksum,
		OutcomeRejectedInvalid:  c.RejectedInvalid,
	}
}

func (c *CandidateStats) add(o CandidateStats) {
	c.Accepted += o.Accepted
	c.RejectedNormal += o.RejectedNormal
	c.RejectedDepth += o.RejectedDepth
	c.RejectedChecksum += o.RejectedChecksum
	c.RejectedInvalid += o.RejectedInvalid
}

func (c *CandidateStats) count(o outcome) {
	switch o {
	case accepted:
		c.Accepted++
	case rejectedNormal:
		c.RejectedNormal++
	case rejectedDepth:
		c.RejectedDepth++
	case rejectedChecksum:
		c.RejectedChecksum++
	default:
		c.RejectedInvalid++
	}
}

// ResampleStats summarizes one resampling pass.
type ResampleStats struct {
	Temporal     CandidateStats
	PreviousGrid CandidateStats
	CurrentGrid  CandidateStats

	// Skipped counts pixels kept at their initial reservoir because they
	// had no hit or were below the roughness threshold.
	Skipped uint64
}

// BySource returns the per-source counts keyed by source label.
func (s ResampleStats) BySource() map[string]CandidateStats {
	return map[string]CandidateStats{
		SourceTemporal:     s.Temporal,
		SourcePreviousGrid: s.PreviousGrid,
		SourceCurrentGrid:  s.CurrentGrid,
	}
}

// Add accumulates o into s.
func (s *ResampleStats) Add(o ResampleStats) {
	s.Temporal.add(o.Temporal)
	s.PreviousGrid.add(o.PreviousGrid)
	s.CurrentGrid.add(o.CurrentGrid)
	s.Skipped += o.Skipped
}
