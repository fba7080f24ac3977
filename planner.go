package dl

const bytesPerMB = 1024 * 1024

// PlanRanges partitions [0, total) into an ordered, contiguous,
// non-overlapping sequence of Ranges, per spec §4.3. It is a pure
// function: identical inputs always yield byte-identical outputs, and it
// never consults randomness of any kind.
//
// minPartMB is the minimum size (in megabytes) a part should be; maxParts
// bounds how many ranges are ever emitted.
func PlanRanges(total uint64, maxParts int, minPartMB uint64) Plan {
	return planRangesBytes(total, maxParts, minPartMB*bytesPerMB)
}

// planRangesBytes is PlanRanges expressed directly in bytes rather than
// megabytes, used internally by PlanRanges and directly by tests that
// exercise the remainder-distribution rule at byte granularity.
func planRangesBytes(total uint64, maxParts int, minPartBytes uint64) Plan {
	if total == 0 {
		return Plan{}
	}

	if total <= minPartBytes || minPartBytes == 0 || maxParts == 0 {
		return Plan{{Lo: 0, Hi: total - 1}}
	}

	numIdeal := total / minPartBytes
	numParts := numIdeal
	if numParts < 1 {
		numParts = 1
	}
	if numParts > uint64(maxParts) {
		numParts = uint64(maxParts)
	}

	base := total / numParts
	remainder := total % numParts

	plan := make(Plan, 0, numParts)
	var lo uint64
	for i := uint64(0); i < numParts; i++ {
		size := base
		if i < remainder {
			size++
		}
		hi := lo + size - 1
		plan = append(plan, Range{Lo: lo, Hi: hi})
		lo = hi + 1
	}
	return plan
}
