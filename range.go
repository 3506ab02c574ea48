package xget

// planRanges implements the Range Planner (spec §4.1 "Planner rules").
//
// size is totalSize-start (already computed by the caller). chunks is the
// configured target parallelism. rangesSupported tells the planner whether
// the origin accepts byte-range requests at all.
func planRanges(start int64, size int64, chunks int, rangesSupported bool) (Plan, error) {
	if size < 0 {
		return nil, &RangeExceeded{Start: start, TotalSize: start + size}
	}
	if size == 0 {
		return Plan{}, nil
	}

	n := chunks
	if !rangesSupported {
		n = 1
	} else if size != Unknown && size < int64(chunks) {
		if size < 5 {
			n = 1
		} else {
			n = 5
		}
	}
	if n < 1 {
		n = 1
	}

	// Unknown total size only ever reaches here with n == 1 (the caller
	// forces rangesSupported == false whenever totalSize is unknown, since
	// a server that won't report a length can't usefully be chunked).
	if size == Unknown {
		return Plan{{Min: start, Max: Unknown}}, nil
	}

	plan := make(Plan, n)
	quotient := size / int64(n)
	from := start
	for i := 0; i < n; i++ {
		chunkSize := quotient
		if i == n-1 {
			chunkSize = size - quotient*int64(n-1)
		}
		plan[i] = Range{Min: from, Max: from + chunkSize - 1}
		from += chunkSize
	}
	return plan, nil
}
