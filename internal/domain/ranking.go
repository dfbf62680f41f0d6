package domain

import "sort"

// HitLess orders by score descending, then document ID and sequence
// ascending. Equal scores therefore always rank the same way.
func HitLess(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.DocumentID != b.DocumentID {
		return a.DocumentID < b.DocumentID
	}
	return a.Sequence < b.Sequence
}

// TopHits sorts hits in place and returns the first k.
func TopHits(hits []Hit, k int) []Hit {
	sort.Slice(hits, func(i, j int) bool { return HitLess(hits[i], hits[j]) })
	if k >= 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
