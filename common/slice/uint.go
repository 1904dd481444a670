package slice

// UniqueUint32 returns the distinct values of slice in first-seen order.
func UniqueUint32(slice []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(slice))
	out := make([]uint32, 0, len(slice))
	for _, s := range slice {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
