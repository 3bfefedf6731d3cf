package core

// gc prunes message-log and decided-value state for instances older than
// height - depth, per spec §3's lifecycle rule and §9's "Garbage
// collection" design note (k ~= 10 trailing instances retained for
// catch-up).
func (i *IBFT) gc(height uint64) {
	i.messages.PruneByHeight(gcFloor(height, i.config.GCDepth))
	i.state.gcDecided(height, i.config.GCDepth)
}

func gcFloor(height, depth uint64) uint64 {
	if height <= depth {
		return 0
	}

	return height - depth
}
