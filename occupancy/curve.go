package occupancy

// Point is the occupancy of one candidate block size.
type Point struct {
	BlockSize               int     `json:"block_size"`
	BlocksPerMultiprocessor int     `json:"blocks_per_mp"`
	ActiveThreads           int     `json:"active_threads_per_mp"`
	Occupancy               float64 `json:"occupancy"` // Fraction of thread slots in use
}

// Curve evaluates every candidate block size considered by
// BlockSizeWithMaximalOccupancy, smallest first. Unlike the search it
// never stops early.
func Curve(l DeviceLimits, fp KernelFootprint, dynamicSmemPerThread int) []Point {
	if l.Validate() != nil {
		return nil
	}
	largest := blockLimit(l, fp) / l.WarpSize * l.WarpSize

	var points []Point
	for blockSize := l.WarpSize; blockSize <= largest; blockSize += l.WarpSize {
		blocks := MaxActiveBlocksPerMultiprocessor(l, fp, blockSize, dynamicSmemPerThread*blockSize)
		points = append(points, Point{
			BlockSize:               blockSize,
			BlocksPerMultiprocessor: blocks,
			ActiveThreads:           blocks * blockSize,
			Occupancy:               float64(blocks*blockSize) / float64(l.MaxThreadsPerMultiprocessor),
		})
	}
	return points
}
