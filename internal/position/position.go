// Package position contains the player position tracker.
package position

import (
	"math"
)

// Position is a player position sample.
type Position struct {
	X float64
	Y float64
	Z float64

	// degrees, normalized to (-180, 180].
	Yaw   float64
	Pitch float64

	WorldID string
}

// Distance returns the 3-D euclidean distance between two positions.
// Positions in different worlds are infinitely far apart.
func Distance(a Position, b Position) float64 {
	if a.WorldID != b.WorldID {
		return math.Inf(1)
	}

	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z

	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func angleDelta(a float64, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}
