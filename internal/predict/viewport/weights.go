package viewport

import (
	"math"

	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

const (
	// minWeight is the weight of an object directly behind the camera.
	// Off-screen objects still get fetched, just last.
	minWeight = 0.1

	// distanceScale is the distance (scene units) at which the proximity
	// factor halves.
	distanceScale = 10.0

	DefaultFOV = 90.0
)

// Object is an object's identity and world-space anchor.
type Object struct {
	ID       types.ObjectID
	Position types.Vec3
}

// Weights scores how likely each object is to be seen from pose.
//
// Objects inside the field of view score 1 before the proximity factor; the
// score then falls linearly with the angle outside it down to minWeight
// directly behind the camera. The proximity factor is 1/(1 + d/distanceScale).
// Without a pose (ok=false) every object weighs 1.
func Weights(pose types.Pose, ok bool, objects []Object, fovDeg float64) []float64 {
	weights := make([]float64, len(objects))
	if !ok {
		for i := range weights {
			weights[i] = 1
		}
		return weights
	}
	if fovDeg <= 0 || fovDeg > 360 {
		fovDeg = DefaultFOV
	}

	half := fovDeg / 2 * math.Pi / 180
	dir := pose.Direction()
	for i, obj := range objects {
		to := obj.Position.Sub(pose.Position)
		d := to.Norm()
		if d < 1e-9 {
			weights[i] = 1
			continue
		}

		cos := dir.Dot(to) / d
		angle := math.Acos(math.Max(-1, math.Min(1, cos)))

		vis := 1.0
		if angle > half {
			span := math.Pi - half
			if span <= 0 {
				vis = minWeight
			} else {
				vis = 1 - (1-minWeight)*(angle-half)/span
			}
		}
		weights[i] = vis / (1 + d/distanceScale)
	}
	return weights
}
