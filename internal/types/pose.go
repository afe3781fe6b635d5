package types

import "math"

// Vec3 is a point or direction in world space.
type Vec3 struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Dot returns the dot product.
func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

// Norm returns the euclidean length.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Pose is a camera position and orientation used for viewport prediction.
// Yaw and Pitch are in degrees; yaw 0 / pitch 0 looks down -Z.
type Pose struct {
	Position Vec3    `json:"position"`
	Yaw      float64 `json:"yaw"`
	Pitch    float64 `json:"pitch"`
}

// Direction returns the unit view direction of the pose.
func (p Pose) Direction() Vec3 {
	yaw := p.Yaw * math.Pi / 180
	pitch := p.Pitch * math.Pi / 180
	return Vec3{
		X: math.Sin(yaw) * math.Cos(pitch),
		Y: math.Sin(pitch),
		Z: -math.Cos(yaw) * math.Cos(pitch),
	}
}
