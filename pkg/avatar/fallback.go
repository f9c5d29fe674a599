package avatar

import (
	"math"
	"sync"
)

// Vec3 is a three-component vector (scale or Euler rotation in radians).
type Vec3 struct {
	X, Y, Z float64
}

// Neutral pose of the geometric fallback avatar.
var (
	NeutralMouthScale = Vec3{X: 1.5, Y: 0.5, Z: 0.5}
	neutralLeftArmZ   = math.Pi / 8
	neutralRightArmZ  = -math.Pi / 8
)

// speakingFloor is the amplitude below which the rig rests.
const speakingFloor = 0.1

// FallbackRig is the pose of the simple geometric avatar shown when no
// model with visemes could be loaded. It animates by scaling the mouth,
// nodding the head and swinging the upper arms.
type FallbackRig struct {
	mu           sync.RWMutex
	mouth        Vec3
	headRotation Vec3
	leftArmZ     float64
	rightArmZ    float64
}

// FallbackPose is a snapshot of a [FallbackRig].
type FallbackPose struct {
	Mouth        Vec3
	HeadRotation Vec3
	LeftArmZ     float64
	RightArmZ    float64
}

// NewFallbackRig returns a rig in the neutral pose.
func NewFallbackRig() *FallbackRig {
	r := &FallbackRig{}
	r.Reset()
	return r
}

// Update poses the rig for the given normalized amplitude. t is the
// animation phase; callers pass elapsed time in hundredths of a second.
func (r *FallbackRig) Update(amplitude, t float64) {
	if amplitude <= speakingFloor {
		r.Reset()
		return
	}
	open := math.Min(amplitude*3, 1)
	gesture := amplitude * 0.3

	r.mu.Lock()
	defer r.mu.Unlock()
	r.mouth.Y = 0.5 + open*1.5
	r.mouth.X = 1.5 + open*0.5
	r.headRotation.Y = math.Sin(t) * 0.02 * amplitude
	r.headRotation.X = math.Sin(t*0.7) * 0.01 * amplitude
	r.leftArmZ = neutralLeftArmZ + math.Sin(t*0.5)*gesture
	r.rightArmZ = neutralRightArmZ + math.Sin(t*0.3)*gesture
}

// Reset returns the rig to the neutral pose.
func (r *FallbackRig) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mouth = NeutralMouthScale
	r.headRotation = Vec3{}
	r.leftArmZ = neutralLeftArmZ
	r.rightArmZ = neutralRightArmZ
}

// Pose returns the current pose.
func (r *FallbackRig) Pose() FallbackPose {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return FallbackPose{
		Mouth:        r.mouth,
		HeadRotation: r.headRotation,
		LeftArmZ:     r.leftArmZ,
		RightArmZ:    r.rightArmZ,
	}
}
