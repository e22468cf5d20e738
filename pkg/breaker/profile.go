package breaker

import "time"

// Profile holds the thresholds a breaker trips on. Profiles are derived per
// endpoint from its observed success rate and the optimizer's bias, and are
// cached for Config.ProfileTTL.
type Profile struct {
	ErrorThresholdPercentage float64       `json:"error_threshold_percentage"`
	ResetTimeout             time.Duration `json:"reset_timeout"`
	VolumeThreshold          uint32        `json:"volume_threshold"`
}

// Bounds applied to every derived profile.
const (
	minErrorPercentage = 10
	maxErrorPercentage = 95
	minResetTimeout    = time.Second
	maxResetTimeout    = 10 * time.Minute
	minVolume          = 1
	maxVolume          = 200

	maxBias = 3
)

// deriveProfile adjusts the base profile for the observed success rate and
// the optimizer bias. Positive bias is stricter: lower error tolerance, a
// longer cool-down and more volume before the breaker is allowed to trip.
// Negative bias loosens in the opposite direction.
func deriveProfile(base Profile, successRate float64, requests uint64, bias int) Profile {
	p := base

	if requests >= uint64(base.VolumeThreshold) {
		switch {
		case successRate >= 0.99:
			p.ErrorThresholdPercentage += 10
		case successRate < 0.8:
			p.ErrorThresholdPercentage -= 10
			p.ResetTimeout = p.ResetTimeout * 3 / 2
		}
	}

	for i := 0; i < bias; i++ {
		p.ErrorThresholdPercentage -= 10
		p.ResetTimeout = p.ResetTimeout * 3 / 2
		p.VolumeThreshold += 5
	}
	for i := 0; i > bias; i-- {
		p.ErrorThresholdPercentage += 5
		p.ResetTimeout = p.ResetTimeout * 4 / 5
		if p.VolumeThreshold > 2 {
			p.VolumeThreshold -= 2
		}
	}

	return clampProfile(p, base)
}

func clampProfile(p, base Profile) Profile {
	floor := minResetTimeout
	if base.ResetTimeout < floor {
		floor = base.ResetTimeout
	}

	if p.ErrorThresholdPercentage < minErrorPercentage {
		p.ErrorThresholdPercentage = minErrorPercentage
	}
	if p.ErrorThresholdPercentage > maxErrorPercentage {
		p.ErrorThresholdPercentage = maxErrorPercentage
	}
	if p.ResetTimeout < floor {
		p.ResetTimeout = floor
	}
	if p.ResetTimeout > maxResetTimeout {
		p.ResetTimeout = maxResetTimeout
	}
	if p.VolumeThreshold < minVolume {
		p.VolumeThreshold = minVolume
	}
	if p.VolumeThreshold > maxVolume {
		p.VolumeThreshold = maxVolume
	}
	return p
}

// shouldTrip reports whether the rolling counts exceed the profile. An error
// rate equal to the threshold does not trip.
func (p Profile) shouldTrip(requests, failures uint32) bool {
	if requests == 0 || requests < p.VolumeThreshold {
		return false
	}
	return float64(failures)*100/float64(requests) > p.ErrorThresholdPercentage
}
