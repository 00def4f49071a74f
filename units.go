package mixdown

import (
	"math"
	"strings"

	"golang.org/x/text/cases"
)

// MinDB is the level GainToDB reports for silence.
const MinDB = -100

func SamplesToTime(samples int64, sampleRate float64) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(samples) / sampleRate
}

func TimeToSamples(seconds, sampleRate float64) int64 {
	return int64(math.Round(seconds * sampleRate))
}

// PPQToTime converts a position in quarter notes to seconds.
func PPQToTime(ppq, bpm float64) float64 {
	return 60 * ppq / bpm
}

func TimeToPPQ(seconds, bpm float64) float64 {
	return seconds * bpm / 60
}

func DBToGain(db float32) float32 {
	if db <= MinDB {
		return 0
	}
	return float32(math.Pow(10, float64(db)/20))
}

func GainToDB(gain float32) float32 {
	if gain <= 0 {
		return MinDB
	}
	return max(float32(20*math.Log10(float64(gain))), MinDB)
}

// VelocityToGain maps a MIDI velocity to a linear gain with a squared
// response curve.
func VelocityToGain(velocity uint8) float32 {
	v := float32(min(velocity, 127)) / 127
	return v * v
}

// PanGains returns the constant-power gains for pan in [-1, 1]; left² +
// right² == 1 for every pan.
func PanGains(pan float32) (left, right float32) {
	pan = min(max(pan, -1), 1)
	theta := (float64(pan) + 1) * math.Pi / 4
	return float32(math.Cos(theta)), float32(math.Sin(theta))
}

// MatchDeviceName reports whether query is a case-insensitive prefix of
// name. An empty query matches nothing.
func MatchDeviceName(name, query string) bool {
	if query == "" {
		return false
	}
	fold := cases.Fold()
	return strings.HasPrefix(fold.String(name), fold.String(query))
}
