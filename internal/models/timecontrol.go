package models

// TimeControl defines a Fischer time control in seconds.
type TimeControl struct {
	InitialSec   int `json:"initial"`
	IncrementSec int `json:"increment"`
}

// InitialMs returns the starting bank in milliseconds.
func (tc TimeControl) InitialMs() int64 {
	return int64(tc.InitialSec) * 1000
}

// IncrementMs returns the per-move increment in milliseconds.
func (tc TimeControl) IncrementMs() int64 {
	return int64(tc.IncrementSec) * 1000
}

// DefaultTimeControl is used for matchmade games when neither player asked
// for anything else.
var DefaultTimeControl = TimeControl{InitialSec: 300, IncrementSec: 0} // 5+0

// Named presets accepted by join-queue and create-solo-game.
var timeControlPresets = map[string]TimeControl{
	"bullet":   {InitialSec: 60, IncrementSec: 0},
	"blitz":    {InitialSec: 180, IncrementSec: 2},
	"quick":    {InitialSec: 300, IncrementSec: 3},
	"standard": {InitialSec: 900, IncrementSec: 10},
	"casual":   {InitialSec: 1800, IncrementSec: 0},
}

// TimeControlPreset resolves a preset name. Unknown names return false.
func TimeControlPreset(name string) (TimeControl, bool) {
	tc, ok := timeControlPresets[name]
	return tc, ok
}
