package wearbeat

import _ "embed"

// DefaultWalkScript is the simulation run by `wearbeat simulate` when no
// script is given. It walks a loop in central London while the heart rate
// climbs and settles.
//
//go:embed scripts/walk.lua
var DefaultWalkScript string
