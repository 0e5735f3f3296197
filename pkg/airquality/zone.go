package airquality

import "fmt"

// Zone is a monitored city district, numbered 1 through 6.
type Zone int

// Zones lists every monitored zone.
var Zones = []Zone{1, 2, 3, 4, 5, 6}

var zoneNames = map[Zone]string{
	1: "Halytskyi",
	2: "Frankivskyi",
	3: "Zaliznychnyi",
	4: "Shevchenkivskyi",
	5: "Lychakivskyi",
	6: "Sykhivskyi",
}

// Valid reports whether z is one of the fixed zones.
func (z Zone) Valid() bool {
	_, ok := zoneNames[z]
	return ok
}

// Name returns the district name.
func (z Zone) Name() string {
	if n, ok := zoneNames[z]; ok {
		return n
	}
	return fmt.Sprintf("zone-%d", int(z))
}

func (z Zone) String() string { return fmt.Sprintf("%d", int(z)) }

// ValidateZone returns ErrUnknownZone for anything outside 1..6.
func ValidateZone(z Zone) error {
	if !z.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownZone, int(z))
	}
	return nil
}

// Horizon bounds in hours.
const (
	MinHorizon = 1
	MaxHorizon = 168
)

// ValidateHorizon returns ErrInvalidHorizon for hours outside [1,168].
func ValidateHorizon(hours int) error {
	if hours < MinHorizon || hours > MaxHorizon {
		return fmt.Errorf("%w: %d (want %d..%d)", ErrInvalidHorizon, hours, MinHorizon, MaxHorizon)
	}
	return nil
}
