package registration

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/xid"
)

// DriverIDPrefix starts every driver id.
const DriverIDPrefix = "DR"

// IDGenerator produces driver record keys.
type IDGenerator interface {
	NewID() string
}

// TimestampIDs derives ids from the wall clock in milliseconds.
// Two registrations in the same millisecond get the same id.
type TimestampIDs struct {
	Now func() time.Time
}

func (g TimestampIDs) NewID() string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return DriverIDPrefix + strconv.FormatInt(now().UnixMilli(), 10)
}

// XIDs produces globally unique, time-sortable ids.
type XIDs struct{}

func (XIDs) NewID() string { return DriverIDPrefix + xid.New().String() }

// NewIDGenerator returns the generator for scheme: "timestamp" or "xid".
func NewIDGenerator(scheme string) (IDGenerator, error) {
	switch scheme {
	case "", "timestamp":
		return TimestampIDs{}, nil
	case "xid":
		return XIDs{}, nil
	}
	return nil, fmt.Errorf("unknown id scheme %q", scheme)
}
