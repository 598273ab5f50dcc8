package ids

import "github.com/segmentio/ksuid"

// New returns a time-ordered unique id, used for tab identities.
func New() string {
	return ksuid.New().String()
}
