package session

import "github.com/breeze-rmm/sessionguard/pkg/api"

// State is the coordinator's lifecycle state.
type State int32

const (
	Unregistered State = iota
	Registering
	Active
	LoggingOut
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	case Active:
		return "active"
	case LoggingOut:
		return "logging_out"
	default:
		return "unknown"
	}
}

// Invalidation reasons. The first five come from the authority; the last
// two are derived locally.
const (
	ReasonSessionNotFound    = api.ReasonSessionNotFound
	ReasonSessionExpired     = api.ReasonSessionExpired
	ReasonIPCountryChanged   = api.ReasonIPCountryChanged
	ReasonNewLogin           = api.ReasonNewLogin
	ReasonAuthSessionExpired = api.ReasonAuthSessionExpired
	ReasonNoToken            = api.ReasonNoToken
	ReasonSignedOut          = "signed_out"
)

// Details carries the extra context some reasons need for their message.
type Details struct {
	OriginalCountry string
	CurrentCountry  string
}

// Silent reports whether a teardown for reason should happen without
// telling the user.
func Silent(reason string) bool {
	return reason == ReasonAuthSessionExpired || reason == ReasonSignedOut
}

// escalates reports whether a valid:false from the validate call should
// end the session.
func escalates(reason string) bool {
	return reason != ReasonNoToken && reason != ReasonAuthSessionExpired
}
