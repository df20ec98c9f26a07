// Package capabilities manages the session's permission sets. Roles
// request capabilities through notes-patch actions; only an explicit
// grant moves a capability into the granted set, and granted and
// pending are kept disjoint.
package capabilities

import (
	"strings"

	"github.com/haasonsaas/spectator/pkg/models"
)

// Action prefixes recognized by Apply. ActionClearPending is matched
// exactly, the others carry a capability after the colon.
const (
	ActionRequestPrefix = "request_permission:"
	ActionGrantPrefix   = "grant_permission:"
	ActionRevokePrefix  = "revoke_permission:"
	ActionClearPending  = "clear_pending"
)

// Ignore reasons reported for actions Apply could not process.
const (
	ReasonEmptyCapability = "empty_capability"
	ReasonUnknownAction   = "unknown_action"
)

// Sets is a snapshot of the granted and pending lists.
type Sets struct {
	Granted []string `json:"granted"`
	Pending []string `json:"pending"`
}

// IgnoredAction names an action Apply skipped and why.
type IgnoredAction struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// Report describes one Apply invocation.
type Report struct {
	Before  Sets            `json:"before"`
	After   Sets            `json:"after"`
	Applied []string        `json:"applied"`
	Ignored []IgnoredAction `json:"ignored"`
}

// Apply processes permission actions against the state in order.
// Requests and grants are idempotent; malformed actions are reported,
// never fatal. Applied records only the actions that changed state, so
// a repeated grant shows up once. Granted and pending are disjoint on
// return.
func Apply(s *models.State, actions []string) Report {
	r := Report{
		Before:  snapshot(s),
		Applied: []string{},
		Ignored: []IgnoredAction{},
	}
	for _, action := range actions {
		switch {
		case action == ActionClearPending:
			if len(s.CapabilitiesPending) > 0 {
				s.CapabilitiesPending = []string{}
				r.Applied = append(r.Applied, action)
			}

		case strings.HasPrefix(action, ActionRequestPrefix):
			cap := strings.TrimSpace(strings.TrimPrefix(action, ActionRequestPrefix))
			if cap == "" {
				r.Ignored = append(r.Ignored, IgnoredAction{Action: action, Reason: ReasonEmptyCapability})
				continue
			}
			if !contains(s.CapabilitiesGranted, cap) && !contains(s.CapabilitiesPending, cap) {
				s.CapabilitiesPending = append(s.CapabilitiesPending, cap)
				r.Applied = append(r.Applied, action)
			}

		case strings.HasPrefix(action, ActionGrantPrefix):
			cap := strings.TrimSpace(strings.TrimPrefix(action, ActionGrantPrefix))
			if cap == "" {
				r.Ignored = append(r.Ignored, IgnoredAction{Action: action, Reason: ReasonEmptyCapability})
				continue
			}
			changed := false
			if !contains(s.CapabilitiesGranted, cap) {
				s.CapabilitiesGranted = append(s.CapabilitiesGranted, cap)
				changed = true
			}
			if contains(s.CapabilitiesPending, cap) {
				s.CapabilitiesPending = remove(s.CapabilitiesPending, cap)
				changed = true
			}
			if changed {
				r.Applied = append(r.Applied, action)
			}

		case strings.HasPrefix(action, ActionRevokePrefix):
			cap := strings.TrimSpace(strings.TrimPrefix(action, ActionRevokePrefix))
			if cap == "" {
				r.Ignored = append(r.Ignored, IgnoredAction{Action: action, Reason: ReasonEmptyCapability})
				continue
			}
			if contains(s.CapabilitiesGranted, cap) {
				s.CapabilitiesGranted = remove(s.CapabilitiesGranted, cap)
				r.Applied = append(r.Applied, action)
			}

		default:
			r.Ignored = append(r.Ignored, IgnoredAction{Action: action, Reason: ReasonUnknownAction})
		}
	}

	// Grants may have landed on capabilities still listed as pending.
	filtered := make([]string, 0, len(s.CapabilitiesPending))
	for _, cap := range s.CapabilitiesPending {
		if !contains(s.CapabilitiesGranted, cap) {
			filtered = append(filtered, cap)
		}
	}
	s.CapabilitiesPending = filtered

	r.After = snapshot(s)
	return r
}

// AllowNet reports whether a request to domain is permitted: either the
// exact "net:<domain>" capability is granted, or the broad "net"
// capability is granted and the domain passes the allowlist (when
// enabled). Callers pass the domain lowercased; allowlist entries are
// expected lowercase as well.
func AllowNet(granted []string, domain string, allowlistEnabled bool, allowlist []string) bool {
	if contains(granted, "net:"+domain) {
		return true
	}
	if !contains(granted, "net") {
		return false
	}
	if !allowlistEnabled {
		return true
	}
	return contains(allowlist, domain)
}

func snapshot(s *models.State) Sets {
	return Sets{
		Granted: append([]string{}, s.CapabilitiesGranted...),
		Pending: append([]string{}, s.CapabilitiesPending...),
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func remove(xs []string, x string) []string {
	out := make([]string, 0, len(xs))
	for _, v := range xs {
		if v != x {
			out = append(out, v)
		}
	}
	return out
}
