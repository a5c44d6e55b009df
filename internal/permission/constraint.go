// Package permission decides whether a caller may invoke a function:
// the resolver caches per-(user, app) grant rows and the evaluator
// applies their constraints. The evaluator is pure; everything stateful
// stays in the resolver.
package permission

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/ultralight-ai/mcp-host/internal/store"
)

// Decision is the evaluator's verdict. Reason is safe to show to
// developers; it never contains row contents beyond what the caller
// already supplied.
type Decision struct {
	Allowed bool
	Reason  string
}

func deny(reason string) Decision { return Decision{Reason: reason} }

var admit = Decision{Allowed: true}

// Check applies a row's constraints in fixed order: expiry, IP
// allowlist, time window, budget, argument whitelist. First failure
// wins. Pure: same inputs, same decision. Rows living in a shared
// snapshot mutate under the snapshot lock, so they reach Check through
// Resolver.Admit rather than directly.
func Check(row *store.PermissionRow, clientIP string, now time.Time, args map[string]any) Decision {
	if row.ExpiresAt != nil && !now.Before(*row.ExpiresAt) {
		return deny("expired")
	}

	if len(row.AllowedIPs) > 0 && clientIP != "" {
		if !ipAllowed(row.AllowedIPs, clientIP) {
			return deny(fmt.Sprintf("IP %s not in allowlist", clientIP))
		}
	}

	if row.TimeWindow != nil {
		if !inWindow(row.TimeWindow, now) {
			return deny("outside allowed time window")
		}
	}

	if row.BudgetLimit != nil && row.BudgetUsed >= *row.BudgetLimit {
		return deny("budget exhausted")
	}

	if len(row.AllowedArgs) > 0 && len(args) > 0 {
		if d := checkArgs(row.AllowedArgs, args); !d.Allowed {
			return d
		}
	}

	return admit
}

// ipAllowed matches clientIP against entries that are either exact IPv4
// addresses or IPv4 CIDRs. Malformed entries never match.
func ipAllowed(entries []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil || ip.To4() == nil {
		return false
	}
	for _, entry := range entries {
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			if ipnet.IP.To4() != nil && ipnet.Contains(ip) {
				return true
			}
			continue
		}
		if exact := net.ParseIP(entry); exact != nil && exact.To4() != nil && exact.Equal(ip) {
			return true
		}
	}
	return false
}

// inWindow evaluates the row's local-time window. An unknown timezone
// falls back to UTC rather than denying.
func inWindow(w *store.TimeWindow, now time.Time) bool {
	loc := time.UTC
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	if len(w.Days) > 0 {
		weekday := int(local.Weekday()) // 0=Sunday .. 6=Saturday
		found := false
		for _, d := range w.Days {
			if d == weekday {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	hour := local.Hour()
	if w.StartHour < w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	// start >= end wraps past midnight.
	return hour >= w.StartHour || hour < w.EndHour
}

// checkArgs validates supplied args against the whitelist. Parameters
// the whitelist does not mention are unrestricted; a mentioned
// parameter must supply one of the listed scalars. Names are visited
// in sorted order so the denial reason is deterministic.
func checkArgs(allowed map[string][]any, args map[string]any) Decision {
	names := make([]string, 0, len(allowed))
	for name := range allowed {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value, present := args[name]
		if !present {
			continue
		}
		ok := false
		for _, candidate := range allowed[name] {
			if scalarEqual(candidate, value) {
				ok = true
				break
			}
		}
		if !ok {
			return deny(fmt.Sprintf("argument %s=%v not allowed", name, value))
		}
	}
	return admit
}

// scalarEqual is strict equality on the scalar types JSON can carry.
// Composite values never compare equal.
func scalarEqual(a, b any) bool {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	default:
		return false
	}
}

// PeriodStart computes the informational start of a budget period in
// UTC. Unknown periods behave as lifetime.
func PeriodStart(period string, now time.Time) time.Time {
	utc := now.UTC()
	switch period {
	case "hour":
		return utc.Truncate(time.Hour)
	case "day":
		return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	case "week":
		day := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
		return day.AddDate(0, 0, -int(day.Weekday())) // previous or same Sunday
	case "month":
		return time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // lifetime
		return time.Unix(0, 0).UTC()
	}
}
