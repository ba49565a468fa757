package policy

import (
	"net/netip"
	"strings"
	"time"

	"github.com/firezone/firezone-sub012/internal/model"
)

// evalCondition checks one condition. expires is non-zero only when the
// condition passes and imposes a deadline (time windows).
func evalCondition(c *model.Condition, in Input, regions RegionLookup) (ok bool, expires time.Time) {
	switch c.Property {
	case model.ConditionAuthProviderID:
		return matchSet(c.Operator, in.AuthProviderID.String(), c.Values), time.Time{}

	case model.ConditionRemoteIP:
		if !in.RemoteIP.IsValid() {
			return false, time.Time{}
		}
		switch c.Operator {
		case model.OperatorIsInCIDR:
			return ipInAnyPrefix(in.RemoteIP, c.Values), time.Time{}
		case model.OperatorIsNotInCIDR:
			return !ipInAnyPrefix(in.RemoteIP, c.Values), time.Time{}
		default:
			return matchSet(c.Operator, in.RemoteIP.String(), c.Values), time.Time{}
		}

	case model.ConditionRemoteIPRegion:
		var region string
		if regions != nil {
			region = regions.Lookup(in.RemoteIP)
		}
		if region == "" {
			return false, time.Time{}
		}
		return matchSet(c.Operator, region, c.Values), time.Time{}

	case model.ConditionCurrentDatetime:
		return evalTimeWindows(c.Values, in.Now)

	case model.ConditionClientVerified:
		required := len(c.Values) > 0 && strings.EqualFold(c.Values[0], "true")
		if !required {
			return true, time.Time{}
		}
		return in.Verified, time.Time{}

	default:
		// Unknown properties fail closed: a policy asking for something we
		// cannot check must not grant access.
		return false, time.Time{}
	}
}

func matchSet(op model.ConditionOperator, value string, values []string) bool {
	contained := false
	for _, v := range values {
		if v == value {
			contained = true
			break
		}
	}
	switch op {
	case model.OperatorIsNotIn:
		return !contained
	case model.OperatorIsIn, model.OperatorIs:
		return contained
	default:
		return false
	}
}

func ipInAnyPrefix(ip netip.Addr, prefixes []string) bool {
	for _, raw := range prefixes {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			continue
		}
		if prefix.Contains(ip.Unmap()) {
			return true
		}
	}
	return false
}

// dayCodes maps the single-letter day encoding used in time-window values.
var dayCodes = map[byte]time.Weekday{
	'M': time.Monday,
	'T': time.Tuesday,
	'W': time.Wednesday,
	'R': time.Thursday,
	'F': time.Friday,
	'S': time.Saturday,
	'U': time.Sunday,
}

// evalTimeWindows evaluates current_utc_datetime values of the form
// "M/09:00:00-17:00:00,22:00:00-23:59:59/UTC": day letter, comma-separated
// ranges, IANA time zone. On a hit the expiry is the end of the active
// range; outside every window the condition fails with no expiry.
func evalTimeWindows(values []string, now time.Time) (bool, time.Time) {
	for _, value := range values {
		parts := strings.SplitN(value, "/", 3)
		if len(parts) != 3 || len(parts[0]) != 1 {
			continue
		}
		day, known := dayCodes[parts[0][0]]
		if !known {
			continue
		}
		loc, err := time.LoadLocation(parts[2])
		if err != nil {
			continue
		}
		local := now.In(loc)
		if local.Weekday() != day {
			continue
		}
		for _, span := range strings.Split(parts[1], ",") {
			if end, ok := spanContains(span, local); ok {
				return true, end.UTC()
			}
		}
	}
	return false, time.Time{}
}

// spanContains checks whether local falls inside "HH:MM:SS-HH:MM:SS" and
// returns the absolute end of the range. "24:00:00" is accepted as
// end-of-day.
func spanContains(span string, local time.Time) (time.Time, bool) {
	bounds := strings.SplitN(span, "-", 2)
	if len(bounds) != 2 {
		return time.Time{}, false
	}
	start, okStart := secondsOfDay(strings.TrimSpace(bounds[0]))
	end, okEnd := secondsOfDay(strings.TrimSpace(bounds[1]))
	if !okStart || !okEnd || end < start {
		return time.Time{}, false
	}
	cur := local.Hour()*3600 + local.Minute()*60 + local.Second()
	if cur < start || cur > end {
		return time.Time{}, false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	return midnight.Add(time.Duration(end) * time.Second), true
}

func secondsOfDay(s string) (int, bool) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		if s == "24:00:00" {
			return 24 * 3600, true
		}
		return 0, false
	}
	return t.Hour()*3600 + t.Minute()*60 + t.Second(), true
}
