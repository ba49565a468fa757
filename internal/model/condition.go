package model

// ConditionProperty names the client attribute a policy condition checks.
type ConditionProperty string

const (
	ConditionAuthProviderID  ConditionProperty = "auth_provider_id"
	ConditionRemoteIP        ConditionProperty = "remote_ip"
	ConditionRemoteIPRegion  ConditionProperty = "remote_ip_location_region"
	ConditionCurrentDatetime ConditionProperty = "current_utc_datetime"
	ConditionClientVerified  ConditionProperty = "client_verified"
)

// ConditionOperator selects how the condition's values are matched.
type ConditionOperator string

const (
	OperatorIsIn                 ConditionOperator = "is_in"
	OperatorIsNotIn              ConditionOperator = "is_not_in"
	OperatorIsInCIDR             ConditionOperator = "is_in_cidr"
	OperatorIsNotInCIDR          ConditionOperator = "is_not_in_cidr"
	OperatorIsInDayOfWeekRanges  ConditionOperator = "is_in_day_of_week_time_ranges"
	OperatorIs                   ConditionOperator = "is"
)

// Condition guards a policy. All of a policy's conditions must pass for the
// policy to conform.
type Condition struct {
	Property ConditionProperty `json:"property"`
	Operator ConditionOperator `json:"operator"`
	Values   []string          `json:"values"`
}

// EqualConditions compares two condition lists element-wise. Order matters:
// a reorder is treated as a change, matching how updates are classified.
func EqualConditions(a, b []Condition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Property != b[i].Property || a[i].Operator != b[i].Operator {
			return false
		}
		if len(a[i].Values) != len(b[i].Values) {
			return false
		}
		for j := range a[i].Values {
			if a[i].Values[j] != b[i].Values[j] {
				return false
			}
		}
	}
	return true
}
