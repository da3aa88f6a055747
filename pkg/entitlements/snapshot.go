package entitlements

import (
	"time"

	"github.com/rcourtman/pulse-billing/pkg/billing"
)

// SchemaVersion is the wire version of Snapshot. Bump it whenever the
// Snapshot shape or derivation rules change; cached snapshots carrying any
// other version are treated as misses.
const SchemaVersion = 4

// Rule identifies which precedence rule produced a snapshot.
type Rule string

const (
	RuleActive            Rule = "active"
	RuleSetupWithTier     Rule = "setup_with_tier"
	RuleSetupViewOnly     Rule = "setup_view_only"
	RuleTrial             Rule = "trial"
	RuleFree              Rule = "free"
	RuleCanceledButActive Rule = "canceled_but_active"
	RuleGrace             Rule = "grace"
	RuleRestricted        Rule = "restricted"
)

// StatusColor is a display hint for consumers.
type StatusColor string

const (
	ColorGreen  StatusColor = "green"
	ColorBlue   StatusColor = "blue"
	ColorYellow StatusColor = "yellow"
	ColorOrange StatusColor = "orange"
	ColorRed    StatusColor = "red"
	ColorGray   StatusColor = "gray"
)

// Capability names a boolean snapshot flag.
type Capability string

const (
	CapViewDashboard   Capability = "view_dashboard"
	CapCreateBookings  Capability = "create_bookings"
	CapEditBookings    Capability = "edit_bookings"
	CapExportData      Capability = "export_data"
	CapAPIAccess       Capability = "api_access"
	CapWhiteLabel      Capability = "white_label"
	CapPrioritySupport Capability = "priority_support"
)

// Snapshot is the derived, never-persisted entitlement view of an account.
// It is recomputed on every account change and never mutated in place.
type Snapshot struct {
	SchemaVersion int            `json:"schemaVersion"`
	AccountID     string         `json:"accountId"`
	Status        billing.Status `json:"status"`
	Tier          string         `json:"tier,omitempty"`
	Rule          Rule           `json:"rule"`

	CanViewDashboard   bool           `json:"canViewDashboard"`
	CanCreateBookings  bool           `json:"canCreateBookings"`
	CanEditBookings    bool           `json:"canEditBookings"`
	CanExportData      bool           `json:"canExportData"`
	CanAccessAPI       bool           `json:"canAccessAPI"`
	CanUseWhiteLabel   bool           `json:"canUseWhiteLabel"`
	HasPrioritySupport bool           `json:"hasPrioritySupport"`
	Analytics          AnalyticsLevel `json:"analytics"`

	// Nil limits are unlimited.
	MaxCalendars        *int64 `json:"maxCalendars"`
	MaxBookingsPerMonth *int64 `json:"maxBookingsPerMonth"`
	MaxTeamMembers      *int64 `json:"maxTeamMembers"`
	MaxContacts         *int64 `json:"maxContacts"`

	StatusMessage string      `json:"statusMessage"`
	StatusColor   StatusColor `json:"statusColor"`

	// AccessEndsAt is when the current level of access lapses (trial end,
	// grace end, scheduled cancellation), if known.
	AccessEndsAt *time.Time `json:"accessEndsAt,omitempty"`
	EvaluatedAt  time.Time  `json:"evaluatedAt"`
}

// Lapsed reports whether the time-boxed access this snapshot grants (trial,
// grace or scheduled cancellation) has ended by now. Compute would return a
// different snapshot for a lapsed one.
func (s Snapshot) Lapsed(now time.Time) bool {
	switch s.Rule {
	case RuleTrial, RuleGrace, RuleCanceledButActive:
		return s.AccessEndsAt != nil && now.After(*s.AccessEndsAt)
	}
	return false
}

// Allows reports whether the snapshot grants capability c.
func (s Snapshot) Allows(c Capability) bool {
	switch c {
	case CapViewDashboard:
		return s.CanViewDashboard
	case CapCreateBookings:
		return s.CanCreateBookings
	case CapEditBookings:
		return s.CanEditBookings
	case CapExportData:
		return s.CanExportData
	case CapAPIAccess:
		return s.CanAccessAPI
	case CapWhiteLabel:
		return s.CanUseWhiteLabel
	case CapPrioritySupport:
		return s.HasPrioritySupport
	default:
		return false
	}
}

// LimitKey names a numeric snapshot limit.
type LimitKey string

const (
	LimitCalendars        LimitKey = "max_calendars"
	LimitBookingsPerMonth LimitKey = "max_bookings_per_month"
	LimitTeamMembers      LimitKey = "max_team_members"
	LimitContacts         LimitKey = "max_contacts"
)

// LimitCheckResult is the outcome of comparing usage against a limit.
type LimitCheckResult string

const (
	LimitAllowed   LimitCheckResult = "allowed"
	LimitSoftBlock LimitCheckResult = "soft_block"
	LimitHardBlock LimitCheckResult = "hard_block"
)

// Limit returns the limit for key. ok is false when the limit is unlimited
// or the key is unknown.
func (s Snapshot) Limit(key LimitKey) (value int64, ok bool) {
	var v *int64
	switch key {
	case LimitCalendars:
		v = s.MaxCalendars
	case LimitBookingsPerMonth:
		v = s.MaxBookingsPerMonth
	case LimitTeamMembers:
		v = s.MaxTeamMembers
	case LimitContacts:
		v = s.MaxContacts
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// CheckLimit evaluates observed usage against the limit for key. Usage at
// or above 90% of the limit soft-blocks; at or above the limit hard-blocks.
// A zero limit blocks everything.
func (s Snapshot) CheckLimit(key LimitKey, observed int64) LimitCheckResult {
	limit, ok := s.Limit(key)
	if !ok {
		return LimitAllowed
	}
	if observed >= limit {
		return LimitHardBlock
	}
	if observed*10 >= limit*9 {
		return LimitSoftBlock
	}
	return LimitAllowed
}
