// Package rule contains the domain types for message-inspection threat rules.
package rule

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ruleValidate is shared across Validate calls -- the package docs for
// validator.New recommend caching and reusing a single instance rather than
// constructing one per call.
var ruleValidate = validator.New(validator.WithRequiredStructEnabled())

// Action is the disposition emitted when a rule fires.
type Action string

const (
	// ActionAllow explicitly permits the message.
	ActionAllow Action = "allow"
	// ActionBlock stops the message from proceeding.
	ActionBlock Action = "block"
	// ActionFlag marks the message for review without blocking it.
	ActionFlag Action = "flag"
	// ActionAlert notifies an operator without blocking the message.
	ActionAlert Action = "alert"
	// ActionSanitize indicates the message should be rewritten before use.
	ActionSanitize Action = "sanitize"
	// ActionSetFlag records conversation state only; it carries no disposition of its own.
	ActionSetFlag Action = "set_flag"
	// ActionPass is a non-blocking informational match, typically used to prime flags.
	ActionPass Action = "pass"
)

// actionWeight implements the priority formula from the rule set contract:
// priority = action_weight*10 + type_cost. Unknown actions fall into "other".
func actionWeight(a Action) int {
	switch a {
	case ActionPass:
		return 0
	case ActionSetFlag:
		return 1
	case ActionFlag:
		return 2
	case ActionAlert:
		return 3
	case ActionBlock:
		return 4
	default:
		return 5
	}
}

// Severity classifies the impact of a rule firing.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category labels the threat class a rule targets. It is intentionally not a
// closed enum: operators add new categories as their threat library grows.
// The values below are predefined for convenience.
type Category string

const (
	CategoryInjection     Category = "injection"
	CategoryJailbreak     Category = "jailbreak"
	CategoryExfiltration  Category = "exfiltration"
	CategoryPhishing      Category = "phishing"
	CategoryPII           Category = "pii"
	CategoryAbuse         Category = "abuse"
	CategoryOther         Category = "other"
)

// defaultSemanticThreshold is used when a rule declares a semantic stage
// without an explicit threshold.
const defaultSemanticThreshold = 0.85

// defaultFlagTTLSeconds is the state lifetime applied when a rule's flags
// mutation does not specify one.
const defaultFlagTTLSeconds = 86400

// FlagSpec describes the stateful side effects a rule applies on match, and
// the state preconditions required for the rule to be eligible at all.
type FlagSpec struct {
	// Set lists flags to assert (true) when the rule fires.
	Set []string
	// Unset lists flags to clear (false) when the rule fires.
	Unset []string
	// Check lists flags that must all currently be true for the rule to be
	// eligible. A rule with a non-empty Check and no stage inputs is a pure
	// stateful rule (see Rule.IsPurelyStateful).
	Check []string
	// TTL is the state lifetime in seconds applied when this rule fires.
	// Nil means the default of 86400s (24h) applies.
	TTL *int
}

// EffectiveTTL returns the configured TTL in seconds, or the default when unset.
func (f *FlagSpec) EffectiveTTL() int {
	if f == nil || f.TTL == nil {
		return defaultFlagTTLSeconds
	}
	return *f.TTL
}

// Rule is an immutable record describing one threat pattern. Rules are
// loaded in bulk via a rule set and never mutated in place; editing a rule
// means reloading the whole set (see the Rule Set contract).
type Rule struct {
	// ID is the stable unique identifier used as a map key across components.
	ID string `validate:"required"`

	// Content is an ordered list of literal keywords. All must appear as
	// substrings of the message (AND-joined) for the content stage to pass.
	Content []string
	// PCRE is an ordered list of regex patterns. All must match the message
	// (AND-joined) for the pcre stage to pass.
	PCRE []string
	// Semantic is a list of exemplar phrases compared by similarity
	// (OR-joined): any one matching is sufficient.
	Semantic []string
	// SemanticThreshold is the similarity floor in [0,1] for the semantic
	// stage. Nil means the default of 0.85 applies.
	SemanticThreshold *float64 `validate:"omitempty,min=0,max=1"`

	// Condition is an optional CEL expression gating eligibility, evaluated
	// alongside Flags.Check. Empty means vacuously true. This is additive:
	// rules that never set it behave exactly as the content/pcre/semantic/
	// flags contract describes.
	Condition string

	// Flags describes state assertions/preconditions for this rule. Nil is
	// equivalent to an empty FlagSpec.
	Flags *FlagSpec

	// Threshold and Window implement the rate-gated firing policy: the rule
	// only fires once it has matched Threshold times within any rolling
	// Window (seconds). Threshold <= 0 or Window <= 0 disables gating.
	Threshold int `validate:"gte=0"`
	Window    int `validate:"gte=0"`

	Category Category
	Severity Severity `validate:"omitempty,oneof=low medium high critical"`
	Action   Action   `validate:"required,oneof=allow block flag alert sanitize set_flag pass"`

	Enabled bool
	// NoCase controls case folding for the content and pcre stages. Nil
	// means the default of true applies.
	NoCase *bool
}

// EffectiveNoCase returns the configured case-folding behavior, defaulting
// to true when unset.
func (r *Rule) EffectiveNoCase() bool {
	if r.NoCase == nil {
		return true
	}
	return *r.NoCase
}

// EffectiveSemanticThreshold returns the configured similarity floor,
// defaulting to 0.85 when unset.
func (r *Rule) EffectiveSemanticThreshold() float64 {
	if r.SemanticThreshold == nil {
		return defaultSemanticThreshold
	}
	return *r.SemanticThreshold
}

// HasThresholdGate reports whether this rule is subject to the
// threshold/window firing policy.
func (r *Rule) HasThresholdGate() bool {
	return r.Threshold > 0 && r.Window > 0
}

// checkFlags returns the flags this rule requires to be true before it is
// eligible. A nil Flags yields no preconditions.
func (r *Rule) checkFlags() []string {
	if r.Flags == nil {
		return nil
	}
	return r.Flags.Check
}

// Validate enforces the data model invariant via struct-tag validation
// (required id, a known action, an optional-but-known severity, non-negative
// threshold/window, semantic_threshold in [0,1]). It does not enforce that a
// rule declares a content/pcre/semantic stage: a rule with nothing at all is
// inert but still accepted, per the spec's "inert rules are accepted"
// clause -- inertness itself is not an error.
func (r *Rule) Validate() error {
	if err := ruleValidate.Struct(r); err != nil {
		return formatRuleValidationError(r.ID, err)
	}
	return nil
}

// formatRuleValidationError converts validator.ValidationErrors into a
// single message prefixed with the owning rule's id, mirroring
// internal/config's formatValidationErrors convention.
func formatRuleValidationError(id string, err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	if id == "" {
		id = "<missing id>"
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, formatSingleRuleError(e))
	}
	return fmt.Errorf("rule %s: %s", id, strings.Join(messages, "; "))
}

// formatSingleRuleError creates a user-friendly message for a single
// validation error on a Rule field.
func formatSingleRuleError(e validator.FieldError) string {
	field := e.Field()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be <= %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}

// HasStage reports whether the rule declares any content/pcre/semantic
// stage input, as opposed to being a purely stateful rule.
func (r *Rule) HasStage() bool {
	return len(r.Content) > 0 || len(r.PCRE) > 0 || len(r.Semantic) > 0
}

// IsPurelyStateful reports whether the rule has no stage inputs but a
// non-empty flags.check -- the one case where an otherwise stage-less rule
// is still eligible to match.
func (r *Rule) IsPurelyStateful() bool {
	return !r.HasStage() && len(r.checkFlags()) > 0
}

// typeCost implements the type_cost term of the priority formula:
// (content?1:0) + (pcre?2:0) + (semantic?3:0) + (flags?4:0).
func (r *Rule) typeCost() int {
	cost := 0
	if len(r.Content) > 0 {
		cost += 1
	}
	if len(r.PCRE) > 0 {
		cost += 2
	}
	if len(r.Semantic) > 0 {
		cost += 3
	}
	if r.Flags != nil && (len(r.Flags.Set) > 0 || len(r.Flags.Unset) > 0 || len(r.Flags.Check) > 0) {
		cost += 4
	}
	return cost
}

// PriorityKey computes the integer priority used to order rules within a
// single evaluation pass. Lower fires first.
//
//	priority = action_weight*10 + type_cost
//	action_weight: pass=0, set_flag=1, flag=2, alert=3, block=4, other=5
func (r *Rule) PriorityKey() int {
	return actionWeight(r.Action)*10 + r.typeCost()
}
