// Package dnsproxy implements the interception resolver: a UDP server
// that redirects captured names to the replay host, delegates the rest
// to the real resolver, and optionally keeps private-network names on
// their real addresses.
package dnsproxy

import "strings"

// Action is what the proxy does with a matched name.
type Action int

const (
	// ActionRedirect answers with the replay host's address.
	ActionRedirect Action = iota
	// ActionPassthroughPrivate delegates first and only redirects when
	// the real answer is public. Intranet and kerberos names keep
	// working this way.
	ActionPassthroughPrivate
	// ActionDelegate proxies the query to the real resolver verbatim.
	ActionDelegate
)

func (a Action) String() string {
	switch a {
	case ActionRedirect:
		return "redirect"
	case ActionPassthroughPrivate:
		return "passthrough-if-private"
	case ActionDelegate:
		return "delegate"
	}
	return "unknown"
}

// Rule pairs a name pattern with an action. Patterns are either exact
// names, "*.suffix" wildcards, or "*" matching everything.
type Rule struct {
	Pattern string
	Action  Action
}

// Matches reports whether name falls under the rule's pattern. Both
// sides are expected in normalized (lowercase, no trailing dot) form.
func (r Rule) Matches(name string) bool {
	switch {
	case r.Pattern == "*":
		return true
	case strings.HasPrefix(r.Pattern, "*."):
		suffix := r.Pattern[2:]
		return name == suffix || strings.HasSuffix(name, "."+suffix)
	default:
		return name == r.Pattern
	}
}

// RuleSet is an ordered rule list, evaluated first-match-wins.
type RuleSet []Rule

// Match returns the action for name. Names that match no rule are
// delegated.
func (rs RuleSet) Match(name string) Action {
	for _, r := range rs {
		if r.Matches(name) {
			return r.Action
		}
	}
	return ActionDelegate
}

// DefaultRules builds the standard session rule set: one catch-all whose
// action depends on whether forwarding and private passthrough are
// enabled.
func DefaultRules(forwarding, privatePassthrough bool) RuleSet {
	if !forwarding {
		return RuleSet{{Pattern: "*", Action: ActionDelegate}}
	}
	if privatePassthrough {
		return RuleSet{{Pattern: "*", Action: ActionPassthroughPrivate}}
	}
	return RuleSet{{Pattern: "*", Action: ActionRedirect}}
}
