package permission

import (
	"sync"

	"acpdesk/backend"
)

// Decision represents the outcome of a permission check
type Decision int

const (
	Allow Decision = iota // tool can proceed
	Ask                   // must request user permission
	Deny                  // reject immediately
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Ask:
		return "ask"
	case Deny:
		return "deny"
	default:
		return "unknown"
	}
}

// RuleSet determines permissions for tool calls. Kind defaults apply unless
// the user picked an "always" option for the same tool title earlier.
type RuleSet struct {
	kinds    map[string]Decision
	fallback Decision

	mu         sync.Mutex
	remembered map[string]Decision // title -> decision
}

// Decide returns the decision for a permission request
func (r *RuleSet) Decide(req backend.PermissionRequest) Decision {
	r.mu.Lock()
	d, ok := r.remembered[req.Title]
	r.mu.Unlock()
	if ok {
		return d
	}
	if d, ok := r.kinds[req.Kind]; ok {
		return d
	}
	return r.fallback
}

// Remember records an allow_always/reject_always answer for the request's
// title. Other option kinds are not remembered.
func (r *RuleSet) Remember(req backend.PermissionRequest, optionKind string) {
	var d Decision
	switch optionKind {
	case "allow_always":
		d = Allow
	case "reject_always":
		d = Deny
	default:
		return
	}
	if req.Title == "" {
		return
	}
	r.mu.Lock()
	r.remembered[req.Title] = d
	r.mu.Unlock()
}

// Forget clears all remembered answers
func (r *RuleSet) Forget() {
	r.mu.Lock()
	r.remembered = make(map[string]Decision)
	r.mu.Unlock()
}

// DefaultRules returns standard permission rules
func DefaultRules() *RuleSet {
	return &RuleSet{
		kinds: map[string]Decision{
			// Safe kinds - auto-allow
			"read": Allow,
			// Mutating kinds - ask
			"edit":    Ask,
			"execute": Ask,
		},
		fallback:   Ask,
		remembered: make(map[string]Decision),
	}
}

// AutoRules allows everything; used for auto-permission sessions
func AutoRules() *RuleSet {
	return &RuleSet{
		kinds:      map[string]Decision{},
		fallback:   Allow,
		remembered: make(map[string]Decision),
	}
}
