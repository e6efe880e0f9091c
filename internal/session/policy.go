package session

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Decision is the Policy Engine's verdict for one request.
type Decision string

const (
	Allow  Decision = "allow"
	Deny   Decision = "deny"
	Prompt Decision = "prompt"
)

// Verdict carries the decision plus, for denials, a human-readable reason
// (spec §8 property 5: queued denials must explain themselves).
type Verdict struct {
	Decision Decision
	Reason   string
}

// Evaluate resolves (policy, method, params) into allow/deny/prompt,
// following spec §4.4's ordered rules. params is the raw JSON-RPC params
// array as decoded from the envelope.
func Evaluate(policy Policy, method string, params []string) Verdict {
	if method == "sign_event" {
		return evaluateSignEvent(policy, params)
	}

	allowed, ok := policy.Methods[method]
	if !ok {
		return Verdict{Decision: Prompt}
	}
	if allowed {
		return Verdict{Decision: Allow}
	}
	return Verdict{Decision: Deny, Reason: fmt.Sprintf("%s not allowed by policy", method)}
}

func evaluateSignEvent(policy Policy, params []string) Verdict {
	if len(params) == 0 {
		return Verdict{Decision: Deny, Reason: "unparseable event template"}
	}

	var template struct {
		Kind *int `json:"kind"`
	}
	if err := json.Unmarshal([]byte(params[0]), &template); err != nil || template.Kind == nil {
		return Verdict{Decision: Deny, Reason: "unparseable event template"}
	}
	kind := *template.Kind
	kindKey := strconv.Itoa(kind)

	// Specific-kind entries override "*" only when explicitly false.
	if specific, ok := policy.Kinds[kindKey]; ok {
		if specific {
			return Verdict{Decision: Allow}
		}
		return Verdict{Decision: Deny, Reason: fmt.Sprintf("kind %d not allowed by policy", kind)}
	}
	if wildcard, ok := policy.Kinds["*"]; ok && wildcard {
		return Verdict{Decision: Allow}
	}
	return Verdict{Decision: Prompt}
}

// ApplyAutoGrant unions the approved request's scope into policy, per spec
// §8 property 6: sign_event grants exactly one kind entry, any other method
// grants exactly one method entry. Returns the updated policy.
func ApplyAutoGrant(policy Policy, method string, params []string) (Policy, error) {
	updated := policy.Clone()

	if method == "sign_event" {
		if len(params) == 0 {
			return policy, fmt.Errorf("cannot auto-grant sign_event: unparseable event template")
		}
		var template struct {
			Kind *int `json:"kind"`
		}
		if err := json.Unmarshal([]byte(params[0]), &template); err != nil || template.Kind == nil {
			return policy, fmt.Errorf("cannot auto-grant sign_event: unparseable event template")
		}
		updated.Kinds[strconv.Itoa(*template.Kind)] = true
		return updated, nil
	}

	updated.Methods[method] = true
	return updated, nil
}
