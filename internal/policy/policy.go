// Package policy implements the Policy Evaluator (§4.1): an ordered,
// default-deny network rule evaluator, grounded on the ordered
// PolicyRule{Priority}/first-match evaluation in system/sandbox/sandbox.go,
// adapted from subject/object/action matching to IP/CIDR/domain matching
// against an outbound host.
package policy

import (
	"net"
	"sort"
	"strings"

	"github.com/r3e-network/serverless-gateway/internal/model"
)

// Decision is the outcome of evaluating one host against a rule sequence.
type Decision struct {
	Allowed bool
	Matched *model.PolicyRule
	Reason  string
}

// Evaluator evaluates ordered network rules against a host.
type Evaluator struct {
	onMalformedRule func(rule model.PolicyRule, reason string)
}

// New creates an Evaluator. onMalformedRule, if non-nil, is called for
// every rule skipped for being unparsable; evaluation never panics or
// aborts because of one.
func New(onMalformedRule func(rule model.PolicyRule, reason string)) *Evaluator {
	return &Evaluator{onMalformedRule: onMalformedRule}
}

// Evaluate checks host against globalRules (checked first) followed by
// projectRules, returning the first matching rule's effect. No match is
// default-deny.
func (e *Evaluator) Evaluate(host string, globalRules, projectRules []model.PolicyRule) Decision {
	host = normalizeHost(host)
	ip := net.ParseIP(host)

	sequence := make([]model.PolicyRule, 0, len(globalRules)+len(projectRules))
	sequence = append(sequence, stableSortByPriority(globalRules)...)
	sequence = append(sequence, stableSortByPriority(projectRules)...)

	for i := range sequence {
		rule := sequence[i]
		matched, err := e.matches(rule, host, ip)
		if err != nil {
			if e.onMalformedRule != nil {
				e.onMalformedRule(rule, err.Error())
			}
			continue
		}
		if matched {
			allowed := rule.Action == model.PolicyAllow
			return Decision{Allowed: allowed, Matched: &rule, Reason: "matched rule"}
		}
	}

	return Decision{Allowed: false, Matched: nil, Reason: "no rule matched (default-deny)"}
}

// stableSortByPriority returns rules ordered by ascending Priority
// (smaller = earlier), preserving input order for ties.
func stableSortByPriority(rules []model.PolicyRule) []model.PolicyRule {
	out := make([]model.PolicyRule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func (e *Evaluator) matches(rule model.PolicyRule, host string, ip net.IP) (bool, error) {
	switch rule.TargetType {
	case model.PolicyTargetIP:
		if ip == nil {
			return false, nil
		}
		return host == normalizeHost(rule.Value), nil

	case model.PolicyTargetCIDR:
		if ip == nil {
			return false, nil
		}
		_, network, err := net.ParseCIDR(rule.Value)
		if err != nil {
			return false, err
		}
		return network.Contains(ip), nil

	case model.PolicyTargetDomain:
		return matchDomain(rule.Value, host), nil

	default:
		return false, errUnknownTargetType(rule.TargetType)
	}
}

type errUnknownTargetType model.PolicyTargetType

func (e errUnknownTargetType) Error() string { return "unknown target type: " + string(e) }

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// matchDomain implements the case-insensitive domain rule of §4.1/§8:
// a bare "*" matches anything; a "*.example.com" pattern matches any host
// with one or more labels preceding "example.com", but not "example.com"
// itself; otherwise exact match.
func matchDomain(pattern, host string) bool {
	pattern = normalizeHost(pattern)
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".example.com"
		if !strings.HasSuffix(host, suffix) {
			return false
		}
		// Require at least one label before the suffix: "foo.example.com"
		// qualifies, bare "example.com" does not.
		return len(host) > len(suffix)
	}
	return pattern == host
}
