// Package trust builds and validates federation trust chains: the upward
// walk over authority hints, the metadata policy engine and the trust mark
// checks.
package trust

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"

	"github.com/spid-oidc/go-rp/pkg/oidf"
)

// Operators is the set of policy operators a superior may attach to one
// metadata parameter. Presence is tracked separately from the value so that
// explicit nulls and zero values keep their meaning.
type Operators struct {
	value       any
	hasValue    bool
	add         []any
	def         any
	hasDefault  bool
	oneOf       []any
	hasOneOf    bool
	subsetOf    []any
	hasSubset   bool
	supersetOf  []any
	hasSuperset bool
	essential   bool
}

func (ops *Operators) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for name, value := range raw {
		switch name {
		case "value":
			if err := json.Unmarshal(value, &ops.value); err != nil {
				return err
			}
			ops.hasValue = true
		case "add":
			if err := json.Unmarshal(value, &ops.add); err != nil {
				return fmt.Errorf("the add operator must be an array: %w", err)
			}
		case "default":
			if err := json.Unmarshal(value, &ops.def); err != nil {
				return err
			}
			ops.hasDefault = true
		case "one_of":
			if err := json.Unmarshal(value, &ops.oneOf); err != nil {
				return fmt.Errorf("the one_of operator must be an array: %w", err)
			}
			ops.hasOneOf = true
		case "subset_of":
			if err := json.Unmarshal(value, &ops.subsetOf); err != nil {
				return fmt.Errorf("the subset_of operator must be an array: %w", err)
			}
			ops.hasSubset = true
		case "superset_of":
			if err := json.Unmarshal(value, &ops.supersetOf); err != nil {
				return fmt.Errorf("the superset_of operator must be an array: %w", err)
			}
			ops.hasSuperset = true
		case "essential":
			if err := json.Unmarshal(value, &ops.essential); err != nil {
				return err
			}
		}
	}

	return ops.validate()
}

// validate rejects operator combinations the federation spec forbids.
func (ops Operators) validate() error {
	if ops.hasValue && (ops.add != nil || ops.hasDefault || ops.hasOneOf || ops.hasSubset || ops.hasSuperset) {
		return policyError("the value operator cannot be combined with other operators")
	}

	if ops.hasOneOf && (ops.hasSubset || ops.hasSuperset) {
		return policyError("one_of cannot be combined with subset_of or superset_of")
	}

	if ops.add != nil {
		if ops.hasSubset && !isSubset(ops.add, ops.subsetOf) {
			return policyError("add is not a subset of subset_of")
		}
		if ops.hasSuperset && !isSubset(ops.supersetOf, ops.add) {
			return policyError("add is not a superset of superset_of")
		}
	}

	if ops.hasDefault {
		if ops.hasOneOf && !containsDeep(ops.oneOf, ops.def) {
			return policyError("default is not among one_of")
		}
		if defSlice, ok := ops.def.([]any); ok {
			if ops.hasSubset && !isSubset(defSlice, ops.subsetOf) {
				return policyError("default is not a subset of subset_of")
			}
			if ops.hasSuperset && !isSubset(ops.supersetOf, defSlice) {
				return policyError("default is not a superset of superset_of")
			}
		}
	}

	if ops.hasSubset && ops.hasSuperset && !isSubset(ops.supersetOf, ops.subsetOf) {
		return policyError("subset_of is not a superset of superset_of")
	}

	return nil
}

// Merge combines the operators of a superior policy (the receiver) with
// those of a subordinate one, failing on irreconcilable combinations.
func (ops Operators) Merge(low Operators) (Operators, error) {
	merged := ops

	switch {
	case !ops.hasValue:
		merged.value, merged.hasValue = low.value, low.hasValue
	case low.hasValue && !equalValues(ops.value, low.value):
		return Operators{}, policyError("conflicting value operators")
	}

	if ops.add == nil {
		merged.add = low.add
	} else if low.add != nil {
		merged.add = unionSlices(ops.add, low.add)
	}

	switch {
	case !ops.hasDefault:
		merged.def, merged.hasDefault = low.def, low.hasDefault
	case low.hasDefault && !equalValues(ops.def, low.def):
		return Operators{}, policyError("conflicting default operators")
	}

	switch {
	case !ops.hasOneOf:
		merged.oneOf, merged.hasOneOf = low.oneOf, low.hasOneOf
	case low.hasOneOf:
		merged.oneOf = intersectSlices(ops.oneOf, low.oneOf)
		if len(merged.oneOf) == 0 {
			return Operators{}, policyError("merging one_of operators left no allowed value")
		}
	}

	switch {
	case !ops.hasSubset:
		merged.subsetOf, merged.hasSubset = low.subsetOf, low.hasSubset
	case low.hasSubset:
		merged.subsetOf = intersectSlices(ops.subsetOf, low.subsetOf)
		if len(merged.subsetOf) == 0 {
			return Operators{}, policyError("merging subset_of operators left no allowed value")
		}
	}

	switch {
	case !ops.hasSuperset:
		merged.supersetOf, merged.hasSuperset = low.supersetOf, low.hasSuperset
	case low.hasSuperset:
		merged.supersetOf = unionSlices(ops.supersetOf, low.supersetOf)
	}

	merged.essential = ops.essential || low.essential

	if err := merged.validate(); err != nil {
		return Operators{}, err
	}

	return merged, nil
}

// Apply enforces the operators on one metadata parameter. It returns the
// resulting value, whether the parameter should be present at all, and an
// error on violation. The application order is the one the federation spec
// fixes: value, add, default, one_of, subset_of, superset_of, essential.
func (ops Operators) Apply(value any, present bool) (any, bool, error) {
	if ops.hasValue {
		if ops.value == nil {
			value, present = nil, false
		} else {
			value, present = ops.value, true
		}
	}

	if ops.add != nil {
		current, err := asSlice(value, present)
		if err != nil {
			return nil, false, err
		}
		value, present = unionSlices(current, ops.add), true
	}

	if ops.hasDefault && (!present || value == nil) {
		value, present = ops.def, true
	}

	if ops.hasOneOf && present {
		if !containsDeep(ops.oneOf, value) {
			return nil, false, policyError(fmt.Sprintf("value %v is not among one_of", value))
		}
	}

	if ops.hasSubset && present {
		current, err := asSlice(value, present)
		if err != nil {
			return nil, false, err
		}
		filtered := intersectSlices(current, ops.subsetOf)
		if len(filtered) == 0 {
			value, present = nil, false
		} else {
			value = filtered
		}
	}

	if ops.hasSuperset && present {
		current, err := asSlice(value, present)
		if err != nil {
			return nil, false, err
		}
		if !isSubset(ops.supersetOf, current) {
			return nil, false, policyError("value is not a superset of superset_of")
		}
	}

	if ops.essential && (!present || value == nil || isEmptySlice(value)) {
		return nil, false, policyError("essential metadata parameter is missing")
	}

	return value, present, nil
}

// Policy maps metadata parameter names to their operators.
type Policy map[string]Operators

// ParsePolicy decodes one metadata_policy block for a single entity type.
func ParsePolicy(raw json.RawMessage) (Policy, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var policy Policy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return nil, oidf.Errorf(oidf.CodeParseError, "could not parse the metadata policy", err)
	}

	return policy, nil
}

// Merge combines the receiver, issued closer to the trust anchor, with a
// policy issued further down the chain.
func (p Policy) Merge(low Policy) (Policy, error) {
	if p == nil {
		return low, nil
	}

	merged := Policy{}
	for name, ops := range p {
		merged[name] = ops
	}

	for name, lowOps := range low {
		highOps, ok := merged[name]
		if !ok {
			merged[name] = lowOps
			continue
		}

		result, err := highOps.Merge(lowOps)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		merged[name] = result
	}

	return merged, nil
}

// Apply enforces the policy on a metadata document. Parameters without an
// operator pass through untouched, preserving federation extensions.
func (p Policy) Apply(metadata map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(metadata))
	for name, value := range metadata {
		result[name] = value
	}

	for name, ops := range p {
		value, present := result[name]
		applied, keep, err := ops.Apply(value, present)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		if !keep {
			delete(result, name)
			continue
		}
		result[name] = applied
	}

	return result, nil
}

func policyError(desc string) error {
	return oidf.NewError(oidf.CodeInvalidTrustChain, "metadata policy violation: "+desc)
}

func asSlice(value any, present bool) ([]any, error) {
	if !present || value == nil {
		return nil, nil
	}
	slice, ok := value.([]any)
	if !ok {
		return nil, policyError(fmt.Sprintf("operator requires an array value, got %T", value))
	}
	return slice, nil
}

func equalValues(x, y any) bool {
	xs, xok := x.([]any)
	ys, yok := y.([]any)
	if xok && yok {
		return isSubset(xs, ys) && isSubset(ys, xs)
	}
	return reflect.DeepEqual(x, y)
}

func containsDeep(s []any, e any) bool {
	return slices.ContainsFunc(s, func(se any) bool {
		return reflect.DeepEqual(se, e)
	})
}

func unionSlices(s1, s2 []any) []any {
	result := make([]any, 0, len(s1)+len(s2))
	for _, e := range s1 {
		if !containsDeep(result, e) {
			result = append(result, e)
		}
	}
	for _, e := range s2 {
		if !containsDeep(result, e) {
			result = append(result, e)
		}
	}
	return result
}

func intersectSlices(s1, s2 []any) []any {
	var result []any
	for _, e := range s1 {
		if containsDeep(s2, e) && !containsDeep(result, e) {
			result = append(result, e)
		}
	}
	return result
}

func isSubset(s1, s2 []any) bool {
	for _, e := range s1 {
		if !containsDeep(s2, e) {
			return false
		}
	}
	return true
}

func isEmptySlice(value any) bool {
	slice, ok := value.([]any)
	return ok && len(slice) == 0
}
