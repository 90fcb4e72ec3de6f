// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package credit

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// balanceKeys lists the field names under which ledger API versions report
// the remaining balance. Older deployments nest the whole object under
// "data" and some return numbers as strings.
var balanceKeys = []string{"credits", "credit_balance", "remaining_credits", "balance"}

// normalizeBalance converts any known ledger balance payload shape into a
// plain credit count. Shape differences are absorbed here, at the ingress
// boundary; nothing past this function branches on payload shape.
func normalizeBalance(data []byte) (int, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, fmt.Errorf("balance payload is not a JSON object: %w", err)
	}

	if nested, ok := raw["data"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(nested, &inner); err == nil {
			raw = inner
		}
	}

	for _, key := range balanceKeys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		n, err := parseCount(v)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", key, err)
		}
		return n, nil
	}

	return 0, fmt.Errorf("no balance field found (tried %v)", balanceKeys)
}

// parseCount accepts a JSON number or a numeric string.
func parseCount(v json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(v, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("non-numeric string %q", s)
		}
		return n, nil
	}
	return 0, fmt.Errorf("unsupported value %s", string(v))
}
