// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package template

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opsconductor/opsconductor/pkg/errors"
)

// parseFilter splits "join(', ')" into name "join" and parsed args.
// Arguments are quoted strings or bare numbers.
func parseFilter(stage string) (string, []any, error) {
	open := strings.IndexByte(stage, '(')
	if open < 0 {
		return stage, nil, nil
	}
	if !strings.HasSuffix(stage, ")") {
		return "", nil, &errors.ValidationError{
			Field:   "template",
			Message: fmt.Sprintf("malformed filter %q", stage),
		}
	}

	name := strings.TrimSpace(stage[:open])
	argList := stage[open+1 : len(stage)-1]

	var args []any
	for _, raw := range splitArgs(argList) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		arg, err := parseArg(raw)
		if err != nil {
			return "", nil, err
		}
		args = append(args, arg)
	}

	return name, args, nil
}

// splitArgs splits a filter argument list on commas outside of quotes.
func splitArgs(list string) []string {
	var args []string
	var current strings.Builder
	inQuote := byte(0)

	for i := 0; i < len(list); i++ {
		ch := list[i]
		switch {
		case inQuote != 0:
			current.WriteByte(ch)
			if ch == inQuote {
				inQuote = 0
			}
		case ch == '\'' || ch == '"':
			inQuote = ch
			current.WriteByte(ch)
		case ch == ',':
			args = append(args, current.String())
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}
	if current.Len() > 0 {
		args = append(args, current.String())
	}
	return args
}

// parseArg parses a single filter argument: quoted string, number, or bool.
func parseArg(raw string) (any, error) {
	if len(raw) >= 2 {
		first, last := raw[0], raw[len(raw)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return raw[1 : len(raw)-1], nil
		}
	}

	if raw == "true" {
		return true, nil
	}
	if raw == "false" {
		return false, nil
	}

	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n, nil
	}

	return nil, &errors.ValidationError{
		Field:      "template",
		Message:    fmt.Sprintf("unsupported filter argument %q", raw),
		Suggestion: "use a quoted string, number, or boolean",
	}
}

func filterArgError(name string, want, got int) error {
	return &errors.ValidationError{
		Field:   "template",
		Message: fmt.Sprintf("filter %s expects %d argument(s), got %d", name, want, got),
	}
}

// applyFilter applies one of the documented filters to a defined value.
func applyFilter(name string, value any, args []any) (any, error) {
	switch name {
	case "length":
		if len(args) != 0 {
			return nil, filterArgError("length", 0, len(args))
		}
		switch v := value.(type) {
		case string:
			return float64(len(v)), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		default:
			return nil, &errors.ValidationError{
				Field:   "template",
				Message: fmt.Sprintf("length is not defined for %T", value),
			}
		}

	case "join":
		sep := ","
		if len(args) > 1 {
			return nil, filterArgError("join", 1, len(args))
		}
		if len(args) == 1 {
			s, ok := args[0].(string)
			if !ok {
				return nil, &errors.ValidationError{Field: "template", Message: "join separator must be a string"}
			}
			sep = s
		}
		list, ok := value.([]any)
		if !ok {
			return nil, &errors.ValidationError{
				Field:   "template",
				Message: fmt.Sprintf("join is not defined for %T", value),
			}
		}
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, sep), nil

	case "upper":
		if len(args) != 0 {
			return nil, filterArgError("upper", 0, len(args))
		}
		return strings.ToUpper(stringify(value)), nil

	case "lower":
		if len(args) != 0 {
			return nil, filterArgError("lower", 0, len(args))
		}
		return strings.ToLower(stringify(value)), nil

	case "trim":
		if len(args) != 0 {
			return nil, filterArgError("trim", 0, len(args))
		}
		return strings.TrimSpace(stringify(value)), nil

	default:
		return nil, &errors.ValidationError{
			Field:      "template",
			Message:    fmt.Sprintf("unknown filter %q", name),
			Suggestion: "supported filters: default, length, join, upper, lower, trim",
		}
	}
}
