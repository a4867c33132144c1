// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

// Package validate checks candidate documents and patch assignments against
// the declarative rules carried by a schema descriptor. Validation is pure
// and exhaustive: every violation in a document is collected, none aborts the
// scan.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/govalidator"

	"github.com/docmapper/docmap/schema"
)

// Issue is a single validation violation.
type Issue struct {
	Field   string
	Code    string
	Message string
}

func (issue Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", issue.Field, issue.Code, issue.Message)
}

// Error aggregates every issue found in one validation pass.
type Error struct {
	Issues []Issue
}

// Error implements the error interface.
func (err *Error) Error() string {
	parts := make([]string, 0, len(err.Issues))
	for _, issue := range err.Issues {
		parts = append(parts, issue.String())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// AsError wraps issues into an *Error, or returns nil when there are none.
func AsError(issues []Issue) error {
	if len(issues) == 0 {
		return nil
	}
	return &Error{Issues: issues}
}

// Document validates a full candidate document against the descriptor. All
// violations are returned together in one *Error.
func Document(desc *schema.EntityDescriptor, doc map[string]interface{}) error {
	var issues []Issue
	for i := range desc.Fields {
		field := &desc.Fields[i]
		value, present := doc[field.Name]

		if !present {
			if fieldRequired(field, doc) {
				issues = append(issues, Issue{
					Field:   field.Name,
					Code:    "required",
					Message: "field is required",
				})
			}
			continue
		}

		issues = append(issues, checkForbidden(field, doc)...)
		issues = append(issues, Value(field, value)...)
	}
	return AsError(issues)
}

// Value runs every rule of one field against a present value.
func Value(field *schema.FieldDescriptor, value interface{}) []Issue {
	issues := checkKind(field, value)
	for _, rule := range field.Rules {
		if rule.Kind == schema.RuleRequiredIf || rule.Kind == schema.RuleForbiddenIf {
			// conditional rules consult the whole document, handled by Document
			continue
		}
		if rule.Each {
			elements, ok := value.([]interface{})
			if !ok {
				continue
			}
			for i, element := range elements {
				for _, issue := range applyRule(field, rule, element) {
					issue.Field = fmt.Sprintf("%s[%d]", field.Name, i)
					issues = append(issues, issue)
				}
			}
			continue
		}
		issues = append(issues, applyRule(field, rule, value)...)
	}
	return issues
}

func fieldRequired(field *schema.FieldDescriptor, doc map[string]interface{}) bool {
	if field.Optional || field.AutoCreated || field.AutoUpdated || field.RelationArray {
		return false
	}
	for _, rule := range field.Rules {
		if rule.Kind == schema.RuleRequiredIf {
			// required only when the peer is present
			_, peerPresent := doc[rule.Peer]
			return peerPresent
		}
	}
	return true
}

func checkForbidden(field *schema.FieldDescriptor, doc map[string]interface{}) []Issue {
	for _, rule := range field.Rules {
		if rule.Kind != schema.RuleForbiddenIf {
			continue
		}
		if _, peerPresent := doc[rule.Peer]; peerPresent {
			return []Issue{{
				Field:   field.Name,
				Code:    "forbidden",
				Message: fmt.Sprintf("field cannot be set together with %q", rule.Peer),
			}}
		}
	}
	return nil
}

func checkKind(field *schema.FieldDescriptor, value interface{}) []Issue {
	issue := func(expected string) []Issue {
		return []Issue{{
			Field:   field.Name,
			Code:    "type",
			Message: fmt.Sprintf("expected %s, got %T", expected, value),
		}}
	}
	switch field.Kind {
	case schema.String:
		if _, ok := value.(string); !ok {
			return issue("string")
		}
	case schema.Number:
		if _, ok := asNumber(value); !ok {
			return issue("number")
		}
	case schema.Boolean:
		if _, ok := value.(bool); !ok {
			return issue("boolean")
		}
	case schema.Array:
		if _, ok := value.([]interface{}); !ok {
			return issue("array")
		}
	case schema.Object:
		if _, ok := value.(map[string]interface{}); !ok {
			return issue("object")
		}
	case schema.DateTime:
		text, ok := value.(string)
		if !ok {
			return issue("datetime string")
		}
		if _, err := time.Parse(time.RFC3339Nano, text); err != nil {
			return []Issue{{
				Field:   field.Name,
				Code:    "datetime",
				Message: "not a valid RFC 3339 timestamp",
			}}
		}
	}
	return nil
}

func applyRule(field *schema.FieldDescriptor, rule schema.Rule, value interface{}) []Issue {
	issue := func(code, message string) []Issue {
		return []Issue{{Field: field.Name, Code: code, Message: message}}
	}

	switch rule.Kind {
	case schema.RuleLength:
		length, ok := lengthOf(value)
		if !ok {
			return nil
		}
		if rule.HasMin && length < int(rule.Min) {
			return issue("length", fmt.Sprintf("length %d below minimum %d", length, int(rule.Min)))
		}
		if rule.HasMax && length > int(rule.Max) {
			return issue("length", fmt.Sprintf("length %d above maximum %d", length, int(rule.Max)))
		}

	case schema.RuleRange:
		number, ok := asNumber(value)
		if !ok {
			return nil
		}
		if rule.HasMin && number < rule.Min {
			return issue("range", fmt.Sprintf("value %v below minimum %v", number, rule.Min))
		}
		if rule.HasMax && number > rule.Max {
			return issue("range", fmt.Sprintf("value %v above maximum %v", number, rule.Max))
		}

	case schema.RuleRegex:
		text, ok := value.(string)
		if !ok {
			return nil
		}
		pattern, err := compiled(rule.Pattern)
		if err != nil {
			return issue("regex", fmt.Sprintf("invalid pattern %q", rule.Pattern))
		}
		if !pattern.MatchString(text) {
			return issue("regex", fmt.Sprintf("value does not match %q", rule.Pattern))
		}

	case schema.RuleEnum:
		text, ok := value.(string)
		if !ok {
			return nil
		}
		for _, admissible := range rule.Enum {
			if text == admissible {
				return nil
			}
		}
		return issue("enum", fmt.Sprintf("value %q not in %v", text, rule.Enum))

	case schema.RuleEmail:
		if text, ok := value.(string); ok && !govalidator.IsEmail(text) {
			return issue("email", "not a valid email address")
		}

	case schema.RuleURL:
		if text, ok := value.(string); ok && !govalidator.IsURL(text) {
			return issue("url", "not a valid url")
		}

	case schema.RuleUUID:
		if text, ok := value.(string); ok && !govalidator.IsUUID(text) {
			return issue("uuid", "not a valid uuid")
		}

	case schema.RuleCustom:
		if rule.Check != nil {
			if err := rule.Check(value); err != nil {
				return issue("custom", err.Error())
			}
		}
	}
	return nil
}

// asNumber coerces numeric values, tolerating string-encoded numbers.
func asNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		number, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return number, true
	}
	return 0, false
}

func lengthOf(value interface{}) (int, bool) {
	switch v := value.(type) {
	case string:
		return len(v), true
	case []interface{}:
		return len(v), true
	}
	return 0, false
}

var patternCache sync.Map // pattern string -> *regexp.Regexp

func compiled(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	compiledPattern, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, compiledPattern)
	return compiledPattern, nil
}
