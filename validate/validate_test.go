// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

package validate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docmapper/docmap/schema"
	"github.com/docmapper/docmap/validate"
)

func descriptor() *schema.EntityDescriptor {
	return &schema.EntityDescriptor{
		Domain:     "core",
		Collection: "accounts",
		IDField:    "id",
		Fields: []schema.FieldDescriptor{
			{Name: "id", Kind: schema.String, Identifying: true},
			{Name: "name", Kind: schema.String, Rules: []schema.Rule{
				{Kind: schema.RuleLength, Min: 2, Max: 10, HasMin: true, HasMax: true},
			}},
			{Name: "email", Kind: schema.String, Rules: []schema.Rule{
				{Kind: schema.RuleEmail},
			}},
			{Name: "age", Kind: schema.Number, Rules: []schema.Rule{
				{Kind: schema.RuleRange, Min: 0, Max: 150, HasMin: true, HasMax: true},
			}},
			{Name: "plan", Kind: schema.String, Optional: true, Rules: []schema.Rule{
				{Kind: schema.RuleEnum, Enum: []string{"free", "pro"}},
			}},
			{Name: "tags", Kind: schema.Array, Elem: schema.String, Optional: true, Rules: []schema.Rule{
				{Kind: schema.RuleLength, Min: 1, HasMin: true, Each: true},
			}},
			{Name: "created_at", Kind: schema.DateTime, AutoCreated: true},
		},
	}
}

func valid() map[string]interface{} {
	return map[string]interface{}{
		"id":    "a1",
		"name":  "Alice",
		"email": "alice@example.com",
		"age":   float64(30),
	}
}

func TestDocumentValid(t *testing.T) {
	require.NoError(t, validate.Document(descriptor(), valid()))
}

func TestDocumentCollectsEveryIssue(t *testing.T) {
	doc := valid()
	doc["name"] = "x"                // too short
	doc["email"] = "not-an-email"    // malformed
	doc["age"] = float64(200)        // out of range
	delete(doc, "id")                // required

	err := validate.Document(descriptor(), doc)
	require.Error(t, err)

	var issues *validate.Error
	require.ErrorAs(t, err, &issues)
	require.Len(t, issues.Issues, 4)

	codes := map[string]bool{}
	for _, issue := range issues.Issues {
		codes[issue.Code] = true
	}
	require.True(t, codes["length"])
	require.True(t, codes["email"])
	require.True(t, codes["range"])
	require.True(t, codes["required"])
}

func TestRequiredExemptions(t *testing.T) {
	desc := descriptor()
	desc.Fields = append(desc.Fields,
		schema.FieldDescriptor{Name: "notes", Kind: schema.String, Optional: true},
		schema.FieldDescriptor{Name: "member_ids", Kind: schema.Array, RelationArray: true},
	)

	// optional, auto-managed and relation-array fields may all be absent
	require.NoError(t, validate.Document(desc, valid()))
}

func TestStringEncodedNumbers(t *testing.T) {
	doc := valid()
	doc["age"] = "42"
	require.NoError(t, validate.Document(descriptor(), doc))

	doc["age"] = "200"
	err := validate.Document(descriptor(), doc)
	require.Error(t, err)
}

func TestEachElementScope(t *testing.T) {
	doc := valid()
	doc["tags"] = []interface{}{"ok", ""}

	err := validate.Document(descriptor(), doc)
	require.Error(t, err)

	var issues *validate.Error
	require.ErrorAs(t, err, &issues)
	require.Len(t, issues.Issues, 1)
	require.Equal(t, "tags[1]", issues.Issues[0].Field)
}

func TestEnum(t *testing.T) {
	doc := valid()
	doc["plan"] = "pro"
	require.NoError(t, validate.Document(descriptor(), doc))

	doc["plan"] = "enterprise"
	require.Error(t, validate.Document(descriptor(), doc))
}

func TestDateTime(t *testing.T) {
	doc := valid()
	doc["created_at"] = "2025-03-01T10:00:00Z"
	require.NoError(t, validate.Document(descriptor(), doc))

	doc["created_at"] = "yesterday"
	require.Error(t, validate.Document(descriptor(), doc))
}

func TestConditionalRules(t *testing.T) {
	desc := &schema.EntityDescriptor{
		Domain:     "core",
		Collection: "subs",
		IDField:    "id",
		Fields: []schema.FieldDescriptor{
			{Name: "id", Kind: schema.String, Identifying: true},
			{Name: "card", Kind: schema.String, Optional: true},
			// billing address is required only when a card is on file
			{Name: "billing_address", Kind: schema.String, Rules: []schema.Rule{
				{Kind: schema.RuleRequiredIf, Peer: "card"},
			}},
			// a trial marker cannot coexist with a card
			{Name: "trial", Kind: schema.Boolean, Optional: true, Rules: []schema.Rule{
				{Kind: schema.RuleForbiddenIf, Peer: "card"},
			}},
		},
	}

	require.NoError(t, validate.Document(desc, map[string]interface{}{"id": "s1"}))

	err := validate.Document(desc, map[string]interface{}{"id": "s1", "card": "4242"})
	require.Error(t, err)

	require.NoError(t, validate.Document(desc, map[string]interface{}{
		"id": "s1", "card": "4242", "billing_address": "somewhere",
	}))

	err = validate.Document(desc, map[string]interface{}{
		"id": "s1", "card": "4242", "billing_address": "somewhere", "trial": true,
	})
	require.Error(t, err)
}

func TestCustomRule(t *testing.T) {
	desc := descriptor()
	desc.Fields = append(desc.Fields, schema.FieldDescriptor{
		Name: "slug", Kind: schema.String, Optional: true, Rules: []schema.Rule{
			{Kind: schema.RuleCustom, Check: func(value interface{}) error {
				if value == "forbidden" {
					return errForbidden
				}
				return nil
			}},
		},
	})

	doc := valid()
	doc["slug"] = "forbidden"
	require.Error(t, validate.Document(desc, doc))
}

var errForbidden = &forbiddenError{}

type forbiddenError struct{}

func (*forbiddenError) Error() string { return "forbidden slug" }
