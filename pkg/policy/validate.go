package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// policyDocumentSchema constrains the external policy document shape.
// Rules must carry a non-empty action; conditions only admit the known
// predicate keys.
const policyDocumentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "allow":            {"$ref": "#/$defs/ruleList"},
    "deny":             {"$ref": "#/$defs/ruleList"},
    "require_approval": {"$ref": "#/$defs/ruleList"}
  },
  "additionalProperties": false,
  "$defs": {
    "ruleList": {
      "type": "array",
      "items": {"$ref": "#/$defs/rule"}
    },
    "rule": {
      "type": "object",
      "properties": {
        "action":   {"type": "string", "minLength": 1},
        "resource": {"type": "string"},
        "conditions": {
          "type": "object",
          "properties": {
            "env": {"type": "array", "items": {"type": "string"}},
            "time_range": {
              "type": "object",
              "properties": {
                "start": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
                "end":   {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
                "tz":    {"type": "string"}
              },
              "required": ["start", "end"],
              "additionalProperties": false
            },
            "day_of_week": {
              "type": "array",
              "items": {"enum": ["Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"]}
            },
            "expr": {"type": "string", "minLength": 1}
          },
          "additionalProperties": false
        }
      },
      "required": ["action"],
      "additionalProperties": false
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://agentguard.schemas.local/policy.schema.json"
		if err := c.AddResource(url, strings.NewReader(policyDocumentSchema)); err != nil {
			schemaErr = fmt.Errorf("policy schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(url)
	})
	return compiledSchema, schemaErr
}

// ValidationIssue is a per-field validation failure surfaced as a 422 item.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateRules checks a policy document body (the allow/deny/require_approval
// tuple) against the schema, then compiles any CEL expressions so broken
// guards are rejected at write time.
func ValidateRules(raw json.RawMessage) []ValidationIssue {
	schema, err := documentSchema()
	if err != nil {
		return []ValidationIssue{{Field: "", Message: err.Error()}}
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []ValidationIssue{{Field: "", Message: "body is not valid JSON"}}
	}

	var issues []ValidationIssue
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			for _, leaf := range leafCauses(ve) {
				issues = append(issues, ValidationIssue{
					Field:   instancePath(leaf.InstanceLocation),
					Message: leaf.Message,
				})
			}
		} else {
			issues = append(issues, ValidationIssue{Field: "", Message: err.Error()})
		}
		return issues
	}

	// Schema-valid: decode and compile expressions.
	var body struct {
		Allow           []Rule `json:"allow"`
		Deny            []Rule `json:"deny"`
		RequireApproval []Rule `json:"require_approval"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return []ValidationIssue{{Field: "", Message: err.Error()}}
	}
	for list, rules := range map[string][]Rule{
		"allow":            body.Allow,
		"deny":             body.Deny,
		"require_approval": body.RequireApproval,
	} {
		for i, r := range rules {
			if r.Conditions == nil || r.Conditions.Expr == "" {
				continue
			}
			if _, err := CompileExpr(r.Conditions.Expr); err != nil {
				issues = append(issues, ValidationIssue{
					Field:   fmt.Sprintf("%s[%d].conditions.expr", list, i),
					Message: err.Error(),
				})
			}
		}
	}
	return issues
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// leafCauses flattens the validation error tree to its most specific causes.
func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var leaves []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		leaves = append(leaves, leafCauses(c)...)
	}
	return leaves
}

func instancePath(loc string) string {
	path := strings.TrimPrefix(loc, "/")
	return strings.ReplaceAll(path, "/", ".")
}
