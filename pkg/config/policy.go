package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/pursuitworks/govern/pkg/contracts"
)

// PolicySchemaVersion is the policy document layout version. A document
// is accepted when its schema_version has the same major version.
const PolicySchemaVersion = "1.0.0"

// PolicyDocument is the operator-managed workflow policy: the autonomy
// policy, the approval chain template, and the role directory.
type PolicyDocument struct {
	SchemaVersion string                   `yaml:"schema_version" json:"schema_version"`
	Autonomy      contracts.AutonomyPolicy `yaml:"autonomy" json:"autonomy"`
	Chain         contracts.ChainTemplate  `yaml:"chain" json:"chain"`
	// Approvers maps approver roles to person identifiers.
	Approvers map[string]string `yaml:"approvers" json:"approvers"`
}

// policySchema structurally validates the document before it is
// interpreted, so a malformed file fails with a field-level error
// instead of a zero-valued policy.
const policySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["schema_version", "autonomy", "chain"],
	"properties": {
		"schema_version": {"type": "string"},
		"autonomy": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"threshold_usd": {"type": "number", "minimum": 0},
				"min_score": {"type": "number", "minimum": 0, "maximum": 100},
				"excluded_categories": {"type": "array", "items": {"type": "string"}},
				"exclusion_rules": {"type": "array", "items": {"type": "string"}}
			}
		},
		"chain": {
			"type": "object",
			"required": ["steps"],
			"properties": {
				"steps": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"required": ["name", "approver_role"],
						"properties": {
							"name": {"type": "string", "minLength": 1},
							"approver_role": {"type": "string", "enum": ["admin", "contract_officer", "viewer"]}
						}
					}
				}
			}
		},
		"approvers": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	}
}`

// DefaultPolicy is the built-in policy used when no document is
// configured: autonomy up to 500000 USD with a minimum qualification
// score of 90, and a legal then finance review chain.
func DefaultPolicy() *PolicyDocument {
	return &PolicyDocument{
		SchemaVersion: PolicySchemaVersion,
		Autonomy: contracts.AutonomyPolicy{
			Enabled:      true,
			ThresholdUSD: 500000,
			MinScore:     90,
		},
		Chain: contracts.ChainTemplate{Steps: []contracts.ChainStep{
			{Name: "legal_review", ApproverRole: contracts.RoleContractOfficer},
			{Name: "finance_review", ApproverRole: contracts.RoleContractOfficer},
		}},
	}
}

// LoadPolicy reads, validates, and parses a YAML policy document.
func LoadPolicy(path string) (*PolicyDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: policy read failed: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy validates and parses a YAML policy document.
func ParsePolicy(data []byte) (*PolicyDocument, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, contracts.Validationf("policy document is not valid YAML: %v", err)
	}

	if err := validateAgainstSchema(raw); err != nil {
		return nil, err
	}

	var doc PolicyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, contracts.Validationf("policy document does not match the expected shape: %v", err)
	}

	if err := checkSchemaVersion(doc.SchemaVersion); err != nil {
		return nil, err
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func validateAgainstSchema(raw any) error {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("policy.json", strings.NewReader(policySchema)); err != nil {
		return fmt.Errorf("config: policy schema is broken: %w", err)
	}
	schema, err := compiler.Compile("policy.json")
	if err != nil {
		return fmt.Errorf("config: policy schema is broken: %w", err)
	}

	// Round-trip through JSON so the schema sees JSON-typed values.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return contracts.Validationf("policy document is not representable as JSON: %v", err)
	}
	var jsonValue any
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	if err := dec.Decode(&jsonValue); err != nil {
		return fmt.Errorf("config: policy re-decode failed: %w", err)
	}

	if err := schema.Validate(jsonValue); err != nil {
		return contracts.Validationf("policy document failed validation: %v", err)
	}
	return nil
}

func checkSchemaVersion(version string) error {
	docVer, err := semver.NewVersion(version)
	if err != nil {
		return contracts.Validationf("policy schema_version %q is not parseable: %v", version, err)
	}
	supported := semver.MustParse(PolicySchemaVersion)
	if docVer.Major() != supported.Major() {
		return contracts.Validationf("policy schema_version %s is not compatible with %s",
			version, PolicySchemaVersion)
	}
	return nil
}

// validate enforces the constraints the schema cannot express.
func (d *PolicyDocument) validate() error {
	seen := map[string]bool{}
	for _, step := range d.Chain.Steps {
		if seen[step.Name] {
			return contracts.Validationf("chain step %q appears more than once", step.Name)
		}
		seen[step.Name] = true
	}
	for role := range d.Approvers {
		switch contracts.Role(role) {
		case contracts.RoleAdmin, contracts.RoleContractOfficer, contracts.RoleViewer:
		default:
			return contracts.Validationf("approvers references unknown role %q", role)
		}
	}
	return nil
}

// RoleDirectory converts the approver map to typed roles.
func (d *PolicyDocument) RoleDirectory() map[contracts.Role]string {
	out := make(map[contracts.Role]string, len(d.Approvers))
	for role, person := range d.Approvers {
		out[contracts.Role(role)] = person
	}
	return out
}
