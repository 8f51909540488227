package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

// PolicyValidatorClass is the entry type of the custom-validator plugin
const PolicyValidatorClass = "CustomValidatorPlugin"

// Content types understood by PolicyValidator.Validate
const (
	ContentCloudFormation = "cloudformation"
	ContentTerraform      = "terraform"
	ContentAzureARM       = "azure_arm"
)

var (
	terraformResourceRegex = regexp.MustCompile(`resource\s+"([^"]+)"\s+"([^"]+)"\s*\{`)
	genericSecretPatterns  = []struct {
		re      *regexp.Regexp
		message string
	}{
		{regexp.MustCompile(`(?i)password\s*=\s*["'][^"']*["']`), "Hardcoded password detected"},
		{regexp.MustCompile(`(?i)api[_-]?key\s*=\s*["'][^"']*["']`), "Hardcoded API key detected"},
		{regexp.MustCompile(`(?i)secret\s*=\s*["'][^"']*["']`), "Hardcoded secret detected"},
	}
	awsStorageTypes   = []string{"AWS::S3::Bucket", "AWS::RDS::DBInstance", "AWS::EC2::Volume"}
	azureStorageTypes = []string{"Microsoft.Storage/storageAccounts", "Microsoft.Sql/servers"}
)

func policyValidatorManifest() *plugins.Manifest {
	return &plugins.Manifest{
		Metadata: baseMetadata("custom-validator",
			"Rule-based validator for CloudFormation, Terraform and ARM templates",
			[]string{"validation", "policy", "tags", "encryption"}, []string{"validators"}),
		Type:        plugins.PluginTypeValidator,
		MainClass:   PolicyValidatorClass,
		ModulePath:  Module,
		Runtime:     plugins.RuntimeNative,
		Hooks:       []string{"template_validate"},
		Provides:    []string{"policy_validation"},
		Permissions: []plugins.Permission{plugins.PermissionFileRead},
	}
}

// Rule toggles one check. Pattern applies to naming_convention and Tags to
// required_tags.
type Rule struct {
	Enabled bool     `json:"enabled"`
	Pattern string   `json:"pattern,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Message string   `json:"message"`
}

// Rules is the rule set, keyed as in the plugin config
type Rules struct {
	NamingConvention   Rule `json:"naming_convention"`
	RequiredTags       Rule `json:"required_tags"`
	EncryptionRequired Rule `json:"encryption_required"`
}

// DefaultRules returns the rules used for keys the config leaves out
func DefaultRules() Rules {
	return Rules{
		NamingConvention: Rule{
			Enabled: true,
			Pattern: `^[a-z][a-z0-9-]*[a-z0-9]$`,
			Message: "Resource names must be lowercase with hyphens",
		},
		RequiredTags: Rule{
			Enabled: true,
			Tags:    []string{"Environment", "Project", "Owner"},
			Message: "All resources must have required tags",
		},
		EncryptionRequired: Rule{
			Enabled: true,
			Message: "All storage resources must have encryption enabled",
		},
	}
}

// PolicyValidator checks infrastructure templates against naming, tagging
// and encryption rules
type PolicyValidator struct {
	manifest *plugins.Manifest
	rules    Rules
	naming   *regexp.Regexp
	strict   bool
	log      *logrus.Entry
}

// NewPolicyValidator is the factory for PolicyValidatorClass. config may
// carry strict_mode and a rules map overriding individual default rules.
func NewPolicyValidator(manifest *plugins.Manifest, config map[string]any) (plugins.Instance, error) {
	rules, err := mergeRules(config["rules"])
	if err != nil {
		return nil, err
	}
	v := &PolicyValidator{
		manifest: manifest,
		rules:    rules,
		strict:   configBool(config, "strict_mode", false),
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	if rules.NamingConvention.Enabled {
		if v.naming, err = regexp.Compile(rules.NamingConvention.Pattern); err != nil {
			return nil, fmt.Errorf("invalid naming_convention pattern: %w", err)
		}
	}
	return v, nil
}

// mergeRules overlays the configured rules on DefaultRules, one rule at a time
func mergeRules(raw any) (Rules, error) {
	rules := DefaultRules()
	configured, ok := raw.(map[string]any)
	if !ok {
		return rules, nil
	}
	targets := map[string]*Rule{
		"naming_convention":   &rules.NamingConvention,
		"required_tags":       &rules.RequiredTags,
		"encryption_required": &rules.EncryptionRequired,
	}
	for key, value := range configured {
		target, ok := targets[key]
		if !ok {
			continue
		}
		data, err := json.Marshal(value)
		if err != nil {
			return rules, fmt.Errorf("invalid rule %s: %w", key, err)
		}
		var r Rule
		if err := json.Unmarshal(data, &r); err != nil {
			return rules, fmt.Errorf("invalid rule %s: %w", key, err)
		}
		*target = r
	}
	return rules, nil
}

func (v *PolicyValidator) Initialize(_ context.Context, pc *plugins.Context) error {
	if pc != nil && pc.Logger != nil {
		v.log = pc.Logger
	}
	v.log.Debugf("Policy validator ready (strict: %t)", v.strict)
	return nil
}

func (v *PolicyValidator) Activate(context.Context) error { return nil }

func (v *PolicyValidator) Deactivate(context.Context) error { return nil }

func (v *PolicyValidator) Cleanup(context.Context) error { return nil }

// Rules returns the effective rule set
func (v *PolicyValidator) Rules() Rules { return v.rules }

// findings collects results for one Validate call
type findings struct {
	strict bool
	out    []plugins.Finding
}

func (f *findings) errorf(path, format string, args ...any) {
	f.out = append(f.out, plugins.Finding{Severity: plugins.SeverityHigh, Message: fmt.Sprintf(format, args...), Path: path})
}

// warnf records a warning; strict mode raises warnings to errors
func (f *findings) warnf(path, format string, args ...any) {
	sev := plugins.SeverityMedium
	if f.strict {
		sev = plugins.SeverityHigh
	}
	f.out = append(f.out, plugins.Finding{Severity: sev, Message: fmt.Sprintf(format, args...), Path: path})
}

// Validate checks content of the type named by vctx["type"]. Unknown types
// get the generic empty-content and hardcoded-secret checks.
func (v *PolicyValidator) Validate(ctx context.Context, content string, vctx map[string]any) ([]plugins.Finding, error) {
	f := &findings{strict: v.strict}
	contentType, _ := vctx["type"].(string)

	switch contentType {
	case ContentCloudFormation:
		v.validateCloudFormation(f, content)
	case ContentTerraform:
		v.validateTerraform(f, content)
	case ContentAzureARM:
		v.validateARM(f, content)
	default:
		validateGeneric(f, content)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.log.WithField("type", contentType).Debugf("Validation finished with %d findings", len(f.out))
	return f.out, nil
}

// Hooks answers template_validate with the findings for args["content"]
func (v *PolicyValidator) Hooks() map[string]plugins.HookFunc {
	return map[string]plugins.HookFunc{
		"template_validate": func(ctx context.Context, args map[string]any) (any, error) {
			content, _ := args["content"].(string)
			return v.Validate(ctx, content, args)
		},
	}
}

func (v *PolicyValidator) validateCloudFormation(f *findings, content string) {
	var doc map[string]any
	var err error
	if strings.HasPrefix(strings.TrimSpace(content), "{") {
		err = json.Unmarshal([]byte(content), &doc)
	} else {
		err = yaml.Unmarshal([]byte(content), &doc)
	}
	if err != nil {
		f.errorf("", "Failed to parse CloudFormation template: %v", err)
		return
	}

	resources, ok := doc["Resources"].(map[string]any)
	if !ok {
		f.errorf("", "CloudFormation template missing Resources section")
		return
	}
	names := make([]string, 0, len(resources))
	for name := range resources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cfg, _ := resources[name].(map[string]any)
		v.validateResource(f, name, cfg, "aws")
	}
}

func (v *PolicyValidator) validateARM(f *findings, content string) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		f.errorf("", "Failed to parse ARM template: %v", err)
		return
	}
	for _, field := range []string{"$schema", "contentVersion", "resources"} {
		if _, ok := doc[field]; !ok {
			f.errorf("", "ARM template missing required field: %s", field)
		}
	}
	resources, _ := doc["resources"].([]any)
	for _, item := range resources {
		res, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := res["name"].(string)
		if _, hasType := res["type"]; !hasType || name == "" {
			continue
		}
		v.validateResource(f, name, res, "azure")
	}
}

func (v *PolicyValidator) validateTerraform(f *findings, content string) {
	if !strings.Contains(content, "provider ") {
		f.warnf("", "No provider configuration found")
	}
	matches := terraformResourceRegex.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		f.warnf("", "No resources defined in Terraform configuration")
	}
	for _, m := range matches {
		resourceType, name := content[m[2]:m[3]], content[m[4]:m[5]]
		body, ok := terraformBlock(content[m[1]:])
		if !ok {
			f.errorf(resourceType+"."+name, "Could not find resource block for %s.%s", resourceType, name)
			continue
		}
		switch {
		case strings.Contains(resourceType, "aws_s3_bucket"):
			if !strings.Contains(body, "server_side_encryption_configuration") {
				f.warnf(resourceType+"."+name, "S3 bucket '%s' should have encryption enabled", name)
			}
		case strings.Contains(resourceType, "aws_instance"):
			if strings.Contains(body, "associate_public_ip_address = true") {
				f.warnf(resourceType+"."+name, "EC2 instance '%s' has public IP - security risk", name)
			}
		}
	}
}

// terraformBlock returns the text up to the brace closing a block whose
// opening brace was just consumed
func terraformBlock(rest string) (string, bool) {
	depth := 1
	for i, r := range rest {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return rest[:i], true
			}
		}
	}
	return "", false
}

func validateGeneric(f *findings, content string) {
	if strings.TrimSpace(content) == "" {
		f.errorf("", "Content is empty")
		return
	}
	for _, p := range genericSecretPatterns {
		if p.re.MatchString(content) {
			f.warnf("", "%s", p.message)
		}
	}
}

func (v *PolicyValidator) validateResource(f *findings, name string, cfg map[string]any, provider string) {
	if v.rules.NamingConvention.Enabled && v.naming != nil && !v.naming.MatchString(name) {
		f.errorf(name, "Resource '%s': %s", name, v.rules.NamingConvention.Message)
	}

	if v.rules.RequiredTags.Enabled {
		tags := extractTags(cfg, provider)
		var missing []string
		for _, tag := range v.rules.RequiredTags.Tags {
			if _, ok := tags[tag]; !ok {
				missing = append(missing, tag)
			}
		}
		if len(missing) > 0 {
			f.warnf(name, "Resource '%s': %s. Missing: %s", name, v.rules.RequiredTags.Message, strings.Join(missing, ", "))
		}
	}

	if v.rules.EncryptionRequired.Enabled && isStorageResource(cfg, provider) && !hasEncryption(cfg, provider) {
		f.errorf(name, "Resource '%s': %s", name, v.rules.EncryptionRequired.Message)
	}
}

func extractTags(cfg map[string]any, provider string) map[string]any {
	tags := map[string]any{}
	switch provider {
	case "aws":
		props, _ := cfg["Properties"].(map[string]any)
		list, _ := props["Tags"].([]any)
		for _, item := range list {
			tag, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if key, ok := tag["Key"].(string); ok {
				if value, ok := tag["Value"]; ok {
					tags[key] = value
				}
			}
		}
	case "azure":
		if m, ok := cfg["tags"].(map[string]any); ok {
			tags = m
		}
	}
	return tags
}

func isStorageResource(cfg map[string]any, provider string) bool {
	var resourceType string
	var storage []string
	switch provider {
	case "aws":
		resourceType, _ = cfg["Type"].(string)
		storage = awsStorageTypes
	case "azure":
		resourceType, _ = cfg["type"].(string)
		storage = azureStorageTypes
	}
	for _, s := range storage {
		if strings.Contains(resourceType, s) {
			return true
		}
	}
	return false
}

func hasEncryption(cfg map[string]any, provider string) bool {
	switch provider {
	case "aws":
		props, _ := cfg["Properties"].(map[string]any)
		if _, ok := props["BucketEncryption"]; ok {
			return true
		}
		for _, key := range []string{"StorageEncrypted", "Encrypted"} {
			if enabled, ok := props[key].(bool); ok {
				return enabled
			}
		}
	case "azure":
		props, _ := cfg["properties"].(map[string]any)
		enc, _ := props["encryption"].(map[string]any)
		services, _ := enc["services"].(map[string]any)
		blob, _ := services["blob"].(map[string]any)
		enabled, _ := blob["enabled"].(bool)
		return enabled
	}
	return false
}
