package builtin

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

func TestRegister(t *testing.T) {
	r := plugins.NewFactoryRegistry()
	require.NoError(t, Register(r))
	assert.True(t, r.HasModule(Module))

	for _, m := range Manifests() {
		factory, err := r.Get(m.ModulePath, m.MainClass)
		require.NoError(t, err, m.Name)
		inst, err := factory(m, nil)
		require.NoError(t, err, m.Name)
		require.NoError(t, inst.Initialize(context.Background(), &plugins.Context{}))
	}

	assert.Error(t, Register(r), "entry types register once")
}

func TestWritePackages(t *testing.T) {
	dir := t.TempDir()
	paths, err := WritePackages(dir)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	for i, want := range Manifests() {
		assert.Equal(t, filepath.Join(dir, want.Name), paths[i])
		got, err := plugins.LoadManifestFromDir(paths[i])
		require.NoError(t, err)
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.Version, got.Version)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, Module, got.ModulePath)
		assert.Equal(t, plugins.RuntimeNative, got.RuntimeName())
	}

	_, err = WritePackages(dir)
	assert.NoError(t, err, "rewriting is allowed")
}

func newS3Plugin(t *testing.T, config map[string]any) *S3TemplatePlugin {
	t.Helper()
	inst, err := NewS3TemplatePlugin(s3TemplateManifest(), config)
	require.NoError(t, err)
	return inst.(*S3TemplatePlugin)
}

func TestS3TemplateClass(t *testing.T) {
	p := newS3Plugin(t, map[string]any{"default_region": "eu-west-1"})
	var _ plugins.TemplatePlugin = p
	assert.Equal(t, []string{"aws"}, p.SupportedProviders())

	factory, err := p.TemplateClass()
	require.NoError(t, err)

	_, err = factory(context.Background(), map[string]any{})
	assert.Error(t, err)

	out, err := factory(context.Background(), map[string]any{"name": "logs", "versioning_enabled": false})
	require.NoError(t, err)
	tmpl := out.(*S3BucketTemplate)
	assert.Equal(t, "eu-west-1", tmpl.Region)
	assert.Equal(t, "logs-bucket", tmpl.BucketName)
	assert.False(t, tmpl.VersioningEnabled)
	assert.True(t, tmpl.EncryptionEnabled)
}

func TestS3BucketTemplateGenerate(t *testing.T) {
	p := newS3Plugin(t, nil)

	t.Run("rendered stack", func(t *testing.T) {
		tmpl := p.CreateTemplate("data", map[string]any{"deletion_protection": true})
		out, err := tmpl.Generate()
		require.NoError(t, err)

		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &doc))
		assert.Equal(t, "2010-09-09", doc["AWSTemplateFormatVersion"])

		bucket := doc["Resources"].(map[string]any)["S3Bucket"].(map[string]any)
		assert.Equal(t, "AWS::S3::Bucket", bucket["Type"])
		assert.Equal(t, "Retain", bucket["DeletionPolicy"])
		props := bucket["Properties"].(map[string]any)
		assert.Contains(t, props, "BucketEncryption")
		assert.Contains(t, props, "VersioningConfiguration")
		assert.Contains(t, props, "PublicAccessBlockConfiguration")
		assert.Contains(t, doc["Outputs"], "BucketArn")
	})

	t.Run("output passes the policy validator", func(t *testing.T) {
		out, err := p.CreateTemplate("data", nil).Generate()
		require.NoError(t, err)
		v := newPolicyValidator(t, map[string]any{
			"rules": map[string]any{
				"naming_convention": map[string]any{"enabled": false},
				"required_tags":     map[string]any{"enabled": false},
			},
		})
		findings, err := v.Validate(context.Background(), out, map[string]any{"type": ContentCloudFormation})
		require.NoError(t, err)
		assert.Empty(t, findings)
	})

	for _, name := range []string{"ab", "Upper-Case", "bad..dots", "-leading"} {
		t.Run("rejects "+name, func(t *testing.T) {
			tmpl := p.CreateTemplate("x", map[string]any{"bucket_name": name})
			_, err := tmpl.Generate()
			assert.Error(t, err)
		})
	}
}

func TestS3TemplateValidateHook(t *testing.T) {
	p := newS3Plugin(t, map[string]any{"bucket_prefix": "acme-"})
	hook := p.Hooks()["template_validate"]
	require.NotNil(t, hook)

	out, err := hook(context.Background(), map[string]any{"template": p.CreateTemplate("logs", nil)})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	out, err = hook(context.Background(), map[string]any{"template": p.CreateTemplate("acme-logs", map[string]any{"bucket_name": "acme-logs"})})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func newPolicyValidator(t *testing.T, config map[string]any) *PolicyValidator {
	t.Helper()
	inst, err := NewPolicyValidator(policyValidatorManifest(), config)
	require.NoError(t, err)
	return inst.(*PolicyValidator)
}

func messages(findings []plugins.Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Message)
	}
	return out
}

func TestPolicyValidatorRules(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		assert.Equal(t, DefaultRules(), newPolicyValidator(t, nil).Rules())
	})

	t.Run("override one rule", func(t *testing.T) {
		v := newPolicyValidator(t, map[string]any{
			"rules": map[string]any{
				"required_tags": map[string]any{"enabled": true, "tags": []any{"Team"}, "message": "tag it"},
			},
		})
		rules := v.Rules()
		assert.Equal(t, []string{"Team"}, rules.RequiredTags.Tags)
		assert.Equal(t, DefaultRules().NamingConvention, rules.NamingConvention)
	})

	t.Run("bad pattern", func(t *testing.T) {
		_, err := NewPolicyValidator(policyValidatorManifest(), map[string]any{
			"rules": map[string]any{"naming_convention": map[string]any{"enabled": true, "pattern": "("}},
		})
		assert.Error(t, err)
	})
}

func TestPolicyValidatorValidate(t *testing.T) {
	const taggedBucket = `{
  "Resources": {
    "data-bucket": {
      "Type": "AWS::S3::Bucket",
      "Properties": {
        "BucketEncryption": {},
        "Tags": [
          {"Key": "Environment", "Value": "prod"},
          {"Key": "Project", "Value": "cc"},
          {"Key": "Owner", "Value": "ops"}
        ]
      }
    }
  }
}`
	const yamlStack = `
Resources:
  DataBucket:
    Type: AWS::S3::Bucket
    Properties:
      Tags:
        - Key: Environment
          Value: prod
`
	const terraform = `
provider "aws" {
  region = "us-east-1"
}

resource "aws_s3_bucket" "logs" {
  bucket = "logs"
}

resource "aws_instance" "web" {
  ami = "ami-123"
  associate_public_ip_address = true
}
`
	const arm = `{
  "contentVersion": "1.0.0.0",
  "resources": [
    {"name": "store", "type": "Microsoft.Storage/storageAccounts", "tags": {"Environment": "a", "Project": "b", "Owner": "c"}}
  ]
}`

	tests := []struct {
		name       string
		config     map[string]any
		vtype      string
		content    string
		severities []plugins.Severity
		paths      []string
	}{
		{
			name:    "compliant cloudformation",
			vtype:   ContentCloudFormation,
			content: taggedBucket,
		},
		{
			name:       "yaml cloudformation",
			vtype:      ContentCloudFormation,
			content:    yamlStack,
			severities: []plugins.Severity{plugins.SeverityHigh, plugins.SeverityMedium, plugins.SeverityHigh},
			paths:      []string{"DataBucket", "DataBucket", "DataBucket"},
		},
		{
			name:       "strict mode raises warnings",
			config:     map[string]any{"strict_mode": true},
			vtype:      ContentCloudFormation,
			content:    yamlStack,
			severities: []plugins.Severity{plugins.SeverityHigh, plugins.SeverityHigh, plugins.SeverityHigh},
			paths:      []string{"DataBucket", "DataBucket", "DataBucket"},
		},
		{
			name:       "missing resources",
			vtype:      ContentCloudFormation,
			content:    `{"Description": "empty"}`,
			severities: []plugins.Severity{plugins.SeverityHigh},
			paths:      []string{""},
		},
		{
			name:       "unparseable cloudformation",
			vtype:      ContentCloudFormation,
			content:    "{not json",
			severities: []plugins.Severity{plugins.SeverityHigh},
			paths:      []string{""},
		},
		{
			name:       "terraform",
			vtype:      ContentTerraform,
			content:    terraform,
			severities: []plugins.Severity{plugins.SeverityMedium, plugins.SeverityMedium},
			paths:      []string{"aws_s3_bucket.logs", "aws_instance.web"},
		},
		{
			name:       "terraform without provider",
			vtype:      ContentTerraform,
			content:    "locals {}\n",
			severities: []plugins.Severity{plugins.SeverityMedium, plugins.SeverityMedium},
			paths:      []string{"", ""},
		},
		{
			name:       "arm",
			vtype:      ContentAzureARM,
			content:    arm,
			severities: []plugins.Severity{plugins.SeverityHigh, plugins.SeverityHigh},
			paths:      []string{"", "store"},
		},
		{
			name:       "generic empty",
			content:    "  \n",
			severities: []plugins.Severity{plugins.SeverityHigh},
			paths:      []string{""},
		},
		{
			name:       "generic secrets",
			vtype:      "ansible",
			content:    "password = \"hunter2\"\napi_key = 'abc'\n",
			severities: []plugins.Severity{plugins.SeverityMedium, plugins.SeverityMedium},
			paths:      []string{"", ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newPolicyValidator(t, tt.config)
			findings, err := v.Validate(context.Background(), tt.content, map[string]any{"type": tt.vtype})
			require.NoError(t, err)

			var sevs []plugins.Severity
			var paths []string
			for _, f := range findings {
				sevs = append(sevs, f.Severity)
				paths = append(paths, f.Path)
			}
			assert.Equal(t, tt.severities, sevs, messages(findings))
			assert.Equal(t, tt.paths, paths)
		})
	}
}

func TestPolicyValidatorHook(t *testing.T) {
	v := newPolicyValidator(t, nil)
	var _ plugins.ValidatorPlugin = v

	out, err := v.Hooks()["template_validate"](context.Background(), map[string]any{
		"type":    ContentAzureARM,
		"content": `{"$schema": "s", "contentVersion": "1", "resources": []}`,
	})
	require.NoError(t, err)
	assert.Empty(t, out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = v.Validate(ctx, "x", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
