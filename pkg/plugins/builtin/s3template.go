package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

// S3TemplateClass is the entry type of the aws-s3-template plugin
const S3TemplateClass = "AWSS3TemplatePlugin"

var bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

func s3TemplateManifest() *plugins.Manifest {
	return &plugins.Manifest{
		Metadata: baseMetadata("aws-s3-template",
			"AWS S3 bucket template plugin with advanced configuration options",
			[]string{"aws", "s3", "storage", "template"}, []string{"templates", "aws"}),
		Type:        plugins.PluginTypeTemplate,
		MainClass:   S3TemplateClass,
		ModulePath:  Module,
		Runtime:     plugins.RuntimeNative,
		Hooks:       []string{"template_create", "template_validate"},
		Provides:    []string{"s3_template"},
		Permissions: []plugins.Permission{plugins.PermissionFileRead, plugins.PermissionTempWrite},
	}
}

// S3TemplatePlugin contributes CloudFormation templates for S3 buckets
type S3TemplatePlugin struct {
	manifest      *plugins.Manifest
	defaultRegion string
	bucketPrefix  string
	enableLogging bool
	log           *logrus.Entry
}

// NewS3TemplatePlugin is the factory for S3TemplateClass. Recognized config
// keys are default_region, bucket_prefix and enable_logging.
func NewS3TemplatePlugin(manifest *plugins.Manifest, config map[string]any) (plugins.Instance, error) {
	return &S3TemplatePlugin{
		manifest:      manifest,
		defaultRegion: configString(config, "default_region", "us-east-1"),
		bucketPrefix:  configString(config, "bucket_prefix", ""),
		enableLogging: configBool(config, "enable_logging", true),
		log:           logrus.NewEntry(logrus.StandardLogger()),
	}, nil
}

func (p *S3TemplatePlugin) Initialize(_ context.Context, pc *plugins.Context) error {
	if pc != nil && pc.Logger != nil {
		p.log = pc.Logger
	}
	p.log.Infof("AWS S3 template plugin initialized with region: %s", p.defaultRegion)
	return nil
}

func (p *S3TemplatePlugin) Activate(context.Context) error {
	if p.enableLogging {
		p.log.Info("AWS S3 template logging enabled")
	}
	return nil
}

func (p *S3TemplatePlugin) Deactivate(context.Context) error { return nil }

func (p *S3TemplatePlugin) Cleanup(context.Context) error { return nil }

// SupportedProviders returns the providers the templates target
func (p *S3TemplatePlugin) SupportedProviders() []string { return []string{"aws"} }

// TemplateClass returns a factory building S3BucketTemplate values from
// params. name is required; the remaining keys override template defaults.
func (p *S3TemplatePlugin) TemplateClass() (plugins.TemplateFactory, error) {
	return func(_ context.Context, params map[string]any) (any, error) {
		name, _ := params["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("template name is required")
		}
		return p.CreateTemplate(name, params), nil
	}, nil
}

// CreateTemplate builds a bucket template with the plugin's region
func (p *S3TemplatePlugin) CreateTemplate(name string, vars map[string]any) *S3BucketTemplate {
	return &S3BucketTemplate{
		Name:                name,
		Description:         "AWS S3 bucket template: " + name,
		Region:              configString(vars, "region", p.defaultRegion),
		BucketName:          configString(vars, "bucket_name", name+"-bucket"),
		VersioningEnabled:   configBool(vars, "versioning_enabled", true),
		EncryptionEnabled:   configBool(vars, "encryption_enabled", true),
		PublicAccessBlocked: configBool(vars, "public_access_blocked", true),
		DeletionProtection:  configBool(vars, "deletion_protection", false),
	}
}

// Hooks handles template_create and template_validate
func (p *S3TemplatePlugin) Hooks() map[string]plugins.HookFunc {
	return map[string]plugins.HookFunc{
		"template_create": func(_ context.Context, args map[string]any) (any, error) {
			if args["template_type"] == "s3" {
				p.log.Infof("Creating S3 template: %v", args["template_name"])
			}
			return nil, nil
		},
		"template_validate": func(_ context.Context, args map[string]any) (any, error) {
			t, ok := args["template"].(*S3BucketTemplate)
			if !ok {
				return nil, nil
			}
			var warnings []string
			if p.bucketPrefix != "" && !strings.HasPrefix(t.BucketName, p.bucketPrefix) {
				warnings = append(warnings, fmt.Sprintf("S3 bucket %s does not follow naming convention", t.BucketName))
				p.log.Warn(warnings[0])
			}
			return warnings, nil
		},
	}
}

// S3BucketTemplate renders one bucket as a CloudFormation stack
type S3BucketTemplate struct {
	Name                string `json:"name"`
	Description         string `json:"description"`
	Region              string `json:"region"`
	BucketName          string `json:"bucket_name"`
	VersioningEnabled   bool   `json:"versioning_enabled"`
	EncryptionEnabled   bool   `json:"encryption_enabled"`
	PublicAccessBlocked bool   `json:"public_access_blocked"`
	DeletionProtection  bool   `json:"deletion_protection"`
}

// Validate checks the bucket name against the S3 naming rules
func (t *S3BucketTemplate) Validate() error {
	name := t.BucketName
	if len(name) < 3 || len(name) > 63 {
		return fmt.Errorf("invalid bucket name %q: must be 3-63 characters", name)
	}
	if !bucketNameRegex.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid bucket name %q: lowercase letters, digits and hyphens only", name)
	}
	return nil
}

// Generate renders the CloudFormation template as indented JSON
func (t *S3BucketTemplate) Generate() (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	doc := map[string]any{
		"AWSTemplateFormatVersion": "2010-09-09",
		"Description":              "S3 Bucket: " + t.Description,
		"Parameters":               t.parameters(),
		"Resources":                map[string]any{"S3Bucket": t.bucket()},
		"Outputs":                  t.outputs(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return string(data), nil
}

func (t *S3BucketTemplate) parameters() map[string]any {
	versioning := "false"
	if t.VersioningEnabled {
		versioning = "true"
	}
	return map[string]any{
		"BucketName": map[string]any{
			"Type":        "String",
			"Default":     t.BucketName,
			"Description": "Name of the S3 bucket",
		},
		"VersioningEnabled": map[string]any{
			"Type":          "String",
			"Default":       versioning,
			"AllowedValues": []string{"true", "false"},
			"Description":   "Enable versioning on the bucket",
		},
	}
}

func (t *S3BucketTemplate) bucket() map[string]any {
	props := map[string]any{"BucketName": map[string]any{"Ref": "BucketName"}}
	if t.VersioningEnabled {
		props["VersioningConfiguration"] = map[string]any{"Status": "Enabled"}
	}
	if t.EncryptionEnabled {
		props["BucketEncryption"] = map[string]any{
			"ServerSideEncryptionConfiguration": []any{map[string]any{
				"ServerSideEncryptionByDefault": map[string]any{"SSEAlgorithm": "AES256"},
			}},
		}
	}
	if t.PublicAccessBlocked {
		props["PublicAccessBlockConfiguration"] = map[string]any{
			"BlockPublicAcls":       true,
			"BlockPublicPolicy":     true,
			"IgnorePublicAcls":      true,
			"RestrictPublicBuckets": true,
		}
	}
	resource := map[string]any{"Type": "AWS::S3::Bucket", "Properties": props}
	if t.DeletionProtection {
		resource["DeletionPolicy"] = "Retain"
	}
	return resource
}

func (t *S3BucketTemplate) outputs() map[string]any {
	export := func(suffix string) map[string]any {
		return map[string]any{"Name": map[string]any{"Fn::Sub": "${AWS::StackName}-" + suffix}}
	}
	return map[string]any{
		"BucketName": map[string]any{
			"Description": "Name of the created S3 bucket",
			"Value":       map[string]any{"Ref": "S3Bucket"},
			"Export":      export("BucketName"),
		},
		"BucketArn": map[string]any{
			"Description": "ARN of the created S3 bucket",
			"Value":       map[string]any{"Fn::GetAtt": []string{"S3Bucket", "Arn"}},
			"Export":      export("BucketArn"),
		},
	}
}
