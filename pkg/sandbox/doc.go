// Package sandbox runs plugin code under an explicit capability context.
//
// Every invocation gets a SecurityContext holding a frozen permission set and
// a private temp directory. Plugin file and import operations go through it:
//
//	err := sb.Execute(ctx, "aws-vpc", plugins.PluginTypeTemplate, nil,
//		func(ctx context.Context, sc *sandbox.SecurityContext) error {
//			return instance.Activate(ctx)
//		})
//
// File rules: reads need file_read; writes need file_write, or temp_write for
// paths inside the temp dir. Paths must fall under the temp dir or an allowed
// root after symlink resolution. Denials are recorded as violations.
//
// Invocations are serialized process-wide because CPU and address-space
// ceilings are process attributes. Calling Execute from inside fn blocks
// forever.
package sandbox
