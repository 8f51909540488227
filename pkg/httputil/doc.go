// Package httputil holds the JSON response, request parsing and middleware
// helpers shared by the daemon's HTTP handlers.
//
// WriteError maps the plugin error taxonomy onto status codes:
//
//	ErrPluginNotFound                              404
//	ErrAlreadyInstalled, ErrAlreadyActive, ...     409
//	ErrPermissionDenied                            403
//	ManifestError, SecurityViolation               422
//	DependencyError                                424
//	MarketplaceError                               502
//
// Everything else is a 500.
package httputil
