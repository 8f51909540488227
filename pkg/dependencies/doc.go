// Package dependencies resolves plugin dependency constraints and keeps the
// graph of installed plugins acyclic.
//
// Specs take the form "name", "name>=1.0.0" or "name>=1.0.0,<2.0.0". Each
// constraint is one of ==, !=, >, >=, <, <= or ~= plus a version; a bare
// version means ==.
//
//	resolver := dependencies.NewResolver(source, log)
//	if err := resolver.Check(ctx, manifest); err != nil {
//		// unsatisfied constraint or cycle
//	}
//	order, err := resolver.InstallOrder(manifests)
//
// Edges in the graph run from a dependency to its dependents. Cycle checks are
// a single depth-first pass over a copy of the installed graph with the
// candidate added.
package dependencies
