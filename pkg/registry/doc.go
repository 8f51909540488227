// Package registry persists the records of installed plugins.
//
// The registry is one JSON file:
//
//	{
//	  "version": "1.0",
//	  "created_at": "...",
//	  "plugins": {"name": {record}},
//	  "index": {"by_type": {}, "by_author": {}, "by_provider": {}, "dependencies": {}}
//	}
//
// Every change is applied to a copy, written to a temp file in the same
// directory, synced and renamed over the target. The in-memory state only
// advances once the rename succeeds. A file that fails to parse is copied to
// <name>.backup.<YYYYMMDD_HHMMSS>.json and replaced by an empty registry.
//
// An optional Journal receives each committed change. SQLJournal stores them
// in SQLite or PostgreSQL.
package registry
