// Package api serves the daemon's HTTP interface. Routes are grouped per
// service and scoped by owner:
//
//	/api/status
//	/api/owners/{owner}/cvs[/{id}[/reprocess]]
//	/api/owners/{owner}/cvs/{process,backfill,stats,duplicates}
//	/api/owners/{owner}/llm-configs[/{id}[/activate|/rename]]
//	/api/owners/{owner}/tenders[/{id}[/activate|/rename]]
//	/api/owners/{owner}/prompts[/{id}[/activate]]
//	/api/taxonomy[/search|/resolve|/entries[/{key}]]
//
// Errors are returned as {"error": ..., "kind": ...} with the status code
// derived from the services error markers. JSON uses camelCase keys.
package api
