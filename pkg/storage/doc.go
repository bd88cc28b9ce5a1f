/*
Package storage persists playpen state in a single BoltDB file.

Layout of playpen.db:

	dependency_cache/
	    <projectID>/
	        meta    JSON types.DependencyCacheEntry
	        files/  relative path -> file bytes
	project_state/
	    <clientID>  JSON types.ProjectSessionState
	project_sources/
	    <projectID> last saved project payload

A project holds at most one dependency cache generation. PutDependencyCache
drops the previous generation and writes the new one in one transaction.
Project state is keyed by client session so a restart with the same client
ID sees it and a new client does not.
*/
package storage
