/*
Package types defines the records shared across playpen packages.

  - SessionState: lifecycle of the single sandbox (not_booted, booting, ready, error)
  - ProcessInfo: snapshot of a process held by the registry
  - DependencyCacheEntry / CachedFile: one cached dependency install per project
  - ProjectSessionState: the per-client record of the wired-up project

ProjectSessionState serialises to the shape consumed by the preview flow:

	{"projectId":"p1","isReady":true,"previewUrl":"http://127.0.0.1:5173","devServerProcessId":"3f0c..."}

PreviewURL and DevServerProcessID are pointers so that an unset value is
encoded as null rather than an empty string.
*/
package types
