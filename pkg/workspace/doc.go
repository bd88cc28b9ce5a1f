/*
Package workspace drives one client session against the sandbox.

A Workspace ties the session manager, filesystem, command runner, process
registry, dependency cache and project state together into the operations
callers use: open a project, mount its files, install its dependencies,
start its dev server, build it and validate it.

# Install

Install takes the cheapest available path:

	session          dependencies already installed in this boot for the same manifest
	cache            the dependency cache holds a tree for this exact manifest
	package_manager  the install command runs; on success the tree is cached

A failed install surfaces errdefs.ErrInstallFailure with the captured output
and leaves the cache untouched.

# Project switch

Opening a different project kills every tracked process and forgets the
installed dependencies before the new project's state is written, so a dev
server from the previous project can never hold the port the next one needs.

# Dev server reuse

StartDev reuses a recorded dev server only when the project state says it is
ready, the sandbox is actually booted and the server's process is still
tracked. A record that survived a restart fails the second check.
*/
package workspace
