/*
Package depcache is a durable, content-addressed cache of installed
dependency trees.

An entry is keyed by project ID and stores the manifest digest
(sha256:<hex> of package.json) with every file under node_modules, except
the excluded subdirectories (.bin, .cache, .vite, .tmp). Restore only
succeeds when the current manifest digest equals the stored one byte for
byte; there is no partial or semantic matching.

After writing the files back, Restore runs a repair pass ("npm rebuild" by
default) to regenerate executable links and other excluded artifacts. A
failing repair pass does not fail the restore.

Entries are upserted per project and never evicted implicitly. Prune removes
entries whose last access is older than a given age.
*/
package depcache
