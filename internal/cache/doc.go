// Package cache defines the disk-backed store that holds cached origin
// responses, split into named partitions (one per application version).
// A partition is a directory under StoragePath; each entry is a body file plus
// a small JSON sidecar with the status code and response headers. Writes use
// temp file + rename, and a partition-level lock keeps a deletion from racing
// writers so a dropped partition is never resurrected by a late Put.
package cache
