// Package cache maintains the local mirror: every downloaded file <p> lives
// under the cache root next to its <p>.info sidecar, compressed downloads are
// unpacked in place (tar archives become directories), and freshness is
// decided by comparing the sidecar datetime with the server's. Mutating
// operations on one path are serialised through a Locks manager; the inner
// *Locked variants take the caller's Guard so composite operations such as
// LocalPathOrDownload never lock the same path twice.
package cache
