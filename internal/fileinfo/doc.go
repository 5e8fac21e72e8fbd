// Package fileinfo holds the value types shared by the remote catalog and the
// local mirror: segment paths, the .info metadata document (known fields plus
// opaque extras), the __INFO__ catalog encoding, and the substring search
// predicate used by both sides.
package fileinfo
