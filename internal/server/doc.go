// Package server hosts the Fiber HTTP service used by the serve command. It
// exposes a local mirror the same way a plain static file server would, so
// another serverfiles instance can use it as its remote: directory pages with
// anchors, raw files, .info sidecars and a generated __INFO__ catalog.
// Diagnostics live under /-/ and are registered by the routes package.
package server
