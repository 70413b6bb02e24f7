// Package buildinfo carries values stamped at link time.
package buildinfo

// Version is set with -ldflags "-X docker2mqtt/internal/buildinfo.Version=...".
var Version = "dev"
