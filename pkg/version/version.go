// Package version records the control-plane release version reported by
// both binaries and checked for skew during LM polling.
package version

// Version is the semantic version of this build. Overridable at link time
// with -ldflags "-X github.com/mario4tier/suiftly-co-sub006/pkg/version.Version=...".
var Version = "1.4.0"
