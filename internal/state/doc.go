// Package state persists build records.
//
// A record is written each time an overlay builds successfully. It keeps the
// install timestamp stamped into the manifest so that later commands, such as
// checking whether the installed overlay is the newest build, can default to
// it. Records are JSON files in the state directory, one per overlay package.
package state
