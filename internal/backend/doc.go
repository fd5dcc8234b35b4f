// Package backend defines where a command task runs when it does not run in
// the local process table, and a registry that resolves backends by name.
package backend
