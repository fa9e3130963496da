// Package iox holds small cleanup helpers shared by publishers, the remote
// link and the CLI.
package iox

import "io"

// DiscardClose closes c and drops the error. For defers where a close
// failure cannot be acted on:
//
//	defer iox.DiscardClose(resp.Body)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a func that closes c, for t.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(conn))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and drops the error, e.g. for logger.Sync on exit.
func DiscardErr(fn func() error) { _ = fn() }
