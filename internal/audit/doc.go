// Package audit buffers security events and relays them to a [Sink].
//
// The engine decides what to emit and with which [Severity]; this package
// only queues, drops on overflow when configured to, and delivers. It must
// not import the root tokenguard package.
package audit
