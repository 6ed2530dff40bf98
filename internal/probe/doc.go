// Package probe opens connections to instrumentation agents running inside
// target processes.
//
// A Conn acquires a device from a device.Manager, attaches to (or spawns) a
// process, loads the agent payload and then owns exactly one bridge.Session
// for its lifetime. Memory is read and written at a seek offset; commands go
// through System, which resolves the local command set and forwards the rest
// to the agent. When a store is configured every command, callback and
// detach is recorded.
package probe
