// Package domain implements the isolated loading domain a module runs in.
//
// A Domain owns one sandboxed Lua state. Code-unit requests made with
// require are resolved against the shared registry first; shared names get
// a view over the host's single instance, everything else is loaded as a
// private copy from the module root. Release closes the state and drops the
// host's reference to it. Whether the state has actually been collected is
// observable only through the domain's Tracker.
package domain
