// Package services provides the composite service graph modules resolve
// host and module services through.
//
// A Collection is the builder a module fills during configure-services. A
// Container materializes one collection and owns the values it creates. A
// Composite chains the module container, the containers of the modules it
// depends on, and the host provider, in that order. Scopes created from a
// composite hold per-use instances of scoped services.
//
// Resolution never degrades silently: a name no layer provides is an
// ErrServiceNotFound error. Callers that can work without a service use
// TryResolve.
package services
