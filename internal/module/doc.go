// Package module is the module runtime: the lifecycle state machine, the
// runtime registry, module handles and the module contract.
//
// # Lifecycle
//
//	Discovered -> Loaded -> Active -> Unloaded
//	     \           \
//	      +-> Failed <+
//
// Load reads module.json (or module.yaml) from a module directory, validates
// it, creates an isolated loading domain, runs the manifest's core code
// units and instantiates the module's entry types. A manifest that fails
// validation is not an error: Load returns a nil handle and the scan goes
// on. Activate builds the composite service graph and runs initialization
// hooks in dependsOn order. Unload reverses both and releases the domain.
// Reload is Unload then Load against the same path and always returns a new
// handle.
//
// # Module code
//
// A code unit declares entry types through the host SDK:
//
//	local sdk = require("host.sdk")
//	local log = require("host.log")
//
//	sdk.define("Echo", {
//	  configure_services = function(self, services)
//	    services:add_singleton("echo", function(provider)
//	      return { say = function(_, msg) return msg end }
//	    end)
//	  end,
//	  initialize = function(self, app)
//	    app:add_menu({ id = "echo", title = "Echo", route = "/echo" })
//	    log.info("echo ready")
//	  end,
//	})
//
// Host-compiled modules implement Module directly and are registered in a
// Factories by type name.
//
// # Services
//
// A module's services resolve first from its own container, then from the
// containers of the modules it depends on, then from the host graph. A
// service that is not found anywhere is an error; use services.TryResolve
// where a fallback is wanted.
package module
