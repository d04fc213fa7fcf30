// Package api provides the code units the host shares with every module.
//
// Modules reach these through require:
//
//	local sdk = require("host.sdk")      -- define entry types, host identity
//	local log = require("host.log")      -- structured logging tagged with the module id
//	local notify = require("host.notify") -- host notification service
//
// Each unit has exactly one Go instance. Every module domain gets its own
// Lua view over that instance, so state held by the unit is shared while no
// Lua value ever crosses between domains.
package api
