// Package manifest parses and validates module manifests.
//
// A manifest lives at the root of a module directory as module.json, or
// module.yaml for hand-written modules. Parsing converts either form to
// JSON so that schema validation and signature canonicalization always see
// the same bytes. Validation is side-effect-free apart from logging and
// reports problems as a boolean plus structured issues.
package manifest
