// Package vm implements the lumen runtime core.
//
// This package contains:
//   - NaN-boxed tagged value representation
//   - Text intern store and opaque host values (userdata)
//   - Open-addressed tables with parent-chain lookup
//   - Function prototype registry
//   - Anchor table for host-held strong and weak references
//   - Fallback (tag method) dispatch table
//   - Stop-the-world mark-and-sweep collector
//   - Bytecode interpreter and the unified call protocol
//
// A State owns every store. Separate States are fully isolated; a single
// State must only be used from one goroutine at a time.
package vm
