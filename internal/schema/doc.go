// Package schema defines the records kept by falcon and their JSON shapes.
//
// # Overview
//
// Every entity is stored as a flat JSON object keyed by field name. The sync
// layer treats them as untyped records ([Record]); the typed structs in this
// package exist for input validation and for the library operations that
// build or mutate records.
//
// # Collections
//
// Four collections are tracked by the sync engine:
//
//	students   multi-document, keyed by generated ids (STU_...)
//	payments   multi-document, keyed by generated ids (PAY_...)
//	settings   single document stored remotely under "library"
//	shifts     single document stored remotely under "library"
//
// Users live in the remote "users" collection and are never tracked.
//
// # Example
//
// A student record as it appears both in the local cache and remotely:
//
//	{
//	  "id": "STU_001",
//	  "name": "Amit Kumar",
//	  "mobile": "9876543210",
//	  "joiningDate": "2026-01-01",
//	  "seatNumber": 1,
//	  "shift": "Morning",
//	  "status": "Active",
//	  "photo": null
//	}
//
// # Numbers
//
// Records decoded from JSON carry numbers as float64. Always compare records
// after passing them through [Normalize] so that locally built records and
// decoded ones have identical shapes.
package schema
