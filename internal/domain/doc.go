// Package domain defines the data model, error taxonomy and contracts shared
// across the engine. It contains plain types (wire and state) and interfaces
// only; behaviour lives in internal/protocol and internal/services.
//
// State types are plain data so the store can persist them as-is and every
// mutation can be computed on a Clone before it is committed.
package domain
