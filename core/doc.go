// Package core contains the shared data model and contracts used across the
// taskmesh runtime: conversation threads and messages, workflow state and
// checkpoints, the persistence contract (ThreadStore) and the error taxonomy
// every component reports through.
//
// The package deliberately holds no behavior beyond what the types themselves
// need (defensive copying, locking, id generation). Orchestration lives in
// the router and workflow packages; persistence implementations live under
// memory.
package core
