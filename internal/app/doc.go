// Package app wires the feed components into the conversation orchestrator
// that a UI layer drives.
//
// Responsibilities:
// - Own the subscription lifecycle for the signed-in user and the open conversation.
// - Validate commands and turn them into remote store writes.
// - Publish change events whenever a feed snapshot has been applied.
//
// Non-responsibilities:
// - Rendering and layout.
// - Session issuance; the current user id is injected.
package app
