// Package notify turns accepted collaboration events into webhook
// notifications.
//
// The hub hands every event it fans out to the Engine, which matches it
// against the configured rules. A matched rule fires at most once per
// cooldown window per contract, so a burst of edits on one document
// produces a single notification rather than hundreds. Delivery happens
// in the background and never blocks the hub.
package notify
