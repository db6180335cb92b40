/*
Package types defines the broker's domain model and the JSON schema shared by
clients, agents, and the management surface.

The central identity is TaskID, a (capability, id) pair. Its URL form is
"cap/id" and its storage form is "cap|id"; the id part is a ULID, so storage
keys for one capability sort by creation time under a common prefix.

Tasks exist in two shapes: UnassignedTask before any agent owns them, and
AssignedTask afterwards. AssignTo is the only transition between the two and
stamps the assignment time. The Completed, Failed, and Canceled statuses are
terminal and absorbing.

Agent liveness is a pure predicate: Online() derives from LastContact at call
time and must never be precomputed or cached by callers.
*/
package types
