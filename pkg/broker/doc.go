/*
Package broker is the application core behind the HTTP surface.

It composes the agent registry, the durable task store, the client key
store, and the in-memory urgent store, and exposes one method per API
operation: agent registration and login, task polling and pick-up,
progress and result reporting, client submission (queued and blocking),
status polling, and the management operations. Every authenticated agent
call stamps the agent's last contact, which is what keeps the liveness
view current without a heartbeat protocol.
*/
package broker
