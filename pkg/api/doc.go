/*
Package api is the broker's HTTP and WebSocket surface.

Three route groups with three authentication schemes: /agent and
/private/agent for agents (permanent credentials to register and log in,
then a bearer JWT), /api for clients (an apiKey field in every request
body, checked against the active key set), and /management behind a
static shared token. Errors leave as the standard JSON envelope with the
status mapped from the error kind.

The server also owns the periodic maintenance loops: the stale-task
archival sweep and the agent liveness log.
*/
package api
