// Package api owns the HTTP and WebSocket surface of the controller.
//
// Boundary:
// - exposes worker state (GET /state, GET /ws) and action intake (POST /actions)
// - serves health, including audio stream health when a monitor is attached
// - restarts a failed audio monitor on request (POST /audio/restart)
// - carries no device logic; everything goes through the worker queue
package api
