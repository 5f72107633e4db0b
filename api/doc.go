// Package api documents the TurnFlow HTTP API.
//
// # API Overview
//
// TurnFlow serves voice sessions over two surfaces:
//   - Synchronous turns: POST /api/v1/sessions/{id}/turns takes one caller
//     utterance and returns the reply, including any agent handoffs
//   - Realtime sessions: GET /api/v1/sessions/{id}/realtime upgrades to a
//     WebSocket carrying speech, transcript and tool-call events
//
// Supporting endpoints:
//   - POST /api/v1/sessions, GET /api/v1/sessions, GET and DELETE /api/v1/sessions/{id}
//   - GET /api/v1/sessions/{id}/audio streams synthesized audio of synchronous turns
//   - GET /api/v1/pools reports resource pool snapshots
//   - /health, /healthz, /ready and /version
//
// Prometheus metrics are served on a separate port at /metrics.
//
// # Authentication
//
// When API keys are configured, every /api/ endpoint requires the X-API-Key header:
//
//	X-API-Key: your-api-key
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
package api
