package protocol

// RPC method names accepted over the WebSocket. Anything else gets
// an "Unknown method: ..." error response.
const (
	MethodHealth       = "health"
	MethodSessionsList = "sessions.list"
	MethodSessionsRead = "sessions.read"
	MethodRestart      = "restart"
)

// Event names pushed from server to client.
const (
	EventHealth    = "health"
	EventCron      = "cron"
	EventHeartbeat = "heartbeat"
	EventShutdown  = "shutdown"
)

// HealthPayload is broadcast on EventHealth every 30 seconds and returned
// by the health method and HTTP route.
type HealthPayload struct {
	Status    string `json:"status"`
	Uptime    int64  `json:"uptime"` // seconds since process start
	Clients   int    `json:"clients"`
	Sessions  int    `json:"sessions"`
	Timestamp int64  `json:"timestamp"` // unix ms
}
