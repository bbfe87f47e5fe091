package harmony

import "time"

// Hub is a discovered Harmony hub. Identity is ID; a rediscovered hub
// replaces the previous record wholesale rather than being merged.
type Hub struct {
	ID           string `json:"id"`
	FriendlyName string `json:"friendlyName"`
	IP           string `json:"ip"`
	RemoteID     string `json:"remoteId,omitempty"`
	Port         string `json:"port,omitempty"`
	HubVersion   string `json:"hubVersion,omitempty"`
}

// Activity is a named preset state of the hub (e.g. "Watch TV"). At most
// one activity is active at a time; the connection manager enforces this
// locally, the hub protocol does not.
type Activity struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	IsActive bool   `json:"isActive"`
}

// Device is a controllable appliance known to the hub. It owns its
// commands; commands do not outlive their device.
type Device struct {
	ID       string    `json:"id"`
	Label    string    `json:"label"`
	Type     string    `json:"type"`
	Commands []Command `json:"commands"`
}

// Command is a single remote-control function. DeviceID is a lookup
// back-reference into the owning device, not ownership.
type Command struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	DeviceID string `json:"deviceId"`
}

// Session is the single live authentication session for the process.
type Session struct {
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expiresAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// CachedData is the last-known hub configuration. It is derived data,
// rebuildable from a live connection, and never consulted to decide
// whether a command may execute.
type CachedData struct {
	Hub        Hub        `json:"hub"`
	Activities []Activity `json:"activities"`
	Devices    []Device   `json:"devices"`
	Timestamp  time.Time  `json:"timestamp"`
}
