// Package proto defines the JSON messages exchanged between storage nodes,
// the balancer and its clients.
package proto

// Destination is the network address a storage node serves blobs on.
type Destination struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// RegisterRequest is sent by a storage node to join the balancer.
type RegisterRequest struct {
	Destination *Destination `json:"destination"`
	Name        string       `json:"name,omitempty"`
}

// RegisterResponse is returned after successful registration.
type RegisterResponse struct {
	ID string `json:"id"`
}

// NodeInfo summarises a registered storage node.
type NodeInfo struct {
	ID          string      `json:"id"`
	Destination Destination `json:"destination"`
	Name        string      `json:"name"`
	// State is "healthy" or "burned".
	State    string `json:"state"`
	Failures int    `json:"failures"`
	// BurnedUntil is a unix timestamp, zero while the node is healthy.
	BurnedUntil int64 `json:"burned_until,omitempty"`
}

// NodeListResponse contains the registered storage nodes in registration order.
type NodeListResponse struct {
	Data []NodeInfo `json:"data"`
}

// UsageStats is a storage node's accounting snapshot.
type UsageStats struct {
	UsedBytes       int64 `json:"used_bytes"`
	ReservedBytes   int64 `json:"reserved_bytes"`
	QuotaBytes      int64 `json:"quota_bytes"`
	AvailableBytes  int64 `json:"available_bytes"`
	Objects         int64 `json:"objects"`
	VolumeTotal     int64 `json:"volume_total_bytes,omitempty"`
	VolumeAvailable int64 `json:"volume_available_bytes,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error        string `json:"error"`
	Code         int    `json:"code"`
	ErrorMessage string `json:"errorMessage"`
}
