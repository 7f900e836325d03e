// Package slots talks to the Slot API: the service on each worker or portal
// runtime that physically moves bytes between two peer endpoints.
//
// The channel manager only asks runtimes to connect, disconnect or destroy
// slots. Transfer outcomes come back asynchronously through the
// TransferCompleted and TransferFailed callbacks of the channel manager.
package slots

import (
	"context"
)

// Endpoint identifies one side of a slot connection.
type Endpoint struct {
	ChannelID string `json:"channelId"`
	PeerID    string `json:"peerId"`
	Address   string `json:"address"`
	Storage   bool   `json:"storage,omitempty"`
}

// ConnectRequest asks a runtime to stream data for one transfer.
type ConnectRequest struct {
	TransferID string   `json:"transferId"`
	From       Endpoint `json:"from"`
	To         Endpoint `json:"to"`
}

// Client is the consumed Slot API.
//
// Errors carrying a model.Code are final; any other error is transient and
// the caller may retry.
type Client interface {
	// ConnectSlot sends req to the runtime at target and returns the
	// runtime's operation id once the connect has been accepted.
	ConnectSlot(ctx context.Context, target string, req ConnectRequest) (string, error)

	// DisconnectSlot detaches a peer's slot from its channel.
	DisconnectSlot(ctx context.Context, peer Endpoint) error

	// DestroySlot releases a peer's slot.
	DestroySlot(ctx context.Context, peer Endpoint) error
}
