package model

import "strings"

// CreateRequest asks for a new channel in an execution.
// The idempotency key travels beside the payload and is not hashed.
type CreateRequest struct {
	ExecutionID    string       `json:"executionId"`
	WorkflowName   string       `json:"workflowName"`
	UserID         string       `json:"userId"`
	Spec           ChannelSpec  `json:"spec"`
	StoragePeer    *StoragePeer `json:"storagePeer,omitempty"`
	IdempotencyKey string       `json:"-"`
}

// Validate checks required fields. requireName is false for GetOrCreate,
// which may derive the name from the channel id.
func (r CreateRequest) Validate(requireName bool) error {
	if err := required(map[string]string{
		"executionId":  r.ExecutionID,
		"workflowName": r.WorkflowName,
		"userId":       r.UserID,
	}); err != nil {
		return err
	}
	if requireName && strings.TrimSpace(r.Spec.Name) == "" {
		return InvalidArgument("spec.name is required")
	}
	if r.StoragePeer != nil {
		if strings.TrimSpace(r.StoragePeer.URI) == "" {
			return InvalidArgument("storagePeer.uri is required")
		}
		if !r.StoragePeer.Role.Valid() {
			return InvalidArgument("storagePeer.role %q is invalid", r.StoragePeer.Role)
		}
	}
	return nil
}

// BindRequest binds a slot owned by a worker or portal to a channel.
type BindRequest struct {
	ChannelID      string    `json:"channelId"`
	PeerID         string    `json:"peerId"`
	Slot           SlotSpec  `json:"slot"`
	OwnerType      OwnerType `json:"ownerType"`
	Address        string    `json:"address"`
	IdempotencyKey string    `json:"-"`
}

// Role is the peer role implied by the slot direction.
func (r BindRequest) Role() Role {
	role, _ := r.Slot.Direction.Role()
	return role
}

// Validate checks required fields and enum values.
func (r BindRequest) Validate() error {
	if err := required(map[string]string{
		"channelId": r.ChannelID,
		"peerId":    r.PeerID,
		"slot.name": r.Slot.Name,
		"address":   r.Address,
	}); err != nil {
		return err
	}
	if _, ok := r.Slot.Direction.Role(); !ok {
		return InvalidArgument("slot.direction %q is invalid", r.Slot.Direction)
	}
	if !r.OwnerType.Bindable() {
		return InvalidArgument("ownerType %q cannot be bound", r.OwnerType)
	}
	return nil
}

// UnbindRequest removes a peer from its channel.
type UnbindRequest struct {
	ChannelID      string `json:"channelId"`
	PeerID         string `json:"peerId"`
	IdempotencyKey string `json:"-"`
}

// Validate checks required fields.
func (r UnbindRequest) Validate() error {
	return required(map[string]string{
		"channelId": r.ChannelID,
		"peerId":    r.PeerID,
	})
}

// DestroyRequest destroys one channel.
type DestroyRequest struct {
	ChannelID      string `json:"channelId"`
	IdempotencyKey string `json:"-"`
}

// Validate checks required fields.
func (r DestroyRequest) Validate() error {
	return required(map[string]string{"channelId": r.ChannelID})
}

// DestroyAllRequest destroys every channel of an execution.
type DestroyAllRequest struct {
	ExecutionID    string `json:"executionId"`
	IdempotencyKey string `json:"-"`
}

// Validate checks required fields.
func (r DestroyAllRequest) Validate() error {
	return required(map[string]string{"executionId": r.ExecutionID})
}

// BindResponse is the client-visible progress and result of a Bind.
// Peer is the counterpart selected for the bound peer, if any.
type BindResponse struct {
	Peer       *Peer  `json:"peer,omitempty"`
	TransferID string `json:"transferId,omitempty"`
}

// TransferFailedResponse reports the outcome of reselection after a
// transfer failure. NewPeer is nil when no candidate producer was left.
type TransferFailedResponse struct {
	NewPeer       *Peer  `json:"newPeer,omitempty"`
	NewTransferID string `json:"newTransferId,omitempty"`
}

// required returns InvalidArgument naming the first empty field in
// lexical order, so the message is stable.
func required(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	first := missing[0]
	for _, m := range missing[1:] {
		if m < first {
			first = m
		}
	}
	return InvalidArgument("%s is required", first)
}
