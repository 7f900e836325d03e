package model

import (
	"encoding/json"
	"time"
)

// Role is the direction a peer plays on a channel.
type Role string

const (
	RoleProducer Role = "PRODUCER"
	RoleConsumer Role = "CONSUMER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleProducer || r == RoleConsumer
}

// OwnerType identifies what kind of endpoint owns a peer.
//
// Each owner type carries its own cardinality rule per channel:
//   - WORKER: at most one PRODUCER, unlimited CONSUMERs
//   - PORTAL: at most one live peer, irrespective of role
//   - STORAGE: created with the channel, never bound by clients
type OwnerType string

const (
	OwnerWorker  OwnerType = "WORKER"
	OwnerPortal  OwnerType = "PORTAL"
	OwnerStorage OwnerType = "STORAGE"
)

// Valid reports whether o is a known owner type.
func (o OwnerType) Valid() bool {
	switch o {
	case OwnerWorker, OwnerPortal, OwnerStorage:
		return true
	}
	return false
}

// Bindable reports whether clients may bind peers of this owner type.
func (o OwnerType) Bindable() bool {
	return o == OwnerWorker || o == OwnerPortal
}

// Direction is the slot direction reported by the slot owner.
type Direction string

const (
	DirectionInput  Direction = "INPUT"
	DirectionOutput Direction = "OUTPUT"
)

// Role maps a slot direction to the peer role it binds as.
// An OUTPUT slot produces data, an INPUT slot consumes it.
func (d Direction) Role() (Role, bool) {
	switch d {
	case DirectionOutput:
		return RoleProducer, true
	case DirectionInput:
		return RoleConsumer, true
	}
	return "", false
}

// ChannelState is the lifecycle state of a channel.
type ChannelState string

const (
	ChannelAlive      ChannelState = "ALIVE"
	ChannelDestroying ChannelState = "DESTROYING"
)

// TransferState is the lifecycle state of a transfer.
//
// PENDING -> ACTIVE -> {COMPLETED | FAILED}
type TransferState string

const (
	TransferPending   TransferState = "PENDING"
	TransferActive    TransferState = "ACTIVE"
	TransferCompleted TransferState = "COMPLETED"
	TransferFailed    TransferState = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s TransferState) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed
}

// OperationType names the public mutation an operation wraps.
type OperationType string

const (
	OpCreate     OperationType = "CREATE"
	OpBind       OperationType = "BIND"
	OpUnbind     OperationType = "UNBIND"
	OpDestroy    OperationType = "DESTROY"
	OpDestroyAll OperationType = "DESTROY_ALL"
)

// StoragePeer describes the external storage address a channel may be
// created with. Role is the role the storage endpoint plays on the channel.
type StoragePeer struct {
	URI  string `json:"uri"`
	Role Role   `json:"role"`
}

// ChannelSpec is the caller-supplied description of a channel.
type ChannelSpec struct {
	Name   string `json:"name"`
	Scheme string `json:"scheme,omitempty"`
}

// Channel is a named rendezvous point for one data artifact of an execution.
type Channel struct {
	ID           string       `json:"id"`
	ExecutionID  string       `json:"executionId"`
	WorkflowName string       `json:"workflowName"`
	UserID       string       `json:"userId"`
	Name         string       `json:"name"`
	Scheme       string       `json:"scheme,omitempty"`
	State        ChannelState `json:"state"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// SlotSpec describes the slot a peer is bound through.
type SlotSpec struct {
	Name        string    `json:"name"`
	Direction   Direction `json:"direction"`
	ContentType string    `json:"contentType,omitempty"`
}

// Peer is a bound endpoint on a channel.
//
// Priority orders producer candidates: lower values are preferred.
type Peer struct {
	ID             string    `json:"id"`
	ChannelID      string    `json:"channelId"`
	Role           Role      `json:"role"`
	OwnerType      OwnerType `json:"ownerType"`
	Priority       int64     `json:"priority"`
	Connected      bool      `json:"connected"`
	Address        string    `json:"address"`
	Slot           SlotSpec  `json:"slot"`
	IdempotencyKey string    `json:"-"`
	RequestHash    string    `json:"-"`
}

// Transfer is one data-movement attempt from a producer to a consumer.
//
// OperationID links the transfer to the Bind operation that owns it; that
// operation is resumed whenever the transfer changes state.
type Transfer struct {
	ID               string        `json:"id"`
	ChannelID        string        `json:"channelId"`
	FromPeerID       string        `json:"fromPeerId"`
	ToPeerID         string        `json:"toPeerId"`
	State            TransferState `json:"state"`
	ErrorDescription string        `json:"errorDescription,omitempty"`
	OperationID      string        `json:"operationId,omitempty"`
}

// Operation is the durable record of one mutating request.
//
// Cursor is the index of the next unexecuted step. Payload is the immutable
// request; State is step-private progress; Metadata is client-visible progress.
// Once Done is set exactly one of Response or Error is present.
type Operation struct {
	ID             string          `json:"id"`
	Type           OperationType   `json:"type"`
	ChannelID      string          `json:"channelId,omitempty"`
	ExecutionID    string          `json:"executionId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	RequestHash    string          `json:"-"`
	Done           bool            `json:"done"`
	Cursor         int             `json:"cursor"`
	Payload        json.RawMessage `json:"-"`
	State          json.RawMessage `json:"-"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Failed reports whether the operation finished with an error.
func (o Operation) Failed() bool {
	return o.Done && o.Error != nil
}

// ChannelStatus is a read-only snapshot of a channel and its peers.
// Producers are ordered by priority, consumers by bind order.
type ChannelStatus struct {
	Channel   Channel `json:"channel"`
	Producers []Peer  `json:"producers"`
	Consumers []Peer  `json:"consumers"`
}
