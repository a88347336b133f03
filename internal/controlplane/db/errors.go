package store

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTokenInvalid = errors.New("token invalid")

	// Order / payment domain
	ErrOrderNotPending     = errors.New("order is not in pending state")
	ErrOrderAlreadyPaid    = errors.New("order already paid")
	ErrOrderCancelled      = errors.New("order is cancelled")
	ErrPromotionExhausted  = errors.New("promotion usage cap exhausted")
	ErrPromotionNotActive  = errors.New("promotion is not active")
	ErrDuplicateTxn        = errors.New("duplicate gateway transaction id")

	// Provisioning / VPS domain
	ErrAlreadyProvisioned = errors.New("order item already provisioned")
	ErrVMIDConflict       = errors.New("vmid already in use on cluster/node")
	ErrInvalidVPSState    = errors.New("invalid vps instance state transition")

	// Snapshots
	ErrSnapshotLimitExceeded = errors.New("snapshot limit exceeded for plan")
	ErrSnapshotNameExists    = errors.New("snapshot name already exists for this vm")
)
