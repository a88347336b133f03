// Package tenant enforces per-user resource ownership and per-plan quota
// limits across the control plane's order, VPS, and snapshot domains.
package tenant

import (
	"context"
	"errors"
	"fmt"
)

// ErrOwnershipViolation is returned when a user tries to access a resource they don't own.
var ErrOwnershipViolation = errors.New("ownership violation: resource does not belong to user")

// ResourceType represents the type of a user-owned resource.
type ResourceType string

const (
	ResourceTypeOrder              ResourceType = "order"
	ResourceTypeVPSInstance        ResourceType = "vps_instance"
	ResourceTypeSnapshot           ResourceType = "snapshot"
	ResourceTypePaymentTransaction ResourceType = "payment_transaction"
)

// Resource represents a user-owned resource.
type Resource struct {
	OwnerID string
	Type    ResourceType
	ID      string
}

// Repo defines the interface for ownership-related repository lookups.
type Repo interface {
	OrderOwnerID(ctx context.Context, orderID string) (string, error)
	VPSInstanceOwnerID(ctx context.Context, vpsID string) (string, error)
}

// IsolationEnforcer enforces per-user ownership rules so one account can
// never read or mutate another account's orders, VPS instances, or
// snapshots through a shared resource ID.
type IsolationEnforcer struct {
	repo Repo
}

// NewIsolationEnforcer creates a new IsolationEnforcer.
func NewIsolationEnforcer(repo Repo) *IsolationEnforcer {
	return &IsolationEnforcer{repo: repo}
}

// EnforceOwnership checks that the given userID owns the specified resource.
// Returns ErrOwnershipViolation if it does not.
func (e *IsolationEnforcer) EnforceOwnership(ctx context.Context, userID string, resource Resource) error {
	if userID == "" {
		return errors.New("user ID is required")
	}
	if resource.ID == "" {
		return errors.New("resource ID is required")
	}

	// Direct comparison when the caller already loaded the resource and
	// knows its owner (e.g. a VPSInstance or Order fetched upstream).
	if resource.OwnerID != "" {
		if resource.OwnerID != userID {
			return fmt.Errorf("%w: expected owner %s, got %s", ErrOwnershipViolation, resource.OwnerID, userID)
		}
		return nil
	}

	// Otherwise fall back to a repo lookup by resource type.
	switch resource.Type {
	case ResourceTypeOrder:
		return e.enforceOrderAccess(ctx, userID, resource.ID)
	case ResourceTypeVPSInstance:
		return e.enforceVPSAccess(ctx, userID, resource.ID)
	case ResourceTypeSnapshot, ResourceTypePaymentTransaction:
		// These are always verified through their parent VPSInstance/Order;
		// a bare resource with no OwnerID and no repo lookup is a caller bug.
		return fmt.Errorf("%w: %s requires a resolved OwnerID", ErrOwnershipViolation, resource.Type)
	default:
		return fmt.Errorf("unknown resource type: %s", resource.Type)
	}
}

func (e *IsolationEnforcer) enforceOrderAccess(ctx context.Context, userID, orderID string) error {
	ownerID, err := e.repo.OrderOwnerID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to verify order ownership: %w", err)
	}
	if ownerID != userID {
		return fmt.Errorf("%w: order %s does not belong to user %s", ErrOwnershipViolation, orderID, userID)
	}
	return nil
}

func (e *IsolationEnforcer) enforceVPSAccess(ctx context.Context, userID, vpsID string) error {
	ownerID, err := e.repo.VPSInstanceOwnerID(ctx, vpsID)
	if err != nil {
		return fmt.Errorf("failed to verify vps instance ownership: %w", err)
	}
	if ownerID != userID {
		return fmt.Errorf("%w: vps instance %s does not belong to user %s", ErrOwnershipViolation, vpsID, userID)
	}
	return nil
}

// EnforceOwnershipByID loads the resource by ID through the repo and checks
// ownership. Useful when the caller has only an ID, not the loaded resource.
func (e *IsolationEnforcer) EnforceOwnershipByID(ctx context.Context, userID string, resourceType ResourceType, resourceID string) error {
	switch resourceType {
	case ResourceTypeOrder:
		return e.enforceOrderAccess(ctx, userID, resourceID)
	case ResourceTypeVPSInstance:
		return e.enforceVPSAccess(ctx, userID, resourceID)
	default:
		return fmt.Errorf("unknown resource type for ID-based lookup: %s", resourceType)
	}
}
