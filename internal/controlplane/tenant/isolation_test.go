package tenant

import (
	"context"
	"errors"
	"testing"
)

type mockRepo struct {
	orderOwnerID       func(ctx context.Context, orderID string) (string, error)
	vpsInstanceOwnerID func(ctx context.Context, vpsID string) (string, error)
}

func (m *mockRepo) OrderOwnerID(ctx context.Context, orderID string) (string, error) {
	if m.orderOwnerID != nil {
		return m.orderOwnerID(ctx, orderID)
	}
	return "user-1", nil
}

func (m *mockRepo) VPSInstanceOwnerID(ctx context.Context, vpsID string) (string, error) {
	if m.vpsInstanceOwnerID != nil {
		return m.vpsInstanceOwnerID(ctx, vpsID)
	}
	return "user-1", nil
}

func TestEnforceOwnership(t *testing.T) {
	tests := []struct {
		name        string
		userID      string
		resource    Resource
		mockRepo    *mockRepo
		wantErr     bool
		errContains string
	}{
		{
			name:   "valid access - matching owner ID",
			userID: "user-1",
			resource: Resource{
				OwnerID: "user-1",
				Type:    ResourceTypeVPSInstance,
				ID:      "vps-1",
			},
			wantErr: false,
		},
		{
			name:   "invalid access - mismatched owner ID",
			userID: "user-1",
			resource: Resource{
				OwnerID: "user-2",
				Type:    ResourceTypeVPSInstance,
				ID:      "vps-1",
			},
			wantErr:     true,
			errContains: "ownership violation",
		},
		{
			name:   "missing user ID",
			userID: "",
			resource: Resource{
				OwnerID: "user-1",
				Type:    ResourceTypeVPSInstance,
				ID:      "vps-1",
			},
			wantErr:     true,
			errContains: "user ID is required",
		},
		{
			name:   "missing resource ID",
			userID: "user-1",
			resource: Resource{
				OwnerID: "user-1",
				Type:    ResourceTypeVPSInstance,
				ID:      "",
			},
			wantErr:     true,
			errContains: "resource ID is required",
		},
		{
			name:   "order access - allowed via repo lookup",
			userID: "user-1",
			resource: Resource{
				Type: ResourceTypeOrder,
				ID:   "order-1",
			},
			mockRepo: &mockRepo{
				orderOwnerID: func(ctx context.Context, orderID string) (string, error) {
					if orderID == "order-1" {
						return "user-1", nil
					}
					return "user-2", nil
				},
			},
			wantErr: false,
		},
		{
			name:   "order access - denied via repo lookup",
			userID: "user-1",
			resource: Resource{
				Type: ResourceTypeOrder,
				ID:   "order-2",
			},
			mockRepo: &mockRepo{
				orderOwnerID: func(ctx context.Context, orderID string) (string, error) {
					return "user-2", nil
				},
			},
			wantErr:     true,
			errContains: "does not belong to user",
		},
		{
			name:   "vps instance access - allowed via repo lookup",
			userID: "user-1",
			resource: Resource{
				Type: ResourceTypeVPSInstance,
				ID:   "vps-1",
			},
			mockRepo: &mockRepo{
				vpsInstanceOwnerID: func(ctx context.Context, vpsID string) (string, error) {
					return "user-1", nil
				},
			},
			wantErr: false,
		},
		{
			name:   "vps instance access - denied via repo lookup",
			userID: "user-1",
			resource: Resource{
				Type: ResourceTypeVPSInstance,
				ID:   "vps-2",
			},
			mockRepo: &mockRepo{
				vpsInstanceOwnerID: func(ctx context.Context, vpsID string) (string, error) {
					return "user-2", nil
				},
			},
			wantErr:     true,
			errContains: "does not belong to user",
		},
		{
			name:   "unresolved snapshot resource",
			userID: "user-1",
			resource: Resource{
				Type: ResourceTypeSnapshot,
				ID:   "snap-1",
			},
			wantErr:     true,
			errContains: "requires a resolved OwnerID",
		},
		{
			name:   "unknown resource type",
			userID: "user-1",
			resource: Resource{
				Type: "unknown",
				ID:   "res-1",
			},
			wantErr:     true,
			errContains: "unknown resource type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := tt.mockRepo
			if repo == nil {
				repo = &mockRepo{}
			}
			enforcer := NewIsolationEnforcer(repo)
			ctx := context.Background()

			err := enforcer.EnforceOwnership(ctx, tt.userID, tt.resource)
			if (err != nil) != tt.wantErr {
				t.Errorf("EnforceOwnership() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && tt.errContains != "" {
				if !contains(err.Error(), tt.errContains) {
					t.Errorf("EnforceOwnership() error = %v, should contain %v", err, tt.errContains)
				}
			}
		})
	}
}

func TestEnforceOwnershipByID(t *testing.T) {
	repo := &mockRepo{
		orderOwnerID: func(ctx context.Context, orderID string) (string, error) {
			return orderID, nil
		},
	}
	enforcer := NewIsolationEnforcer(repo)
	ctx := context.Background()

	// Test allowed access
	err := enforcer.EnforceOwnershipByID(ctx, "user-1", ResourceTypeOrder, "user-1")
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	// Test denied access
	err = enforcer.EnforceOwnershipByID(ctx, "user-1", ResourceTypeOrder, "user-2")
	if err == nil {
		t.Error("Expected error, got nil")
	}
	if !errors.Is(err, ErrOwnershipViolation) {
		t.Errorf("Expected ErrOwnershipViolation, got %v", err)
	}
}

func TestRepoErrors(t *testing.T) {
	repo := &mockRepo{
		orderOwnerID: func(ctx context.Context, orderID string) (string, error) {
			return "", errors.New("database error")
		},
		vpsInstanceOwnerID: func(ctx context.Context, vpsID string) (string, error) {
			return "", errors.New("database error")
		},
	}
	enforcer := NewIsolationEnforcer(repo)
	ctx := context.Background()

	err := enforcer.EnforceOwnership(ctx, "user-1", Resource{Type: ResourceTypeOrder, ID: "order-1"})
	if err == nil {
		t.Error("Expected error, got nil")
	}
	if !contains(err.Error(), "failed to verify order ownership") {
		t.Errorf("Expected 'failed to verify order ownership' error, got %v", err)
	}

	err = enforcer.EnforceOwnership(ctx, "user-1", Resource{Type: ResourceTypeVPSInstance, ID: "vps-1"})
	if err == nil {
		t.Error("Expected error, got nil")
	}
	if !contains(err.Error(), "failed to verify vps instance ownership") {
		t.Errorf("Expected 'failed to verify vps instance ownership' error, got %v", err)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || containsHelper(s, substr))
}

func containsHelper(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
