package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
)

// UserState represents a complete snapshot of one user's account data,
// exported independently of a full pg_dump for GDPR-style data export
// requests and targeted account restores.
type UserState struct {
	Version      string                       `json:"version"`
	ExportedAt   time.Time                    `json:"exported_at"`
	UserID       string                       `json:"user_id"`
	User         store.User                   `json:"user"`
	Orders       []OrderState                 `json:"orders"`
	VPSInstances []VPSInstanceState           `json:"vps_instances"`
	AuditEvents  []store.AuditEvent           `json:"audit_events,omitempty"`
}

// OrderState includes an Order with its line items and payment history.
type OrderState struct {
	store.Order
	Items        []store.OrderItem          `json:"items"`
	PaymentTxns  []store.PaymentTransaction `json:"payment_transactions,omitempty"`
}

// VPSInstanceState includes a VPSInstance with its hypervisor VM and
// snapshots.
type VPSInstanceState struct {
	store.VPSInstance
	HypervisorVM store.HypervisorVM `json:"hypervisor_vm"`
	Snapshots    []store.Snapshot   `json:"snapshots,omitempty"`
}

const stateVersion = "1.0"

// Exporter handles per-user state export/import operations, independent of
// the full-database Manager backup/restore flow.
type Exporter struct {
	repo store.Repo
}

// NewExporter creates a new state exporter.
func NewExporter(repo store.Repo) *Exporter {
	return &Exporter{repo: repo}
}

// ExportUser exports all data owned by a specific user.
func (e *Exporter) ExportUser(ctx context.Context, userID string) (*UserState, error) {
	user, err := e.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}

	state := &UserState{
		Version:    stateVersion,
		ExportedAt: time.Now().UTC(),
		UserID:     userID,
		User:       user,
	}

	vpsInstances, err := e.repo.ListVPSInstancesByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing vps instances: %w", err)
	}
	for _, vps := range vpsInstances {
		vm, err := e.repo.GetHypervisorVM(ctx, vps.HypervisorVMID)
		if err != nil {
			return nil, fmt.Errorf("getting hypervisor vm for vps %s: %w", vps.ID, err)
		}
		snapshots, err := e.repo.ListSnapshots(ctx, vm.ID)
		if err != nil {
			return nil, fmt.Errorf("listing snapshots for vm %s: %w", vm.ID, err)
		}
		state.VPSInstances = append(state.VPSInstances, VPSInstanceState{
			VPSInstance:  vps,
			HypervisorVM: vm,
			Snapshots:    snapshots,
		})
	}

	auditEvents, err := e.repo.ListAuditEvents(ctx, userID, 10000)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	state.AuditEvents = auditEvents

	return state, nil
}

// ImportUser restores order/VPS records from a state snapshot. Only used
// for disaster recovery of an individual account; it does not recreate the
// hypervisor-side VMs, which must be reconciled separately against the
// cluster.
func (e *Exporter) ImportUser(ctx context.Context, state *UserState) error {
	if state.Version != stateVersion {
		return fmt.Errorf("unsupported state version: %s (expected %s)", state.Version, stateVersion)
	}

	for _, o := range state.Orders {
		if _, _, err := e.repo.CreateOrder(ctx, o.Order, o.Items); err != nil {
			return fmt.Errorf("restoring order %s: %w", o.OrderNumber, err)
		}
	}

	return nil
}

// SaveToFile saves user state to a JSON file.
func (e *Exporter) SaveToFile(state *UserState, path string) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}

	return nil
}

// LoadFromFile loads user state from a JSON file.
func (e *Exporter) LoadFromFile(path string) (*UserState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var state UserState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshaling state: %w", err)
	}

	return &state, nil
}

// ValidateState validates the integrity of a user state snapshot.
func (e *Exporter) ValidateState(state *UserState) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}

	if state.Version == "" {
		return fmt.Errorf("state version is required")
	}

	if state.UserID == "" {
		return fmt.Errorf("user ID is required")
	}

	if state.ExportedAt.IsZero() {
		return fmt.Errorf("export timestamp is required")
	}

	for _, vps := range state.VPSInstances {
		if vps.ID == "" {
			return fmt.Errorf("vps instance with empty ID found")
		}
		if vps.OwnerID != state.UserID {
			return fmt.Errorf("vps instance %s has mismatched owner ID", vps.ID)
		}
	}

	for _, o := range state.Orders {
		if o.ID == "" {
			return fmt.Errorf("order with empty ID found")
		}
		if o.UserID != state.UserID {
			return fmt.Errorf("order %s has mismatched user ID", o.ID)
		}
	}

	return nil
}

// StateSummary provides a summary of a user state snapshot.
type StateSummary struct {
	UserID          string    `json:"user_id"`
	ExportedAt      time.Time `json:"exported_at"`
	Version         string    `json:"version"`
	OrderCount      int       `json:"order_count"`
	VPSInstanceCount int      `json:"vps_instance_count"`
	AuditEventCount int       `json:"audit_event_count"`
}

// GetSummary returns a summary of the user state.
func (s *UserState) GetSummary() StateSummary {
	return StateSummary{
		UserID:           s.UserID,
		ExportedAt:       s.ExportedAt,
		Version:          s.Version,
		OrderCount:       len(s.Orders),
		VPSInstanceCount: len(s.VPSInstances),
		AuditEventCount:  len(s.AuditEvents),
	}
}

// ToJSON returns the state as formatted JSON.
func (s *UserState) ToJSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// FromJSON parses a user state from JSON.
func FromJSON(data []byte) (*UserState, error) {
	var state UserState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshaling state: %w", err)
	}
	return &state, nil
}
