// Package direct implements the per-user direct-messaging permission model:
// allow/deny lists plus a whitelist-only mode, backed by the state store.
package direct

import (
	"context"

	"github.com/RichardWithnell/chat-service/internal/v1/cherrors"
	"github.com/RichardWithnell/chat-service/internal/v1/store"
	"github.com/RichardWithnell/chat-service/internal/v1/types"
)

// Messaging is one user's direct-messaging record.
type Messaging struct {
	userName string
	state    store.DirectState
}

// New binds a user's direct-messaging record to the store.
func New(st store.Store, userName string) *Messaging {
	return &Messaging{userName: userName, state: st.Direct(userName)}
}

func (m *Messaging) checkList(list types.ListName) error {
	if !types.ValidDirectList(list) {
		return cherrors.New(cherrors.NoList, string(list))
	}
	return nil
}

// checkValues rejects writing the record owner's own name into its own lists.
func (m *Messaging) checkValues(values []string) error {
	for _, v := range values {
		if v == m.userName {
			return cherrors.New(cherrors.NotAllowed)
		}
	}
	return nil
}

// AddToList inserts values into the named list. Idempotent.
func (m *Messaging) AddToList(ctx context.Context, list types.ListName, values []string) error {
	if err := m.checkList(list); err != nil {
		return err
	}
	if err := m.checkValues(values); err != nil {
		return err
	}
	return m.state.AddToList(ctx, list, values)
}

// RemoveFromList removes values from the named list. Idempotent.
func (m *Messaging) RemoveFromList(ctx context.Context, list types.ListName, values []string) error {
	if err := m.checkList(list); err != nil {
		return err
	}
	if err := m.checkValues(values); err != nil {
		return err
	}
	return m.state.RemoveFromList(ctx, list, values)
}

// GetList returns the members of the named list.
func (m *Messaging) GetList(ctx context.Context, list types.ListName) ([]string, error) {
	if err := m.checkList(list); err != nil {
		return nil, err
	}
	return m.state.List(ctx, list)
}

// GetMode reports whether whitelist-only mode is on.
func (m *Messaging) GetMode(ctx context.Context) (bool, error) {
	return m.state.Mode(ctx)
}

// ChangeMode sets whitelist-only mode.
func (m *Messaging) ChangeMode(ctx context.Context, whitelistOnly bool) error {
	return m.state.SetMode(ctx, whitelistOnly)
}

// CheckAdmission decides whether sender may message this user:
// bypass or (sender not blacklisted and (mode off or sender whitelisted)).
func (m *Messaging) CheckAdmission(ctx context.Context, sender string, bypassPermissions bool) error {
	if bypassPermissions {
		return nil
	}
	blacklisted, err := m.state.InList(ctx, types.ListBlacklist, sender)
	if err != nil {
		return err
	}
	if blacklisted {
		return cherrors.New(cherrors.NotAllowed)
	}
	whitelistOnly, err := m.state.Mode(ctx)
	if err != nil {
		return err
	}
	if !whitelistOnly {
		return nil
	}
	whitelisted, err := m.state.InList(ctx, types.ListWhitelist, sender)
	if err != nil {
		return err
	}
	if !whitelisted {
		return cherrors.New(cherrors.NotAllowed)
	}
	return nil
}

// Destroy drops the record from the store.
func (m *Messaging) Destroy(ctx context.Context) error {
	return m.state.Destroy(ctx)
}
