// Package identity implements the Identity Resolver: mapping
// (channel_type, platform_user_id) pairs to a stable identity id and
// merging aliases, spec §4.6.
//
// Lightly grounded on copilot/multiuser.go's UserManager (mutex-guarded
// map of accounts, add/remove operations); the resolve/link/merge
// semantics themselves are new since the teacher has no cross-channel
// account-linking concept, only a flat local user table.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/starkcore/starkcore/internal/storage"
)

// Resolver maps platform accounts to stable identities. Merge is
// transactional at the storage layer; Resolve creates the identity and
// links the account in two separate store calls.
type Resolver struct {
	store storage.Store
}

func New(store storage.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the identity for (channelType, platformUserID),
// creating one with the given account linked on first sight.
func (r *Resolver) Resolve(ctx context.Context, channelType, platformUserID, displayName string) (*storage.Identity, error) {
	if id, err := r.store.FindIdentityByAccount(ctx, channelType, platformUserID); err == nil {
		return id, nil
	} else if err != storage.ErrNotFound {
		return nil, fmt.Errorf("identity: lookup account: %w", err)
	}

	id, err := r.store.CreateIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: create: %w", err)
	}
	la := storage.LinkedAccount{
		IdentityID:     id.ID,
		ChannelType:    channelType,
		PlatformUserID: platformUserID,
		DisplayName:    displayName,
	}
	if err := r.store.LinkAccount(ctx, la); err != nil {
		return nil, fmt.Errorf("identity: link new account: %w", err)
	}
	return id, nil
}

// Link attaches an additional account to an existing identity. Fails with
// storage.ErrAlreadyLinked if the platform pair is bound elsewhere.
func (r *Resolver) Link(ctx context.Context, identityID, channelType, platformUserID, displayName string) error {
	la := storage.LinkedAccount{
		IdentityID:     identityID,
		ChannelType:    channelType,
		PlatformUserID: platformUserID,
		DisplayName:    displayName,
	}
	if err := r.store.LinkAccount(ctx, la); err != nil {
		if errors.Is(err, storage.ErrAlreadyLinked) {
			return storage.ErrAlreadyLinked
		}
		return err
	}
	return nil
}

// Merge rebinds the loser's accounts, reparents its memories and
// sessions, and deletes the loser row. Transactional at the storage
// layer.
func (r *Resolver) Merge(ctx context.Context, winnerID, loserID string) error {
	if winnerID == loserID {
		return fmt.Errorf("identity: cannot merge an identity into itself")
	}
	if err := r.store.MergeIdentities(ctx, winnerID, loserID); err != nil {
		return fmt.Errorf("identity: merge: %w", err)
	}
	return nil
}
