package caresync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kazu-apps/carenote-sync/internal/model"
)

// BootstrapLocalError reports a bootstrap that created the remote care
// recipient but failed a later local step. RemoteID carries the
// server-assigned id so the caller can retry the local steps without
// creating a duplicate recipient on the server.
type BootstrapLocalError struct {
	RemoteID string
	Err      error
}

func (e *BootstrapLocalError) Error() string {
	return fmt.Sprintf("care recipient %s created remotely, local setup failed: %v", e.RemoteID, e.Err)
}

func (e *BootstrapLocalError) Unwrap() error { return e.Err }

// Bootstrapper performs the first-run setup of a care recipient: it creates
// the recipient document on the server, registers the calling user as the
// owner care team member, and seeds the identity mapping so subsequent sync
// passes can address the recipient remotely.
type Bootstrapper struct {
	local  LocalStore
	remote RemoteStore
	mapper Mapper
	log    *slog.Logger
}

// NewBootstrapper wires a Bootstrapper.
func NewBootstrapper(local LocalStore, remote RemoteStore, mapper Mapper, logger *slog.Logger) *Bootstrapper {
	return &Bootstrapper{local: local, remote: remote, mapper: mapper, log: logger}
}

// SetupInitialCareRecipient creates the care recipient remotely and returns
// its server-assigned id. The call is idempotent: when the recipient is
// already mapped, the existing remote id is returned without touching the
// server. Failures after the remote create return a [*BootstrapLocalError]
// carrying the remote id.
func (b *Bootstrapper) SetupInitialCareRecipient(ctx context.Context, recipient model.CareRecipient, ownerUserID string) (string, error) {
	if recipient.Name == "" {
		return "", fmt.Errorf("recipient name is required: %w", model.ErrValidation)
	}
	if ownerUserID == "" {
		return "", fmt.Errorf("owner user id is required: %w", model.ErrValidation)
	}

	if recipient.LocalID != 0 {
		remoteID, ok, err := b.mapper.ResolveRemote(ctx, model.EntityCareRecipient, recipient.LocalID)
		if err != nil {
			return "", err
		}
		if ok {
			b.log.Info("care recipient already bootstrapped", "remote_id", remoteID)
			return remoteID, nil
		}
	}

	payload, err := json.Marshal(recipient)
	if err != nil {
		return "", fmt.Errorf("encoding recipient: %w", err)
	}
	created, err := b.remote.Create(ctx, model.EntityCareRecipient, payload)
	if err != nil {
		return "", fmt.Errorf("creating care recipient: %w", err)
	}
	b.log.Info("care recipient created", "remote_id", created.RemoteID)

	if err := b.finishLocally(ctx, recipient, created, ownerUserID); err != nil {
		return created.RemoteID, &BootstrapLocalError{RemoteID: created.RemoteID, Err: err}
	}
	return created.RemoteID, nil
}

// finishLocally runs the post-create steps: owner membership, the local
// recipient row, and both identity mappings.
func (b *Bootstrapper) finishLocally(ctx context.Context, recipient model.CareRecipient, created *model.RemoteRecord, ownerUserID string) error {
	member := model.CareTeamMember{
		UserID:      ownerUserID,
		RecipientID: created.RemoteID,
		Role:        model.RoleOwner,
	}
	memberPayload, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("encoding owner membership: %w", err)
	}
	memberDoc, err := b.remote.Create(ctx, model.EntityCareTeamMember, memberPayload)
	if err != nil {
		return fmt.Errorf("creating owner membership: %w", err)
	}

	localID := recipient.LocalID
	if localID == 0 {
		recipientPayload, err := json.Marshal(recipient)
		if err != nil {
			return fmt.Errorf("encoding recipient row: %w", err)
		}
		localID, err = b.local.Upsert(ctx, model.Record{
			EntityType: model.EntityCareRecipient,
			Payload:    recipientPayload,
			UpdatedAt:  created.UpdatedAt,
		})
		if err != nil {
			return fmt.Errorf("storing recipient locally: %w", err)
		}
	}
	if err := b.mapper.Record(ctx, model.EntityCareRecipient, localID, created.RemoteID, created.UpdatedAt); err != nil {
		return fmt.Errorf("mapping recipient: %w", err)
	}

	memberLocalID, err := b.local.Upsert(ctx, model.Record{
		EntityType: model.EntityCareTeamMember,
		Payload:    memberPayload,
		UpdatedAt:  memberDoc.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("storing membership locally: %w", err)
	}
	if err := b.mapper.Record(ctx, model.EntityCareTeamMember, memberLocalID, memberDoc.RemoteID, memberDoc.UpdatedAt); err != nil {
		return fmt.Errorf("mapping membership: %w", err)
	}
	return nil
}
