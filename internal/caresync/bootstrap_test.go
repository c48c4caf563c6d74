package caresync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/kazu-apps/carenote-sync/internal/model"
)

func newTestBootstrapper(t *testing.T) (*Bootstrapper, *fakeLocal, *fakeRemote, *fakeMapper) {
	t.Helper()
	local := newFakeLocal()
	remote := newFakeRemote()
	mapper := newFakeMapper()
	return NewBootstrapper(local, remote, mapper, slog.Default()), local, remote, mapper
}

func TestSetupInitialCareRecipient(t *testing.T) {
	b, local, remote, mapper := newTestBootstrapper(t)
	ctx := context.Background()

	remoteID, err := b.SetupInitialCareRecipient(ctx, model.CareRecipient{Name: "Mona"}, "user-1")
	if err != nil {
		t.Fatalf("SetupInitialCareRecipient: %v", err)
	}
	if remoteID == "" {
		t.Fatal("empty remote id")
	}

	if _, ok := remote.doc(model.EntityCareRecipient, remoteID); !ok {
		t.Error("care recipient document missing remotely")
	}

	localID, ok, err := mapper.ResolveLocal(ctx, model.EntityCareRecipient, remoteID)
	if err != nil || !ok {
		t.Fatalf("recipient mapping missing (err=%v)", err)
	}
	if _, found := local.get(model.EntityCareRecipient, localID); !found {
		t.Error("care recipient row missing locally")
	}

	// The creating user became the owner care team member, on both sides.
	if local.count(model.EntityCareTeamMember) != 1 {
		t.Error("owner membership row missing locally")
	}
	if got := remote.callCount("create"); got != 2 {
		t.Errorf("remote creates = %d, want recipient + membership", got)
	}
	memberRec, _ := local.get(model.EntityCareTeamMember, 2)
	if !bytes.Contains(memberRec.Payload, []byte(model.RoleOwner)) {
		t.Errorf("membership payload = %s, missing owner role", memberRec.Payload)
	}
}

func TestSetupInitialCareRecipient_Idempotent(t *testing.T) {
	b, _, remote, mapper := newTestBootstrapper(t)
	ctx := context.Background()

	first, err := b.SetupInitialCareRecipient(ctx, model.CareRecipient{Name: "Mona"}, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	creates := remote.callCount("create")

	localID, ok, err := mapper.ResolveLocal(ctx, model.EntityCareRecipient, first)
	if err != nil || !ok {
		t.Fatalf("no mapping after first bootstrap (err=%v)", err)
	}

	second, err := b.SetupInitialCareRecipient(ctx, model.CareRecipient{LocalID: localID, Name: "Mona"}, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Errorf("second bootstrap returned %s, want %s", second, first)
	}
	if got := remote.callCount("create"); got != creates {
		t.Errorf("second bootstrap created %d new documents", got-creates)
	}
}

func TestSetupInitialCareRecipient_Validation(t *testing.T) {
	b, _, remote, _ := newTestBootstrapper(t)
	ctx := context.Background()

	if _, err := b.SetupInitialCareRecipient(ctx, model.CareRecipient{}, "user-1"); !errors.Is(err, model.ErrValidation) {
		t.Errorf("missing name: err = %v, want ErrValidation", err)
	}
	if _, err := b.SetupInitialCareRecipient(ctx, model.CareRecipient{Name: "Mona"}, ""); !errors.Is(err, model.ErrValidation) {
		t.Errorf("missing owner: err = %v, want ErrValidation", err)
	}
	if remote.callCount("create") != 0 {
		t.Error("validation failure still created remote documents")
	}
}

func TestSetupInitialCareRecipient_LocalFailureCarriesRemoteID(t *testing.T) {
	b, local, _, _ := newTestBootstrapper(t)
	local.upsertErr = errors.New("disk full")

	remoteID, err := b.SetupInitialCareRecipient(context.Background(), model.CareRecipient{Name: "Mona"}, "user-1")
	if err == nil {
		t.Fatal("expected an error")
	}

	var bootErr *BootstrapLocalError
	if !errors.As(err, &bootErr) {
		t.Fatalf("err = %T (%v), want *BootstrapLocalError", err, err)
	}
	if bootErr.RemoteID == "" || bootErr.RemoteID != remoteID {
		t.Errorf("RemoteID = %q, return value = %q; caller cannot resume", bootErr.RemoteID, remoteID)
	}
}
