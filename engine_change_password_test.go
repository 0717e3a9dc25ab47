package authcore

import (
	"context"
	"errors"
	"testing"
)

func TestChangePasswordRotatesCredential(t *testing.T) {
	rig := newTestRig(t, testConfig())
	ctx := context.Background()

	joined, err := rig.engine.Join(ctx, JoinRequest{Kind: KindUser, Email: "kim@example.com", Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	err = rig.engine.ChangePassword(ctx, joined.Actor, "correct horse battery", "fresh stable pasture", joined.SessionID)
	if err != nil {
		t.Fatalf("change failed: %v", err)
	}

	if _, err := rig.engine.Login(ctx, KindUser, "kim@example.com", "correct horse battery"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := rig.engine.Login(ctx, KindUser, "kim@example.com", "fresh stable pasture"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestChangePasswordCascadeSparesCurrentSession(t *testing.T) {
	rig := newTestRig(t, testConfig())
	ctx := context.Background()

	joined, err := rig.engine.Join(ctx, JoinRequest{Kind: KindUser, Email: "leo@example.com", Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	other, err := rig.engine.Login(ctx, KindUser, "leo@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("second login failed: %v", err)
	}

	err = rig.engine.ChangePassword(ctx, joined.Actor, "correct horse battery", "fresh stable pasture", joined.SessionID)
	if err != nil {
		t.Fatalf("change failed: %v", err)
	}

	if _, err := rig.engine.ValidateAccess(ctx, joined.AccessToken); err != nil {
		t.Fatalf("current session revoked by cascade: %v", err)
	}
	if _, err := rig.engine.ValidateAccess(ctx, other.AccessToken); !errors.Is(err, ErrAccessInvalid) {
		t.Fatal("other session survived the cascade")
	}
}

func TestChangePasswordRejections(t *testing.T) {
	rig := newTestRig(t, testConfig())
	ctx := context.Background()

	joined, err := rig.engine.Join(ctx, JoinRequest{Kind: KindUser, Email: "mallory@example.com", Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	err = rig.engine.ChangePassword(ctx, joined.Actor, "wrong password here", "fresh stable pasture", joined.SessionID)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current password: got %v want ErrInvalidCredentials", err)
	}

	err = rig.engine.ChangePassword(ctx, joined.Actor, "correct horse battery", "short", joined.SessionID)
	if !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("weak new password: got %v want ErrPasswordPolicy", err)
	}

	err = rig.engine.ChangePassword(ctx, joined.Actor, "correct horse battery", "correct horse battery", joined.SessionID)
	if !errors.Is(err, ErrPasswordReuse) {
		t.Fatalf("same password: got %v want ErrPasswordReuse", err)
	}

	guest, err := rig.engine.Join(ctx, JoinRequest{Kind: KindGuest})
	if err != nil {
		t.Fatalf("guest join failed: %v", err)
	}
	err = rig.engine.ChangePassword(ctx, guest.Actor, "whatever password", "fresh stable pasture", guest.SessionID)
	if !errors.Is(err, ErrGuestNoLogin) {
		t.Fatalf("guest change: got %v want ErrGuestNoLogin", err)
	}
}
