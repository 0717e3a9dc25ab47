package authcore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJoinGuestIssuesSession(t *testing.T) {
	rig := newTestRig(t, testConfig())

	authorized, err := rig.engine.Join(context.Background(), JoinRequest{Kind: KindGuest})
	if err != nil {
		t.Fatalf("guest join failed: %v", err)
	}
	if authorized.Actor.Kind != KindGuest || authorized.Actor.ID == "" {
		t.Fatalf("unexpected actor: %+v", authorized.Actor)
	}
	if authorized.AccessToken == "" || authorized.RefreshToken == "" {
		t.Fatal("expected both tokens on join")
	}

	result, err := rig.engine.ValidateAccess(context.Background(), authorized.AccessToken)
	if err != nil {
		t.Fatalf("validating fresh access token failed: %v", err)
	}
	if result.SessionID != authorized.SessionID {
		t.Fatalf("session id mismatch: got %q want %q", result.SessionID, authorized.SessionID)
	}

	if len(rig.drainMail()) != 0 {
		t.Fatal("guest join must not trigger mail")
	}
}

func TestJoinUserStartsVerification(t *testing.T) {
	rig := newTestRig(t, testConfig())

	authorized, err := rig.engine.Join(context.Background(), JoinRequest{
		Kind:     KindUser,
		Email:    "alice@example.com",
		Password: "correct horse battery",
	})
	if err != nil {
		t.Fatalf("user join failed: %v", err)
	}
	if authorized.Actor.Kind != KindUser {
		t.Fatalf("unexpected actor kind %q", authorized.Actor.Kind)
	}

	mails := rig.drainMail()
	if len(mails) != 1 {
		t.Fatalf("expected one verification mail, got %d", len(mails))
	}
	if mails[0].Kind != MailEmailVerification {
		t.Fatalf("unexpected mail kind %q", mails[0].Kind)
	}
	if mails[0].Email != "alice@example.com" {
		t.Fatalf("mail addressed to %q", mails[0].Email)
	}
	if mails[0].Token == "" {
		t.Fatal("verification mail carries no token")
	}

	identity, err := rig.engine.GetIdentity(context.Background(), authorized.Actor)
	if err != nil {
		t.Fatalf("GetIdentity failed: %v", err)
	}
	if identity.EmailVerified {
		t.Fatal("fresh identity must not be verified")
	}
}

func TestJoinRejectsBadInput(t *testing.T) {
	rig := newTestRig(t, testConfig())
	ctx := context.Background()

	if _, err := rig.engine.Join(ctx, JoinRequest{Kind: ActorKind("robot")}); !errors.Is(err, ErrKindInvalid) {
		t.Fatalf("unknown kind: got %v want ErrKindInvalid", err)
	}
	if _, err := rig.engine.Join(ctx, JoinRequest{Kind: KindUser, Email: "", Password: "long enough pw"}); !errors.Is(err, ErrEmailRequired) {
		t.Fatalf("missing email: got %v want ErrEmailRequired", err)
	}
	if _, err := rig.engine.Join(ctx, JoinRequest{Kind: KindUser, Email: "no-at-sign", Password: "long enough pw"}); !errors.Is(err, ErrEmailRequired) {
		t.Fatalf("malformed email: got %v want ErrEmailRequired", err)
	}

	_, err := rig.engine.Join(ctx, JoinRequest{Kind: KindUser, Email: "bob@example.com", Password: "short"})
	if !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("short password: got %v want ErrPasswordPolicy", err)
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatal("ErrPasswordPolicy must belong to the validation family")
	}
}

func TestJoinDuplicateEmail(t *testing.T) {
	rig := newTestRig(t, testConfig())
	ctx := context.Background()

	req := JoinRequest{Kind: KindUser, Email: "carol@example.com", Password: "correct horse battery"}
	if _, err := rig.engine.Join(ctx, req); err != nil {
		t.Fatalf("first join failed: %v", err)
	}

	_, err := rig.engine.Join(ctx, req)
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("second join: got %v want ErrDuplicateEmail", err)
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatal("ErrDuplicateEmail must belong to the conflict family")
	}
}

func TestLoginSuccess(t *testing.T) {
	rig := newTestRig(t, testConfig())
	ctx := context.Background()

	joined, err := rig.engine.Join(ctx, JoinRequest{Kind: KindUser, Email: "dave@example.com", Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	authorized, err := rig.engine.Login(ctx, KindUser, "dave@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if authorized.Actor.ID != joined.Actor.ID {
		t.Fatalf("login resolved a different identity: %q vs %q", authorized.Actor.ID, joined.Actor.ID)
	}
	if authorized.SessionID == joined.SessionID {
		t.Fatal("login must create a new session, not reuse the join session")
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	rig := newTestRig(t, testConfig())
	ctx := context.Background()

	joined, err := rig.engine.Join(ctx, JoinRequest{Kind: KindUser, Email: "erin@example.com", Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if _, err := rig.engine.Login(ctx, KindUser, "nobody@example.com", "whatever password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: got %v want ErrInvalidCredentials", err)
	}
	if _, err := rig.engine.Login(ctx, KindUser, "erin@example.com", "wrong password here"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v want ErrInvalidCredentials", err)
	}

	if err := rig.engine.SuspendIdentity(ctx, joined.Actor); err != nil {
		t.Fatalf("suspend failed: %v", err)
	}
	_, err = rig.engine.Login(ctx, KindUser, "erin@example.com", "correct horse battery")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("suspended login: got %v want ErrInvalidCredentials", err)
	}
	if !errors.Is(err, ErrAuth) {
		t.Fatal("ErrInvalidCredentials must belong to the auth family")
	}
}

func TestLoginGuestRejected(t *testing.T) {
	rig := newTestRig(t, testConfig())

	if _, err := rig.engine.Login(context.Background(), KindGuest, "", ""); !errors.Is(err, ErrGuestNoLogin) {
		t.Fatalf("guest login: got %v want ErrGuestNoLogin", err)
	}
}

func TestLoginKindMismatch(t *testing.T) {
	rig := newTestRig(t, testConfig())
	ctx := context.Background()

	if _, err := rig.engine.Join(ctx, JoinRequest{Kind: KindUser, Email: "frank@example.com", Password: "correct horse battery"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	// The same email under a different kind is a different namespace.
	if _, err := rig.engine.Login(ctx, KindAdmin, "frank@example.com", "correct horse battery"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("cross-kind login: got %v want ErrInvalidCredentials", err)
	}
}

func TestLoginRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Policies = []RateLimitPolicy{
		{ID: PolicyLogin, Limit: 3, Window: 5 * time.Minute},
		{ID: PolicyRefresh, Limit: 60, Window: time.Minute},
		{ID: PolicyJoin, Limit: 100, Window: time.Hour},
		{ID: PolicyRecovery, Limit: 100, Window: 15 * time.Minute},
	}
	rig := newTestRig(t, cfg)
	ctx := context.Background()

	if _, err := rig.engine.Join(ctx, JoinRequest{Kind: KindUser, Email: "grace@example.com", Password: "correct horse battery"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := rig.engine.Login(ctx, KindUser, "grace@example.com", "wrong password here"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v want ErrInvalidCredentials", i, err)
		}
	}

	_, err := rig.engine.Login(ctx, KindUser, "grace@example.com", "correct horse battery")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("after exhausting the window: got %v want ErrRateLimited", err)
	}
	if !errors.Is(err, ErrForbidden) {
		t.Fatal("ErrRateLimited must belong to the forbidden family")
	}
}

func TestLoginSuccessResetsLimiter(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Policies = []RateLimitPolicy{
		{ID: PolicyLogin, Limit: 3, Window: 5 * time.Minute},
		{ID: PolicyRefresh, Limit: 60, Window: time.Minute},
		{ID: PolicyJoin, Limit: 100, Window: time.Hour},
		{ID: PolicyRecovery, Limit: 100, Window: 15 * time.Minute},
	}
	rig := newTestRig(t, cfg)
	ctx := context.Background()

	if _, err := rig.engine.Join(ctx, JoinRequest{Kind: KindUser, Email: "heidi@example.com", Password: "correct horse battery"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := rig.engine.Login(ctx, KindUser, "heidi@example.com", "wrong password here"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v want ErrInvalidCredentials", i, err)
		}
	}
	if _, err := rig.engine.Login(ctx, KindUser, "heidi@example.com", "correct horse battery"); err != nil {
		t.Fatalf("login within the window failed: %v", err)
	}

	// The success cleared the counter; two more failures fit again.
	for i := 0; i < 2; i++ {
		if _, err := rig.engine.Login(ctx, KindUser, "heidi@example.com", "wrong password here"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("post-reset attempt %d: got %v want ErrInvalidCredentials", i, err)
		}
	}
}
