package auth

import (
	"context"
	"testing"
	"time"

	"github.com/visiblelabs/visible/internal/service"
	"github.com/visiblelabs/visible/internal/store/memory"
)

func TestTokenMintValidateRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer("signing-key", time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	token, err := issuer.Mint("user-1", "+919876543210", true)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	userID, err := issuer.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("got %q", userID)
	}
}

func TestTokenWrongKeyRejected(t *testing.T) {
	issuer1, _ := NewTokenIssuer("key-one", time.Hour)
	issuer2, _ := NewTokenIssuer("key-two", time.Hour)

	token, err := issuer1.Mint("user-1", "+919876543210", true)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := issuer2.Validate(token); err == nil {
		t.Error("expected validation failure with wrong key")
	}
}

func TestTokenGarbageRejected(t *testing.T) {
	issuer, _ := NewTokenIssuer("key", time.Hour)

	for _, bad := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := issuer.Validate(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestEmptySigningKeyRejected(t *testing.T) {
	if _, err := NewTokenIssuer("", time.Hour); err == nil {
		t.Error("expected error for empty signing key")
	}
}

func TestOTPVerifyCreatesUserOnce(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	issuer, _ := NewTokenIssuer("key", time.Hour)
	otp := NewOTPService(st, issuer, nil, time.Minute)

	mobile := "+919876543210"
	if err := otp.Send(ctx, mobile); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Check through the internal map that a code is pending; no SMS sender is
	// configured.
	otp.mu.Lock()
	if len(otp.codes) != 1 {
		otp.mu.Unlock()
		t.Fatal("no pending code")
	}
	otp.mu.Unlock()

	// The stored value is a hash, so redeem through a fresh known code.
	code := "123456"
	otp.mu.Lock()
	otp.codes[mobile] = otpEntry{hash: hashCode(code), expiresAt: time.Now().Add(time.Minute)}
	otp.mu.Unlock()

	result, err := otp.Verify(ctx, mobile, code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.IsNewUser || result.AccessToken == "" {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.User.Role != service.RoleSeeker {
		t.Errorf("first login must default to seeker, got %s", result.User.Role)
	}

	// A second code for the same mobile resolves to the same user.
	otp.mu.Lock()
	otp.codes[mobile] = otpEntry{hash: hashCode(code), expiresAt: time.Now().Add(time.Minute)}
	otp.mu.Unlock()

	again, err := otp.Verify(ctx, mobile, code)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if again.IsNewUser || again.User.ID != result.User.ID {
		t.Errorf("expected the existing user back, got %+v", again)
	}
}

func TestOTPRejectsWrongAndExpiredCodes(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	issuer, _ := NewTokenIssuer("key", time.Hour)
	otp := NewOTPService(st, issuer, nil, time.Minute)

	mobile := "+919876543210"

	otp.mu.Lock()
	otp.codes[mobile] = otpEntry{hash: hashCode("123456"), expiresAt: time.Now().Add(time.Minute)}
	otp.mu.Unlock()

	if _, err := otp.Verify(ctx, mobile, "999999"); !service.IsKind(err, service.KindAuth) {
		t.Errorf("wrong code: expected auth error, got %v", err)
	}

	otp.mu.Lock()
	otp.codes[mobile] = otpEntry{hash: hashCode("123456"), expiresAt: time.Now().Add(-time.Minute)}
	otp.mu.Unlock()

	if _, err := otp.Verify(ctx, mobile, "123456"); !service.IsKind(err, service.KindAuth) {
		t.Errorf("expired code: expected auth error, got %v", err)
	}
}

func TestOTPRejectsBadMobile(t *testing.T) {
	st := memory.New()
	issuer, _ := NewTokenIssuer("key", time.Hour)
	otp := NewOTPService(st, issuer, nil, time.Minute)

	if err := otp.Send(context.Background(), "not-a-number"); !service.IsKind(err, service.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
