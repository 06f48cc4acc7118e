package auth

import (
	"context"
	"testing"
	"time"

	"careledger.org/internal/consent"
)

func withSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv("CARELEDGER_AUTH_SECRET", value)
	resetSecretCache()
	t.Cleanup(resetSecretCache)
}

func TestGenerateAndValidate(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken("p-42", consent.RolePatient, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "p-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Role != string(consent.RolePatient) {
		t.Fatalf("unexpected role: %s", claims.Role)
	}
	if claims.ID == "" {
		t.Fatal("expected jti claim")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	withSecret(t, "test-secret")

	for _, tok := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := ParseAndValidate(tok); err == nil {
			t.Fatalf("expected error for %q", tok)
		}
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	withSecret(t, "secret-one")
	token, err := GenerateToken("p-1", consent.RoleProvider, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	withSecret(t, "secret-two")
	if _, err := ParseAndValidate(token); err == nil {
		t.Fatal("expected validation failure with rotated secret")
	}
}

func TestGenerateRequiresConfiguration(t *testing.T) {
	withSecret(t, "")
	if _, err := GenerateToken("p-1", consent.RolePatient, time.Minute); err == nil {
		t.Fatal("expected error without configured secret")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := CallerFromContext(ctx); ok {
		t.Fatal("empty context should carry no caller")
	}

	ctx = ContextWithCaller(ctx, Caller{Principal: "p-7", Role: consent.RoleAuditor})
	c, ok := CallerFromContext(ctx)
	if !ok || c.Principal != "p-7" {
		t.Fatalf("unexpected caller: %+v ok=%v", c, ok)
	}
	if !HasRole(ctx, consent.RoleAuditor) {
		t.Fatal("expected auditor role")
	}
	if HasRole(ctx, consent.RolePatient) {
		t.Fatal("unexpected role match")
	}
	if id, ok := PrincipalFromContext(ctx); !ok || id != "p-7" {
		t.Fatalf("unexpected principal: %s", id)
	}
}
