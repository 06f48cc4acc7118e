package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"careledger.org/internal/consent"
	"careledger.org/internal/consent/remote"
)

// End-to-end smoke scenario against a running gateway: register a patient and
// a provider, create a record, walk the request/approve workflow, then revoke
// and verify authorization flips off.
func main() {
	base := os.Getenv("CARELEDGER_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	admin := os.Getenv("CARELEDGER_ADMIN_PRINCIPAL")
	if admin == "" {
		admin = "admin"
	}

	ctx, cancel := remote.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	suffix := rand.New(rand.NewSource(time.Now().UnixNano())).Int31()
	patient := consent.PrincipalID(fmt.Sprintf("smoke-patient-%d", suffix))
	provider := consent.PrincipalID(fmt.Sprintf("smoke-provider-%d", suffix))

	adminClient := remote.New(base)
	if err := adminClient.Healthz(ctx); err != nil {
		log.Fatalf("gateway at %s is not healthy: %v", base, err)
	}
	if err := adminClient.MintToken(ctx, consent.PrincipalID(admin), consent.RoleAuditor, time.Hour); err != nil {
		log.Fatalf("mint admin token: %v", err)
	}

	if _, err := adminClient.RegisterPrincipal(ctx, patient, consent.RolePatient); err != nil {
		log.Fatalf("register patient: %v", err)
	}
	if _, err := adminClient.RegisterPrincipal(ctx, provider, consent.RoleProvider); err != nil {
		log.Fatalf("register provider: %v", err)
	}

	patientClient := remote.New(base)
	if err := patientClient.MintToken(ctx, patient, consent.RolePatient, time.Hour); err != nil {
		log.Fatalf("mint patient token: %v", err)
	}
	providerClient := remote.New(base)
	if err := providerClient.MintToken(ctx, provider, consent.RoleProvider, time.Hour); err != nil {
		log.Fatalf("mint provider token: %v", err)
	}

	rec, err := patientClient.CreateRecord(ctx, fmt.Sprintf("blob://smoke/%d", suffix), "")
	if err != nil {
		log.Fatalf("create record: %v", err)
	}

	req, err := providerClient.RequestAccess(ctx, rec.ID, "smoke follow-up")
	if err != nil {
		log.Fatalf("request access: %v", err)
	}
	if _, err := patientClient.Approve(ctx, req.ID); err != nil {
		log.Fatalf("approve request %d: %v", req.ID, err)
	}

	authorized, err := providerClient.IsAuthorized(ctx, rec.ID, provider)
	if err != nil {
		log.Fatalf("authorization check: %v", err)
	}
	if !authorized {
		log.Fatalf("provider should be authorized after approval")
	}

	locator, err := providerClient.GetLocator(ctx, rec.ID)
	if err != nil {
		log.Fatalf("resolve locator: %v", err)
	}
	if _, err := providerClient.LogAccess(ctx, rec.ID, provider, true, "read"); err != nil {
		log.Fatalf("log access: %v", err)
	}

	if _, err := patientClient.Revoke(ctx, rec.ID, provider); err != nil {
		log.Fatalf("revoke: %v", err)
	}
	authorized, err = providerClient.IsAuthorized(ctx, rec.ID, provider)
	if err != nil {
		log.Fatalf("authorization check after revoke: %v", err)
	}
	if authorized {
		log.Fatalf("provider must lose access after revocation")
	}

	trail, err := patientClient.GetLog(ctx, rec.ID)
	if err != nil {
		log.Fatalf("fetch disclosure log: %v", err)
	}
	if len(trail) == 0 {
		log.Fatalf("disclosure log is empty after a logged read")
	}

	fmt.Printf("✅ consent smoke test passed: record=%s locator=%s request=%d\n", rec.ID, locator, req.ID)
}
