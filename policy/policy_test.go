package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/openirm/irmfile/crypt"
	"github.com/openirm/irmfile/keys"
)

func newTestService(t *testing.T) *LocalService {
	t.Helper()
	signer, err := keys.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	svc, err := NewLocalService(signer, []byte("test master secret"))
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func testDescriptor() Descriptor {
	return Descriptor{
		Name:  "Confidential",
		Owner: "owner@example.com",
		UserRights: map[string][]string{
			"owner@example.com":  {RightView, RightEdit, RightExtract},
			"viewer@example.com": {RightView},
		},
	}
}

func TestCreateAndAcquireRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	owner := UserContext{UserID: "owner@example.com"}

	created, err := svc.CreateFromDescriptor(ctx, testDescriptor(), owner, CreationOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !created.IsIssuedToOwner() {
		t.Error("policy created by owner should be issued to owner")
	}
	if created.UsesDeprecatedAlgorithms() {
		t.Error("default policy should not use deprecated algorithms")
	}
	if len(created.Serialized()) == 0 {
		t.Fatal("no serialized license")
	}

	result, err := svc.Acquire(ctx, created.Serialized(), owner, AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("status = %v", result.Status)
	}
	pol := result.Policy
	if !pol.IsIssuedToOwner() {
		t.Error("acquired owner policy should be issued to owner")
	}

	// Both sides must hold the same content key.
	p1, err := created.CryptoProvider()
	if err != nil {
		t.Fatal(err)
	}
	p2, err := pol.CryptoProvider()
	if err != nil {
		t.Fatal(err)
	}
	plain := bytes.Repeat([]byte("k"), 16)
	ct, _ := p1.EncryptBlock(plain, 0, false)
	got, err := p2.DecryptBlock(ct, 0, false)
	if err != nil || !bytes.Equal(got, plain) {
		t.Error("acquired policy decrypts with a different key")
	}
}

func TestAcquireNonOwner(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	owner := UserContext{UserID: "owner@example.com"}
	created, err := svc.CreateFromDescriptor(ctx, testDescriptor(), owner, CreationOptions{})
	if err != nil {
		t.Fatal(err)
	}

	result, err := svc.Acquire(ctx, created.Serialized(), UserContext{UserID: "viewer@example.com"}, AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("status = %v", result.Status)
	}
	if result.Policy.IsIssuedToOwner() {
		t.Error("viewer policy must not be issued to owner")
	}
	if !result.Policy.HasRight(RightView) {
		t.Error("viewer policy must carry VIEW")
	}
}

func TestAcquireUnknownUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	created, err := svc.CreateFromDescriptor(ctx, testDescriptor(), UserContext{UserID: "owner@example.com"}, CreationOptions{})
	if err != nil {
		t.Fatal(err)
	}
	result, err := svc.Acquire(ctx, created.Serialized(), UserContext{UserID: "stranger@example.com"}, AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusNoRights {
		t.Errorf("status = %v, want NoRights", result.Status)
	}
}

func TestAcquireInvalidLicense(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	user := UserContext{UserID: "owner@example.com"}

	result, err := svc.Acquire(ctx, []byte("not a license"), user, AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusInvalidLicense {
		t.Errorf("garbage license: status = %v", result.Status)
	}
}

func TestAcquireTamperedLicense(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	owner := UserContext{UserID: "owner@example.com"}
	created, err := svc.CreateFromDescriptor(ctx, testDescriptor(), owner, CreationOptions{})
	if err != nil {
		t.Fatal(err)
	}

	var env licenseEnvelope
	if err := json.Unmarshal(created.Serialized(), &env); err != nil {
		t.Fatal(err)
	}
	var body licenseBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		t.Fatal(err)
	}
	body.Owner = "attacker@example.com"
	env.Body, _ = json.Marshal(body)
	tampered, _ := json.Marshal(env)

	result, err := svc.Acquire(ctx, tampered, UserContext{UserID: "attacker@example.com"}, AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusInvalidLicense {
		t.Errorf("tampered license: status = %v", result.Status)
	}
}

func TestAcquireInMemoryCache(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	owner := UserContext{UserID: "owner@example.com"}
	created, err := svc.CreateFromDescriptor(ctx, testDescriptor(), owner, CreationOptions{})
	if err != nil {
		t.Fatal(err)
	}
	opts := AcquireOptions{Cache: CacheInMemory | CacheOnDisk | CacheCrypted}
	first, err := svc.Acquire(ctx, created.Serialized(), owner, opts)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Acquire(ctx, created.Serialized(), owner, opts)
	if err != nil {
		t.Fatal(err)
	}
	if first.Policy != second.Policy {
		t.Error("cached acquisition should return the same policy")
	}
}

func TestDeprecatedAlgorithms(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	owner := UserContext{UserID: "owner@example.com"}
	created, err := svc.CreateFromDescriptor(ctx, testDescriptor(), owner, CreationOptions{PreferDeprecatedAlgorithms: true})
	if err != nil {
		t.Fatal(err)
	}
	if !created.UsesDeprecatedAlgorithms() {
		t.Fatal("policy should use deprecated algorithms")
	}
	result, err := svc.Acquire(ctx, created.Serialized(), owner, AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Policy.UsesDeprecatedAlgorithms() {
		t.Error("acquired policy lost the deprecated-algorithms flag")
	}
	p, err := result.Policy.CryptoProvider()
	if err != nil {
		t.Fatal(err)
	}
	if p.Mode() != crypt.CipherModeECB {
		t.Errorf("mode = %v, want ECB", p.Mode())
	}
}

func TestCreateFromTemplate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	owner := UserContext{UserID: "owner@example.com"}

	if _, err := svc.CreateFromTemplate(ctx, TemplateDescriptor{ID: "missing"}, owner, CreationOptions{}); err == nil {
		t.Error("unknown template should fail")
	}

	svc.RegisterTemplate("conf", testDescriptor())
	pol, err := svc.CreateFromTemplate(ctx, TemplateDescriptor{ID: "conf"}, owner, CreationOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if pol.Descriptor().Name != "Confidential" {
		t.Errorf("descriptor name = %q", pol.Descriptor().Name)
	}
}

func TestCancelledContext(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	owner := UserContext{UserID: "owner@example.com"}
	if _, err := svc.CreateFromDescriptor(ctx, testDescriptor(), owner, CreationOptions{}); err == nil {
		t.Error("cancelled create should fail")
	}
	if _, err := svc.Acquire(ctx, []byte("x"), owner, AcquireOptions{}); err == nil {
		t.Error("cancelled acquire should fail")
	}
}
