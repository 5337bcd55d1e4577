package protector

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/openirm/irmfile/keys"
	"github.com/openirm/irmfile/pdf/generic"
	"github.com/openirm/irmfile/pdf/reader"
	"github.com/openirm/irmfile/pdf/writer"
	"github.com/openirm/irmfile/policy"
)

// buildPDF creates a minimal document with one content stream.
func buildPDF(t *testing.T, content []byte) []byte {
	t.Helper()
	w := writer.New("1.7")

	stream := generic.NewStream(nil, content)
	contentsRef := w.AddObject(stream)

	page := generic.NewDictionary()
	page.Set("Type", generic.NameObject("Page"))
	page.Set("Contents", contentsRef)
	pageRef := w.AddObject(page)

	pages := generic.NewDictionary()
	pages.Set("Type", generic.NameObject("Pages"))
	pages.Set("Kids", generic.ArrayObject{pageRef})
	pages.Set("Count", generic.IntegerObject(1))
	pagesRef := w.AddObject(pages)
	page.Set("Parent", pagesRef)

	catalog := generic.NewDictionary()
	catalog.Set("Type", generic.NameObject("Catalog"))
	catalog.Set("Pages", pagesRef)
	w.SetRoot(w.AddObject(catalog))

	var buf bytes.Buffer
	if err := w.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newService(t *testing.T) *policy.LocalService {
	t.Helper()
	signer, err := keys.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	svc, err := policy.NewLocalService(signer, []byte("protector test secret"))
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func newTestProtector(t *testing.T, svc policy.Service, input []byte) *PDFProtector {
	t.Helper()
	p, err := New(svc, bytes.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SetWrapper(bytes.NewReader(buildPDF(t, []byte("BT (Protected document) Tj ET")))); err != nil {
		t.Fatal(err)
	}
	return p
}

var (
	ownerCtx  = policy.UserContext{UserID: "owner@example.com"}
	viewerCtx = policy.UserContext{UserID: "viewer@example.com"}
)

func rightsDescriptor() policy.Descriptor {
	return policy.Descriptor{
		Name:  "Confidential",
		Owner: ownerCtx.UserID,
		UserRights: map[string][]string{
			ownerCtx.UserID:  {policy.RightView, policy.RightEdit, policy.RightExtract},
			viewerCtx.UserID: {policy.RightView},
		},
	}
}

// protectSample protects a fresh document and returns the original
// content and the protected bytes.
func protectSample(t *testing.T, svc policy.Service, opts ProtectOptions) ([]byte, []byte) {
	t.Helper()
	content := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 250)
	input := buildPDF(t, content)
	p := newTestProtector(t, svc, input)

	var out bytes.Buffer
	if err := p.ProtectWithCustomRights(context.Background(), ownerCtx, rightsDescriptor(), opts, &out); err != nil {
		t.Fatal(err)
	}
	return content, out.Bytes()
}

func TestProtectUnprotectRoundTrip(t *testing.T) {
	svc := newService(t)
	content, protected := protectSample(t, svc, ProtectOptions{})

	// The protected output is recognized as such.
	p, err := New(svc, bytes.NewReader(protected))
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsProtected() {
		t.Fatal("protected output not recognized")
	}

	var restored bytes.Buffer
	result, err := p.Unprotect(context.Background(), ownerCtx, UnprotectOptions{}, &restored)
	if err != nil {
		t.Fatal(err)
	}
	if result != ResultSuccess {
		t.Fatalf("result = %v", result)
	}

	doc, err := reader.Parse(restored.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	root := doc.Root()
	pages := doc.ResolveDict(root.Get("Pages"))
	page := doc.ResolveDict(pages.GetArray("Kids")[0])
	stream, ok := doc.Resolve(page.Get("Contents")).(*generic.StreamObject)
	if !ok {
		t.Fatal("restored document lost its content stream")
	}
	if !bytes.Equal(stream.Data, content) {
		t.Error("restored content mismatch")
	}
}

func TestProtectWithECB(t *testing.T) {
	svc := newService(t)
	_, protected := protectSample(t, svc, ProtectOptions{Crypto: CryptoAES128ECB})

	p, err := New(svc, bytes.NewReader(protected))
	if err != nil {
		t.Fatal(err)
	}
	var restored bytes.Buffer
	if _, err := p.Unprotect(context.Background(), ownerCtx, UnprotectOptions{}, &restored); err != nil {
		t.Fatal(err)
	}
}

func TestProtectWithTemplate(t *testing.T) {
	svc := newService(t)
	svc.RegisterTemplate("conf", rightsDescriptor())

	input := buildPDF(t, []byte("content"))
	p := newTestProtector(t, svc, input)
	var out bytes.Buffer
	err := p.ProtectWithTemplate(context.Background(), ownerCtx, policy.TemplateDescriptor{ID: "conf"}, ProtectOptions{}, &out)
	if err != nil {
		t.Fatal(err)
	}

	check, err := New(svc, bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if !check.IsProtected() {
		t.Error("template-protected output not recognized")
	}
}

func TestIsProtectedPlainDocument(t *testing.T) {
	svc := newService(t)
	p := newTestProtector(t, svc, buildPDF(t, []byte("plain")))
	if p.IsProtected() {
		t.Error("plain document reported as protected")
	}
}

func TestProtectAlreadyProtected(t *testing.T) {
	svc := newService(t)
	_, protected := protectSample(t, svc, ProtectOptions{})

	p := newTestProtector(t, svc, protected)
	var out bytes.Buffer
	err := p.ProtectWithCustomRights(context.Background(), ownerCtx, rightsDescriptor(), ProtectOptions{}, &out)
	if !errors.Is(err, ErrAlreadyProtected) {
		t.Errorf("err = %v, want ErrAlreadyProtected", err)
	}
}

func TestProtectNilOutput(t *testing.T) {
	svc := newService(t)
	p := newTestProtector(t, svc, buildPDF(t, []byte("x")))
	err := p.ProtectWithCustomRights(context.Background(), ownerCtx, rightsDescriptor(), ProtectOptions{}, nil)
	if !errors.Is(err, ErrStreamInvalid) {
		t.Errorf("err = %v, want ErrStreamInvalid", err)
	}
}

func TestProtectWithoutWrapper(t *testing.T) {
	svc := newService(t)
	p, err := New(svc, bytes.NewReader(buildPDF(t, []byte("x"))))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	err = p.ProtectWithCustomRights(context.Background(), ownerCtx, rightsDescriptor(), ProtectOptions{}, &out)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestUnprotectByNonOwner(t *testing.T) {
	svc := newService(t)
	_, protected := protectSample(t, svc, ProtectOptions{})

	p, err := New(svc, bytes.NewReader(protected))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	result, err := p.Unprotect(context.Background(), viewerCtx, UnprotectOptions{}, &out)
	if result != ResultFailure {
		t.Errorf("result = %v", result)
	}
	if !errors.Is(err, ErrRights) {
		t.Errorf("err = %v, want ErrRights", err)
	}
}

func TestUnprotectByStranger(t *testing.T) {
	svc := newService(t)
	_, protected := protectSample(t, svc, ProtectOptions{})

	p, err := New(svc, bytes.NewReader(protected))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	_, err = p.Unprotect(context.Background(), policy.UserContext{UserID: "stranger@example.com"}, UnprotectOptions{}, &out)
	if !errors.Is(err, ErrCannotAcquirePolicy) {
		t.Errorf("err = %v, want ErrCannotAcquirePolicy", err)
	}
}

func TestUnprotectNotProtected(t *testing.T) {
	svc := newService(t)
	p := newTestProtector(t, svc, buildPDF(t, []byte("plain")))
	var out bytes.Buffer
	result, err := p.Unprotect(context.Background(), ownerCtx, UnprotectOptions{}, &out)
	if result != ResultFailure || !errors.Is(err, ErrNotValidFile) {
		t.Errorf("result = %v, err = %v", result, err)
	}
}

func TestUnprotectWithCache(t *testing.T) {
	svc := newService(t)
	_, protected := protectSample(t, svc, ProtectOptions{})

	for i := 0; i < 2; i++ {
		p, err := New(svc, bytes.NewReader(protected))
		if err != nil {
			t.Fatal(err)
		}
		var out bytes.Buffer
		if _, err := p.Unprotect(context.Background(), ownerCtx, UnprotectOptions{UseCache: true, OfflineOnly: true}, &out); err != nil {
			t.Fatal(err)
		}
	}
}

func TestUnprotectCancelled(t *testing.T) {
	svc := newService(t)
	_, protected := protectSample(t, svc, ProtectOptions{})

	p, err := New(svc, bytes.NewReader(protected))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	_, err = p.Unprotect(ctx, ownerCtx, UnprotectOptions{}, &out)
	if !errors.Is(err, ErrOperationCancelled) {
		t.Errorf("err = %v, want ErrOperationCancelled", err)
	}
}

func TestProtectCancelled(t *testing.T) {
	svc := newService(t)
	p := newTestProtector(t, svc, buildPDF(t, []byte("x")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	err := p.ProtectWithCustomRights(ctx, ownerCtx, rightsDescriptor(), ProtectOptions{}, &out)
	if !errors.Is(err, ErrOperationCancelled) {
		t.Errorf("err = %v, want ErrOperationCancelled", err)
	}
}

func TestNewProtectorValidation(t *testing.T) {
	svc := newService(t)
	if _, err := New(nil, bytes.NewReader([]byte("x"))); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil service: %v", err)
	}
	if _, err := New(svc, nil); !errors.Is(err, ErrStreamInvalid) {
		t.Errorf("nil input: %v", err)
	}
	if _, err := New(svc, bytes.NewReader(nil)); !errors.Is(err, ErrStreamInvalid) {
		t.Errorf("empty input: %v", err)
	}
}
