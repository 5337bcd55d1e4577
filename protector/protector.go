// Package protector wraps documents in a rights-management envelope and
// unwraps them for authorized users.
package protector

import (
	"bytes"
	"context"
	"io"
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/openirm/irmfile/pdf/envelope"
	"github.com/openirm/irmfile/pdf/objmodel"
	"github.com/openirm/irmfile/policy"
)

// PDFProtector protects and unprotects PDF documents. One protector
// serves one input document; create a new one per file.
type PDFProtector struct {
	service policy.Service
	clock   clockwork.Clock
	log     *slog.Logger

	input           []byte
	wrapperTemplate []byte
	userPolicy      *policy.UserPolicy
}

// New creates a protector over the input document.
func New(service policy.Service, input io.Reader) (*PDFProtector, error) {
	if service == nil {
		return nil, trace.Wrap(ErrInvalidArgument, "policy service is required")
	}
	if input == nil {
		return nil, trace.Wrap(ErrStreamInvalid)
	}
	data, err := io.ReadAll(input)
	if err != nil {
		return nil, trace.Wrap(ErrStreamInvalid)
	}
	if len(data) == 0 {
		return nil, trace.Wrap(ErrStreamInvalid)
	}
	return &PDFProtector{
		service: service,
		clock:   clockwork.NewRealClock(),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		input:   data,
	}, nil
}

// SetWrapper sets the template for the outer wrapper document: the
// unencrypted cover shown by readers without IRM support. Protect
// requires it.
func (p *PDFProtector) SetWrapper(template io.Reader) error {
	if template == nil {
		return trace.Wrap(ErrStreamInvalid)
	}
	data, err := io.ReadAll(template)
	if err != nil {
		return trace.Wrap(ErrStreamInvalid)
	}
	p.wrapperTemplate = data
	return nil
}

// SetLogger installs a logger; the default discards everything.
func (p *PDFProtector) SetLogger(log *slog.Logger) {
	if log != nil {
		p.log = log
	}
}

// SetClock replaces the clock used for wrapper creation dates.
func (p *PDFProtector) SetClock(clock clockwork.Clock) {
	if clock != nil {
		p.clock = clock
	}
}

// ProtectWithTemplate protects the document under a policy created from
// a registered template.
func (p *PDFProtector) ProtectWithTemplate(ctx context.Context, user policy.UserContext, tmpl policy.TemplateDescriptor, opts ProtectOptions, out io.Writer) error {
	p.log.Debug("protect with template", "template", tmpl.ID, "user", user.UserID)
	if err := p.checkProtectPreconditions(out); err != nil {
		return err
	}
	pol, err := p.service.CreateFromTemplate(ctx, tmpl, user, opts.creationOptions())
	if err != nil {
		return p.classifyPolicyError(err)
	}
	p.userPolicy = pol
	return p.protect(ctx, out)
}

// ProtectWithCustomRights protects the document under an ad-hoc policy
// descriptor.
func (p *PDFProtector) ProtectWithCustomRights(ctx context.Context, user policy.UserContext, desc policy.Descriptor, opts ProtectOptions, out io.Writer) error {
	p.log.Debug("protect with custom rights", "user", user.UserID)
	if err := p.checkProtectPreconditions(out); err != nil {
		return err
	}
	pol, err := p.service.CreateFromDescriptor(ctx, desc, user, opts.creationOptions())
	if err != nil {
		return p.classifyPolicyError(err)
	}
	p.userPolicy = pol
	return p.protect(ctx, out)
}

// Unprotect validates the wrapper, acquires the user policy for the
// embedded license and reassembles the plaintext document into out.
func (p *PDFProtector) Unprotect(ctx context.Context, user policy.UserContext, opts UnprotectOptions, out io.Writer) (Result, error) {
	p.log.Debug("unprotect", "user", user.UserID)
	if out == nil {
		return ResultFailure, trace.Wrap(ErrStreamInvalid)
	}

	doc, err := envelope.Parse(p.input)
	if err != nil {
		return ResultFailure, trace.Wrap(ErrNotValidFile)
	}
	if err := doc.Validate(); err != nil {
		p.log.Error("input is not a valid rights-protected file")
		return ResultFailure, trace.Wrap(ErrNotValidFile)
	}

	handler := newSecurityHandler(p, user, opts)
	err = objmodel.UnprotectCustomEncryptedFile(ctx, doc.PayloadBytes(), envelope.FilterName, handler, out)
	if err != nil {
		if cancelled(err) {
			return ResultFailure, trace.Wrap(ErrOperationCancelled)
		}
		if passthrough(err) {
			return ResultFailure, err
		}
		p.log.Error("failed to decrypt the file", "error", err)
		return ResultFailure, trace.Wrap(ErrCorruptFile)
	}
	p.log.Debug("unprotect finished")
	return ResultSuccess, nil
}

// IsProtected reports whether the input document is a valid
// rights-protected file.
func (p *PDFProtector) IsProtected() bool {
	doc, err := envelope.Parse(p.input)
	if err != nil {
		return false
	}
	return doc.Validate() == nil
}

// checkProtectPreconditions runs the stream and already-protected
// checks before any crypto state is allocated.
func (p *PDFProtector) checkProtectPreconditions(out io.Writer) error {
	if out == nil {
		p.log.Error("output stream invalid")
		return trace.Wrap(ErrStreamInvalid)
	}
	if p.IsProtected() {
		p.log.Error("file is already protected")
		return trace.Wrap(ErrAlreadyProtected)
	}
	return nil
}

// classifyPolicyError maps policy creation failures.
func (p *PDFProtector) classifyPolicyError(err error) error {
	if cancelled(err) {
		return trace.Wrap(ErrOperationCancelled)
	}
	return trace.Wrap(err)
}

// protect encrypts the document under the stored policy and writes the
// wrapped output.
func (p *PDFProtector) protect(ctx context.Context, out io.Writer) error {
	if p.userPolicy == nil {
		p.log.Error("user policy creation failed")
		return trace.Wrap(ErrInvalidArgument, "no user policy")
	}
	if p.wrapperTemplate == nil {
		p.log.Error("wrapper template not set")
		return trace.Wrap(ErrInvalidArgument, "wrapper template not set")
	}

	handler := newCryptoHandler(p)
	var inner bytes.Buffer
	err := objmodel.CreateCustomEncryptedFile(ctx, p.input, envelope.FilterName, p.userPolicy.Serialized(), handler, &inner)
	if err != nil {
		if cancelled(err) {
			return trace.Wrap(ErrOperationCancelled)
		}
		p.log.Error("failed to encrypt the file", "error", err)
		return trace.Wrap(ErrCorruptFile)
	}

	creator := envelope.NewCreator(p.wrapperTemplate)
	creator.SetClock(p.clock)
	creator.SetPayloadInfo(envelope.WrapperSubtype, envelope.WrapperFilename, envelope.WrapperDescription, envelope.WrapperVersion)
	creator.SetPayload(inner.Bytes())
	if err := creator.WriteTo(out); err != nil {
		p.log.Error("failed to create wrapper document", "error", err)
		return trace.Wrap(ErrInvalidArgument, "wrapper document invalid")
	}
	p.log.Debug("protect finished", "payload_size", inner.Len())
	return nil
}
