package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/openirm/irmfile/config"
	"github.com/openirm/irmfile/keys"
	"github.com/openirm/irmfile/policy"
	"github.com/openirm/irmfile/protector"
)

// ProtectCommand protects a document under a rights policy.
func ProtectCommand(args []string) {
	fs := flag.NewFlagSet("protect", flag.ExitOnError)
	configPath := fs.String("config", "irm.yaml", "configuration file")
	user := fs.String("user", "", "owner identity (email)")
	template := fs.String("template", "", "policy template ID")
	viewers := fs.String("viewers", "", "comma-separated identities granted VIEW")
	fs.Parse(args[2:])

	if fs.NArg() != 2 || *user == "" {
		fmt.Fprintln(os.Stderr, "usage: protect -config <file> -user <id> [-template <id>] [-viewers a,b] <input> <output>")
		osExit(2)
		return
	}

	cfg, svc, err := loadService(*configPath)
	if err != nil {
		fail(err)
		return
	}
	p, err := newProtector(svc, fs.Arg(0), cfg.WrapperTemplate)
	if err != nil {
		fail(err)
		return
	}

	out, err := os.Create(fs.Arg(1))
	if err != nil {
		fail(err)
		return
	}
	defer out.Close()

	opts := protector.ProtectOptions{
		AllowAuditedExtraction: cfg.AllowAuditedExtraction,
		SignedAppData:          cfg.SignedAppData,
	}
	if cfg.Crypto == "aes128-ecb" {
		opts.Crypto = protector.CryptoAES128ECB
	}

	ctx := context.Background()
	userCtx := policy.UserContext{UserID: *user}
	if *template != "" {
		err = p.ProtectWithTemplate(ctx, userCtx, policy.TemplateDescriptor{ID: *template}, opts, out)
	} else {
		desc := policy.Descriptor{
			Owner:      *user,
			UserRights: map[string][]string{*user: {policy.RightView, policy.RightEdit, policy.RightExtract}},
		}
		if *viewers != "" {
			for _, v := range strings.Split(*viewers, ",") {
				v = strings.TrimSpace(v)
				if v != "" && v != *user {
					desc.UserRights[v] = []string{policy.RightView}
				}
			}
		}
		err = p.ProtectWithCustomRights(ctx, userCtx, desc, opts, out)
	}
	if err != nil {
		os.Remove(fs.Arg(1))
		fail(err)
		return
	}
	fmt.Printf("Protected %s -> %s\n", fs.Arg(0), fs.Arg(1))
}

// loadService loads the configuration and builds the local policy
// service from it.
func loadService(configPath string) (*config.Config, policy.Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	signer, err := keys.LoadSigningKey(cfg.SigningKey)
	if err != nil {
		return nil, nil, err
	}
	secret := signer.Seed()
	if cfg.ServiceSecretFile != "" {
		secret, err = os.ReadFile(cfg.ServiceSecretFile)
		if err != nil {
			return nil, nil, err
		}
	}
	svc, err := policy.NewLocalService(signer, secret)
	if err != nil {
		return nil, nil, err
	}
	return cfg, svc, nil
}

// newProtector opens the input document and wrapper template.
func newProtector(svc policy.Service, inputPath, wrapperPath string) (*protector.PDFProtector, error) {
	in, err := os.Open(inputPath)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	p, err := protector.New(svc, in)
	if err != nil {
		return nil, err
	}
	wrapper, err := os.Open(wrapperPath)
	if err != nil {
		return nil, err
	}
	defer wrapper.Close()
	if err := p.SetWrapper(wrapper); err != nil {
		return nil, err
	}
	return p, nil
}

// fail reports an error and exits non-zero.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	osExit(1)
}
