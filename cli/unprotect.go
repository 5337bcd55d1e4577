package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/openirm/irmfile/policy"
	"github.com/openirm/irmfile/protector"
)

// UnprotectCommand decrypts a protected document for its owner.
func UnprotectCommand(args []string) {
	fs := flag.NewFlagSet("unprotect", flag.ExitOnError)
	configPath := fs.String("config", "irm.yaml", "configuration file")
	user := fs.String("user", "", "requesting identity (email)")
	fs.Parse(args[2:])

	if fs.NArg() != 2 || *user == "" {
		fmt.Fprintln(os.Stderr, "usage: unprotect -config <file> -user <id> <input> <output>")
		osExit(2)
		return
	}

	cfg, svc, err := loadService(*configPath)
	if err != nil {
		fail(err)
		return
	}
	in, err := os.Open(fs.Arg(0))
	if err != nil {
		fail(err)
		return
	}
	defer in.Close()
	p, err := protector.New(svc, in)
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

	opts := protector.UnprotectOptions{
		OfflineOnly: cfg.OfflineOnly,
		UseCache:    cfg.UseCache,
	}
	result, err := p.Unprotect(context.Background(), policy.UserContext{UserID: *user}, opts, out)
	if err != nil || result != protector.ResultSuccess {
		os.Remove(fs.Arg(1))
		fail(err)
		return
	}
	fmt.Printf("Unprotected %s -> %s\n", fs.Arg(0), fs.Arg(1))
}

// StatusCommand reports whether a document is rights-protected.
func StatusCommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args[2:])

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: status <input>")
		osExit(2)
		return
	}
	in, err := os.Open(fs.Arg(0))
	if err != nil {
		fail(err)
		return
	}
	defer in.Close()
	p, err := protector.New(noPolicyService{}, in)
	if err != nil {
		fail(err)
		return
	}
	if p.IsProtected() {
		fmt.Printf("%s: protected\n", fs.Arg(0))
	} else {
		fmt.Printf("%s: not protected\n", fs.Arg(0))
	}
}

// noPolicyService satisfies the protector for read-only status checks.
type noPolicyService struct{}

func (noPolicyService) CreateFromTemplate(context.Context, policy.TemplateDescriptor, policy.UserContext, policy.CreationOptions) (*policy.UserPolicy, error) {
	return nil, policy.ErrNoPolicy
}

func (noPolicyService) CreateFromDescriptor(context.Context, policy.Descriptor, policy.UserContext, policy.CreationOptions) (*policy.UserPolicy, error) {
	return nil, policy.ErrNoPolicy
}

func (noPolicyService) Acquire(context.Context, []byte, policy.UserContext, policy.AcquireOptions) (*policy.AcquireResult, error) {
	return nil, policy.ErrNoPolicy
}
