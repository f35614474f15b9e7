package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cdpledger/cmd/internal/passphrase"
	"cdpledger/crypto"
	"cdpledger/services/cdpd/client"
)

const (
	envEndpoint   = "CDPD_URL"
	envToken      = "CDPD_TOKEN"
	envKey        = "CDPCTL_KEY"
	envPassphrase = "CDPCTL_PASSPHRASE"
	envAuthSecret = "CDPD_AUTH_SECRET"

	defaultEndpoint = "http://127.0.0.1:8085"
	requestTimeout  = 30 * time.Second
)

var passphraseSource = func() *passphrase.Source {
	return passphrase.NewSource(envPassphrase, "Enter cdpctl keystore passphrase")
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "open-position":
		return runOpenPosition(args[1:], stdout, stderr)
	case "deposit", "withdraw", "borrow", "repay":
		return runChange(args[0], args[1:], stdout, stderr)
	case "show":
		return runShow(args[1:], stdout, stderr)
	case "pools":
		return runPools(args[1:], stdout, stderr)
	case "export":
		return runExport(args[1:], stdout, stderr)
	case "pause", "resume":
		return runPause(args[0], args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`
Usage: cdpctl <command> [flags]

Keys:
  keygen         --out <keystore.json>
  address        --key <keystore.json>
  token          --subject <name> [--ttl 1h] [--issuer cdpd]

Positions (signed with --key or $CDPCTL_KEY):
  open-position  --asset <sym> [--collateral <amt>] [--debt <amt>] [--decimals n]
  deposit        --asset <sym> --amount <amt> [--decimals n] [--idempotency-key k]
  withdraw       --asset <sym> --amount <amt> [--decimals n] [--idempotency-key k]
  borrow         --asset <sym> --amount <amt> [--decimals n] [--idempotency-key k]
  repay          --asset <sym> --amount <amt> [--decimals n] [--idempotency-key k]
  show           --asset <sym> [--owner <addr>]
  pools

Operator (bearer token from --token or $CDPD_TOKEN):
  export         --asset <sym> --out <file.parquet>
  pause|resume   --module cdp|custody

Every command accepts --endpoint (default $CDPD_URL or ` + defaultEndpoint + `).`)
}

// commonFlags are shared by the commands that talk to cdpd.
type commonFlags struct {
	endpoint string
	keyPath  string
	token    string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	endpoint := os.Getenv(envEndpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	fs.StringVar(&c.endpoint, "endpoint", endpoint, "cdpd base URL")
	fs.StringVar(&c.keyPath, "key", os.Getenv(envKey), "owner keystore file")
	fs.StringVar(&c.token, "token", os.Getenv(envToken), "operator bearer token")
}

func (c *commonFlags) client(withSigner bool) (*client.Client, error) {
	opts := []client.Option{client.WithToken(c.token)}
	if withSigner {
		key, err := loadKey(c.keyPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithSigner(key))
	}
	return client.New(c.endpoint, opts...), nil
}

func loadKey(path string) (*crypto.PrivateKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("--key or $%s is required", envKey)
	}
	pass, err := passphraseSource().Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("cdpctl "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
