package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cdpledger/crypto"
	"cdpledger/gateway/middleware"
	"cdpledger/services/cdpd/client"
)

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	var out string
	fs.StringVar(&out, "out", "", "path of the keystore file to write")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(out) == "" {
		fmt.Fprintln(stderr, "Error: --out is required")
		return 1
	}
	if _, err := os.Stat(out); err == nil {
		return fail(stderr, fmt.Errorf("%s already exists", out))
	}
	pass, err := passphraseSource().Get()
	if err != nil {
		return fail(stderr, err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fail(stderr, err)
	}
	addr, err := crypto.SaveToKeystore(out, key, pass)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, addr.String())
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	var keyPath string
	fs.StringVar(&keyPath, "key", os.Getenv(envKey), "owner keystore file")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	key, err := loadKey(keyPath)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	var subject, issuer string
	var ttl time.Duration
	fs.StringVar(&subject, "subject", "", "operator name recorded in the token")
	fs.StringVar(&issuer, "issuer", "cdpd", "token issuer; must match the daemon")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(subject) == "" {
		fmt.Fprintln(stderr, "Error: --subject is required")
		return 1
	}
	secret := os.Getenv(envAuthSecret)
	if strings.TrimSpace(secret) == "" {
		fmt.Fprintf(stderr, "Error: $%s is required\n", envAuthSecret)
		return 1
	}
	token, err := middleware.IssueToken(secret, issuer, subject, ttl, middleware.ScopeAdmin)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runOpenPosition(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("open-position", stderr)
	var common commonFlags
	common.register(fs)
	var asset, collateral, debt, idem string
	var decimals uint
	fs.StringVar(&asset, "asset", "", "collateral asset symbol")
	fs.StringVar(&collateral, "collateral", "0", "initial collateral")
	fs.StringVar(&debt, "debt", "0", "initial debt")
	fs.UintVar(&decimals, "decimals", 0, "decimal places of the amounts; 0 means base units")
	fs.StringVar(&idem, "idempotency-key", "", "retry key")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(asset) == "" {
		fmt.Fprintln(stderr, "Error: --asset is required")
		return 1
	}
	if decimals > 255 {
		fmt.Fprintln(stderr, "Error: --decimals must be at most 255")
		return 1
	}
	coll, err := client.ParseUnits(collateral, uint8(decimals))
	if err != nil {
		return fail(stderr, err)
	}
	owed, err := client.ParseUnits(debt, uint8(decimals))
	if err != nil {
		return fail(stderr, err)
	}
	c, err := common.client(true)
	if err != nil {
		return fail(stderr, err)
	}
	ctx, cancel := requestContext()
	defer cancel()
	position, err := c.OpenPosition(ctx, asset, coll, owed, idem)
	if err != nil {
		return fail(stderr, err)
	}
	return writeJSON(stdout, stderr, position)
}

func runChange(op string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(op, stderr)
	var common commonFlags
	common.register(fs)
	var asset, amount, idem string
	var decimals uint
	fs.StringVar(&asset, "asset", "", "collateral asset symbol")
	fs.StringVar(&amount, "amount", "", "amount to "+op)
	fs.UintVar(&decimals, "decimals", 0, "decimal places of --amount; 0 means base units")
	fs.StringVar(&idem, "idempotency-key", "", "retry key")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(asset) == "" {
		fmt.Fprintln(stderr, "Error: --asset is required")
		return 1
	}
	if strings.TrimSpace(amount) == "" {
		fmt.Fprintln(stderr, "Error: --amount is required")
		return 1
	}
	if decimals > 255 {
		fmt.Fprintln(stderr, "Error: --decimals must be at most 255")
		return 1
	}
	value, err := client.ParseUnits(amount, uint8(decimals))
	if err != nil {
		return fail(stderr, err)
	}
	c, err := common.client(true)
	if err != nil {
		return fail(stderr, err)
	}
	ctx, cancel := requestContext()
	defer cancel()

	var position *client.Position
	switch op {
	case "deposit":
		position, err = c.Deposit(ctx, asset, value, idem)
	case "withdraw":
		position, err = c.Withdraw(ctx, asset, value, idem)
	case "borrow":
		position, err = c.Borrow(ctx, asset, value, idem)
	case "repay":
		position, err = c.Repay(ctx, asset, value, idem)
	default:
		err = fmt.Errorf("unknown operation %s", op)
	}
	if err != nil {
		return fail(stderr, err)
	}
	return writeJSON(stdout, stderr, position)
}

type positionReport struct {
	*client.Position
	Display map[string]string `json:"display,omitempty"`
}

func runShow(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("show", stderr)
	var common commonFlags
	common.register(fs)
	var asset, owner string
	fs.StringVar(&asset, "asset", "", "collateral asset symbol")
	fs.StringVar(&owner, "owner", "", "owner address; defaults to the --key address")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(asset) == "" {
		fmt.Fprintln(stderr, "Error: --asset is required")
		return 1
	}
	if strings.TrimSpace(owner) == "" {
		key, err := loadKey(common.keyPath)
		if err != nil {
			return fail(stderr, fmt.Errorf("--owner or a key is required: %w", err))
		}
		owner = key.PubKey().Address().String()
	}
	c, err := common.client(false)
	if err != nil {
		return fail(stderr, err)
	}
	ctx, cancel := requestContext()
	defer cancel()
	position, err := c.Position(ctx, asset, owner)
	if err != nil {
		return fail(stderr, err)
	}
	report := positionReport{Position: position}
	if pool, err := c.Pool(ctx, asset); err == nil && pool.Decimals > 0 {
		report.Display = map[string]string{
			"collateral": client.FormatUnits(position.Collateral, pool.Decimals),
			"debt":       client.FormatUnits(position.Debt, pool.Decimals),
		}
	}
	return writeJSON(stdout, stderr, report)
}

func runPools(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("pools", stderr)
	var common commonFlags
	common.register(fs)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	c, err := common.client(false)
	if err != nil {
		return fail(stderr, err)
	}
	ctx, cancel := requestContext()
	defer cancel()
	pools, err := c.Pools(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	return writeJSON(stdout, stderr, pools)
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("export", stderr)
	var common commonFlags
	common.register(fs)
	var asset, out string
	fs.StringVar(&asset, "asset", "", "pool asset symbol")
	fs.StringVar(&out, "out", "", "destination parquet file")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(asset) == "" || strings.TrimSpace(out) == "" {
		fmt.Fprintln(stderr, "Error: --asset and --out are required")
		return 1
	}
	c, err := common.client(false)
	if err != nil {
		return fail(stderr, err)
	}
	file, err := os.Create(out)
	if err != nil {
		return fail(stderr, err)
	}
	ctx, cancel := requestContext()
	defer cancel()
	if err := c.Export(ctx, asset, file); err != nil {
		file.Close()
		_ = os.Remove(out)
		return fail(stderr, err)
	}
	if err := file.Close(); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "wrote %s\n", out)
	return 0
}

func runPause(cmd string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(cmd, stderr)
	var common commonFlags
	common.register(fs)
	var module string
	fs.StringVar(&module, "module", "", "module to "+cmd+" (cdp or custody)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(module) == "" {
		fmt.Fprintln(stderr, "Error: --module is required")
		return 1
	}
	c, err := common.client(false)
	if err != nil {
		return fail(stderr, err)
	}
	ctx, cancel := requestContext()
	defer cancel()
	if err := c.SetPaused(ctx, module, cmd == "pause"); err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status == 401 {
			return fail(stderr, fmt.Errorf("%w (set --token or $%s)", err, envToken))
		}
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "%s %sd\n", module, cmd)
	return 0
}

func writeJSON(stdout, stderr io.Writer, v interface{}) int {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fail(stderr, err)
	}
	return 0
}
