package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"rentalpay/cmd/internal/passphrase"
	"rentalpay/crypto"
)

const passphraseEnv = "RENTALCTL_PASSPHRASE"

var errUsage = errors.New("invalid usage")

type app struct {
	stdout  io.Writer
	pass    interface{ Get() (string, error) }
	now     func() time.Time
	keyCost crypto.KeystoreParams
	profile *profile
}

func main() {
	a := &app{
		stdout:  os.Stdout,
		pass:    passphrase.NewSource(passphraseEnv, "wallet keystore"),
		now:     time.Now,
		keyCost: crypto.StandardKeystore,
	}
	if err := a.run(context.Background(), os.Args[1:]); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, args []string) error {
	global := flag.NewFlagSet("rentalctl", flag.ContinueOnError)
	profilePath := global.String("profile", defaultProfilePath(), "Path to the CLI profile")
	endpoint := global.String("endpoint", "", "Gateway base URL (overrides the profile)")
	if err := global.Parse(args); err != nil {
		return errUsage
	}
	rest := global.Args()
	if len(rest) == 0 {
		a.usage()
		return errUsage
	}
	p, err := loadProfile(*profilePath)
	if err != nil {
		return err
	}
	if *endpoint != "" {
		p.Endpoint = *endpoint
	}
	a.profile = p

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "keygen":
		return a.keygen(cmdArgs)
	case "login":
		return a.login(ctx)
	case "open":
		return a.open(ctx, cmdArgs)
	case "release", "dispute":
		return a.transition(ctx, cmd, cmdArgs)
	case "resolve":
		return a.resolve(ctx, cmdArgs)
	case "booking":
		return a.booking(ctx, cmdArgs)
	case "managers":
		return a.managers(ctx, cmdArgs)
	case "balance":
		return a.balance(ctx, cmdArgs)
	case "credit":
		return a.credit(ctx, cmdArgs)
	case "withdraw":
		return a.withdraw(ctx, cmdArgs)
	case "help", "-h", "--help":
		a.usage()
		return nil
	default:
		a.usage()
		return errUsage
	}
}

func (a *app) keygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	keystorePath := fs.String("keystore", filepath.Join(filepath.Dir(a.profile.path), "wallet.json"), "Output path for the keystore file")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if !*force {
		if _, err := os.Stat(*keystorePath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use --force to overwrite)", *keystorePath)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	secret, err := a.pass.Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, secret, a.keyCost); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	a.profile.KeystorePath = *keystorePath
	a.profile.Address = key.Address().Hex()
	a.profile.Token = ""
	a.profile.TokenExpires = time.Time{}
	if err := a.profile.save(); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Address: %s\nBech32:  %s\nKeystore: %s\n", key.Address().Hex(), key.Address().String(), *keystorePath)
	return nil
}

// login signs a gateway challenge with the keystore key and caches the
// session token in the profile.
func (a *app) login(ctx context.Context) error {
	if a.profile.KeystorePath == "" {
		return errors.New("no keystore configured; run rentalctl keygen first")
	}
	secret, err := a.pass.Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(a.profile.KeystorePath, secret)
	if err != nil {
		return fmt.Errorf("unlock keystore: %w", err)
	}
	c := newClient(a.profile.Endpoint, "")

	var challenge struct {
		ChallengeID string `json:"challengeId"`
		Message     string `json:"message"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/auth/challenge", map[string]string{"address": key.Address().Hex()}, &challenge, ""); err != nil {
		return err
	}
	sig, err := key.SignMessage([]byte(challenge.Message))
	if err != nil {
		return err
	}
	var session struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expiresAt"`
	}
	body := map[string]string{"challengeId": challenge.ChallengeID, "signature": hexutil.Encode(sig)}
	if err := c.call(ctx, http.MethodPost, "/v1/auth/session", body, &session, ""); err != nil {
		return err
	}
	expires, err := time.Parse(time.RFC3339, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("gateway returned invalid expiry %q", session.ExpiresAt)
	}
	a.profile.Address = key.Address().Hex()
	a.profile.Token = session.Token
	a.profile.TokenExpires = expires
	if err := a.profile.save(); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Signed in as %s until %s\n", a.profile.Address, expires.Format(time.RFC3339))
	return nil
}

func (a *app) authed() (*client, error) {
	token, ok := a.profile.session(a.now())
	if !ok {
		return nil, errors.New("no valid session; run rentalctl login")
	}
	return newClient(a.profile.Endpoint, token), nil
}

func (a *app) open(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("open", flag.ContinueOnError)
	owner := fs.String("owner", "", "Owner address (0x or bech32)")
	duration := fs.Duration("duration", 24*time.Hour, "Rental duration")
	deposit := fs.String("deposit", "", "Deposit in wei")
	key := fs.String("idempotency-key", "", "Idempotency key (random when empty)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	ownerAddr, err := crypto.ParseAddress(*owner)
	if err != nil {
		return err
	}
	if *duration < 0 {
		return errors.New("duration must not be negative")
	}
	c, err := a.authed()
	if err != nil {
		return err
	}
	if *key == "" {
		*key = uuid.NewString()
	}
	body := map[string]interface{}{
		"owner":           ownerAddr.Hex(),
		"durationSeconds": uint64(*duration / time.Second),
		"deposit":         strings.TrimSpace(*deposit),
	}
	return a.print(ctx, c, http.MethodPost, "/v1/bookings", body, *key)
}

func (a *app) transition(ctx context.Context, op string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rentalctl %s <booking-id>", op)
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := a.authed()
	if err != nil {
		return err
	}
	return a.print(ctx, c, http.MethodPost, fmt.Sprintf("/v1/bookings/%d/%s", id, op), nil, "")
}

func (a *app) resolve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	favor := fs.String("favor", "", "Party receiving the held amount: renter or owner")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		return errors.New("usage: rentalctl resolve --favor renter|owner <booking-id>")
	}
	id, err := parseID(fs.Arg(0))
	if err != nil {
		return err
	}
	var favorRenter bool
	switch strings.ToLower(strings.TrimSpace(*favor)) {
	case "renter":
		favorRenter = true
	case "owner":
	default:
		return errors.New("--favor must be renter or owner")
	}
	c, err := a.authed()
	if err != nil {
		return err
	}
	body := map[string]bool{"favorRenter": favorRenter}
	return a.print(ctx, c, http.MethodPost, fmt.Sprintf("/v1/bookings/%d/resolve", id), body, "")
}

func (a *app) booking(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: rentalctl booking <booking-id>")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return a.print(ctx, newClient(a.profile.Endpoint, ""), http.MethodGet, fmt.Sprintf("/v1/bookings/%d", id), nil, "")
}

func (a *app) managers(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "list" {
		return a.print(ctx, newClient(a.profile.Endpoint, ""), http.MethodGet, "/v1/managers", nil, "")
	}
	if len(args) != 2 {
		return errors.New("usage: rentalctl managers [list | add <address> | remove <address>]")
	}
	addr, err := crypto.ParseAddress(args[1])
	if err != nil {
		return err
	}
	var method string
	switch args[0] {
	case "add":
		method = http.MethodPut
	case "remove":
		method = http.MethodDelete
	default:
		return fmt.Errorf("unknown managers subcommand %q", args[0])
	}
	c, err := a.authed()
	if err != nil {
		return err
	}
	return a.print(ctx, c, method, "/v1/managers/"+url.PathEscape(addr.Hex()), nil, "")
}

func (a *app) balance(ctx context.Context, args []string) error {
	raw := a.profile.Address
	if len(args) > 0 {
		raw = args[0]
	}
	if raw == "" {
		return errors.New("usage: rentalctl balance <address>")
	}
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return err
	}
	return a.print(ctx, newClient(a.profile.Endpoint, ""), http.MethodGet, "/v1/accounts/"+addr.Hex(), nil, "")
}

func (a *app) credit(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: rentalctl credit <address> <amount-wei>")
	}
	addr, err := crypto.ParseAddress(args[0])
	if err != nil {
		return err
	}
	c, err := a.authed()
	if err != nil {
		return err
	}
	body := map[string]string{"amount": strings.TrimSpace(args[1])}
	return a.print(ctx, c, http.MethodPost, "/v1/accounts/"+addr.Hex()+"/credit", body, uuid.NewString())
}

func (a *app) withdraw(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: rentalctl withdraw <amount-wei>")
	}
	c, err := a.authed()
	if err != nil {
		return err
	}
	body := map[string]string{"amount": strings.TrimSpace(args[0])}
	return a.print(ctx, c, http.MethodPost, "/v1/accounts/withdraw", body, uuid.NewString())
}

func (a *app) print(ctx context.Context, c *client, method, path string, body interface{}, idempotencyKey string) error {
	var raw json.RawMessage
	if err := c.call(ctx, method, path, body, &raw, idempotencyKey); err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return err
	}
	pretty.WriteByte('\n')
	_, err := a.stdout.Write(pretty.Bytes())
	return err
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid booking id %q", raw)
	}
	return id, nil
}

func (a *app) usage() {
	fmt.Fprintln(a.stdout, "rentalctl [--profile path] [--endpoint url] <command>")
	fmt.Fprintln(a.stdout)
	fmt.Fprintln(a.stdout, "Commands:")
	fmt.Fprintln(a.stdout, "  keygen [--keystore path] [--force]          Create a wallet keystore")
	fmt.Fprintln(a.stdout, "  login                                       Sign in with the keystore key")
	fmt.Fprintln(a.stdout, "  open --owner addr --deposit wei [--duration 24h]")
	fmt.Fprintln(a.stdout, "  release <id>                                Pay the owner")
	fmt.Fprintln(a.stdout, "  dispute <id>                                Dispute as the renter")
	fmt.Fprintln(a.stdout, "  resolve --favor renter|owner <id>           Settle a dispute")
	fmt.Fprintln(a.stdout, "  booking <id>                                Show a booking")
	fmt.Fprintln(a.stdout, "  managers [list | add <addr> | remove <addr>]")
	fmt.Fprintln(a.stdout, "  balance [addr]                              Show a ledger balance")
	fmt.Fprintln(a.stdout, "  credit <addr> <wei>                         Record a deposit (admin)")
	fmt.Fprintln(a.stdout, "  withdraw <wei>                              Withdraw from your balance")
}
