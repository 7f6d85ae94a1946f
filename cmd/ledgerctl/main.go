/*
main.go - Operator CLI for the supply-chain ledger

PURPOSE:
  Inspects and verifies batches directly against the configured stores,
  without going through the HTTP server. Useful for audits and incident
  response when the API is down.

COMMANDS:
  batches                  List registered batches
  state <batch>            Current owners and quantities
  chain <batch>            Every record, with hash links
  verify <batch|address>   Cross-check the three sources of truth
  certificate <batch>      Print the canonical certificate JSON
  notarize                 Submit every unnotarized record now

FLAGS:
  -config  YAML config file (same file the server uses)
  -env     .env file (default: .env)

EXIT CODES:
  0  success (verify: record is valid)
  1  command failed, or verify found the record invalid
  2  usage error

EXAMPLES:
  ledgerctl -config=/etc/ledger/ledger.yaml verify B-2026-0012
  ledgerctl verify QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/warp/harvest-ledger/config"
	"github.com/warp/harvest-ledger/internal/wire"
	"github.com/warp/harvest-ledger/ledger"
	"github.com/warp/harvest-ledger/supplychain"
	"github.com/warp/harvest-ledger/verify"
)

var errUsage = errors.New("usage")

// errInvalid is returned by verify when the record did not verify.
var errInvalid = errors.New("verification failed")

func main() {
	configPath := flag.String("config", "", "YAML config file")
	envFile := flag.String("env", ".env", "env file")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		color.Red("config: %v", err)
		os.Exit(1)
	}
	cfg.ApplyLogging()
	if cfg.LogLevel == "info" {
		log.SetLevel(log.WarnLevel)
	}

	ctx := context.Background()
	rt, err := wire.Open(ctx, cfg)
	if err != nil {
		color.Red("open: %v", err)
		os.Exit(1)
	}

	err = run(ctx, rt.Service, flag.Args(), os.Stdout)
	rt.Close()
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		usage()
		os.Exit(2)
	case errors.Is(err, errInvalid):
		os.Exit(1)
	default:
		color.Red("%v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ledgerctl [-config file] [-env file] <batches|state|chain|verify|certificate|notarize> [arg]")
}

func run(ctx context.Context, svc *supplychain.Service, args []string, w io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	need := func() (string, error) {
		if len(rest) != 1 || rest[0] == "" {
			return "", fmt.Errorf("%s needs one argument: %w", cmd, errUsage)
		}
		return rest[0], nil
	}

	switch cmd {
	case "batches":
		return listBatches(ctx, svc, w)
	case "state":
		id, err := need()
		if err != nil {
			return err
		}
		return printState(ctx, svc, ledger.BatchID(id), w)
	case "chain":
		id, err := need()
		if err != nil {
			return err
		}
		return printChain(ctx, svc, ledger.BatchID(id), w)
	case "verify":
		ref, err := need()
		if err != nil {
			return err
		}
		return printVerification(svc.Verify(ctx, ref), w)
	case "certificate":
		id, err := need()
		if err != nil {
			return err
		}
		cert, err := svc.BuildCertificate(ctx, ledger.BatchID(id))
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n", cert.Bytes)
		color.New(color.Faint).Fprintf(w, "sha256 %s\n", cert.Hash)
		return nil
	case "notarize":
		if svc.Chain == nil {
			return errors.New("no blockchain log configured")
		}
		stats := supplychain.NewNotarizationScheduler(svc).RunNow(ctx)
		fmt.Fprintf(w, "pending %d, notarized %d, failed %d\n", stats.Pending, stats.Notarized, stats.Failed)
		if stats.Failed > 0 {
			return fmt.Errorf("%d notarizations failed", stats.Failed)
		}
		return nil
	}
	return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
}

func listBatches(ctx context.Context, svc *supplychain.Service, w io.Writer) error {
	batches, err := svc.ListBatches(ctx)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		color.New(color.FgYellow).Fprintln(w, "no batches")
		return nil
	}
	bold := color.New(color.Bold)
	for _, b := range batches {
		bold.Fprintf(w, "%-24s", b.BatchID)
		fmt.Fprintf(w, " %-12s %-20s %s\n", b.Product.Crop, b.FarmerID, b.RegisteredAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func printState(ctx context.Context, svc *supplychain.Service, id ledger.BatchID, w io.Writer) error {
	state, err := svc.GetCurrentState(ctx, id)
	if err != nil {
		return err
	}
	color.New(color.FgCyan, color.Bold).Fprintf(w, "Batch %s\n", state.BatchID)
	fmt.Fprintf(w, "  harvested  %s kg by %s\n", state.TotalQuantity, state.Harvester)
	fmt.Fprintf(w, "  available  %s kg\n", state.AvailableQuantity)
	fmt.Fprintf(w, "  records    %d\n", state.ChainLength)
	fmt.Fprintln(w, "  owners:")

	owners := make([]string, 0, len(state.CurrentOwners))
	for owner := range state.CurrentOwners {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	for _, owner := range owners {
		fmt.Fprintf(w, "    %-24s %s kg\n", owner, state.CurrentOwners[owner].Quantity)
	}
	return nil
}

func printChain(ctx context.Context, svc *supplychain.Service, id ledger.BatchID, w io.Writer) error {
	chain, err := svc.GetChain(ctx, id)
	if err != nil {
		return err
	}
	faint := color.New(color.Faint)
	for _, tx := range chain.Transactions {
		color.New(color.Bold).Fprintf(w, "#%d %-10s", tx.Sequence, tx.Type)
		fmt.Fprintf(w, " %s -> %s  %s kg @ %s  %s\n", tx.From, tx.To, tx.Quantity, tx.Price, tx.Timestamp.Format("2006-01-02 15:04:05"))
		faint.Fprintf(w, "    hash %s\n    prev %s\n", short(ledger.Hash(tx)), short(tx.PreviousTransactionHash))
		if tx.IPFSHash != "" {
			faint.Fprintf(w, "    cert %s\n", tx.IPFSHash)
		}
		if tx.IsNotarized() {
			faint.Fprintf(w, "    chain %s\n", tx.BlockchainHash)
		}
	}
	if _, err := ledger.ValidateChain(chain); err != nil {
		color.New(color.FgRed).Fprintf(w, "chain INVALID: %v\n", err)
		return errInvalid
	}
	color.New(color.FgGreen).Fprintf(w, "chain valid (%d records)\n", chain.Len())
	return nil
}

func printVerification(r *verify.Result, w io.Writer) error {
	header := color.New(color.FgGreen, color.Bold)
	switch {
	case !r.IsValid:
		header = color.New(color.FgRed, color.Bold)
	case len(r.Warnings) > 0:
		header = color.New(color.FgYellow, color.Bold)
	}
	header.Fprintf(w, "%s  %s\n", r.Stage, r.Ref)

	source := func(name string, s verify.SourceStatus) {
		mark := color.New(color.Faint).Sprint("-")
		switch {
		case s.Consulted && s.OK:
			mark = color.GreenString("✓")
		case s.Consulted:
			mark = color.RedString("✗")
		}
		fmt.Fprintf(w, "  %s %-10s %s\n", mark, name, s.Detail)
	}
	source("relational", r.Relational)
	source("content", r.Content)
	source("blockchain", r.Blockchain)

	for _, warning := range r.Warnings {
		color.New(color.FgYellow).Fprintf(w, "  warning: %s\n", warning)
	}
	for _, e := range r.Errors {
		color.New(color.FgRed).Fprintf(w, "  error: %s\n", e)
	}
	if !r.IsValid {
		return errInvalid
	}
	return nil
}

func short(hash string) string {
	if hash == "" {
		return "(none)"
	}
	if len(hash) > 16 {
		return hash[:16] + "…"
	}
	return strings.TrimSpace(hash)
}
