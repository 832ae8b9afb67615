package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/olekukonko/tablewriter"

	"dvpsettle/cmd/internal/passphrase"
	"dvpsettle/native/bundle"
	"dvpsettle/observability/logging"
	"dvpsettle/services/dvpd"
	"dvpsettle/services/dvpd/journal"
	"dvpsettle/services/dvpd/ledger"
	"dvpsettle/services/dvpd/settlement"
)

const defaultConfig = "services/dvpd/config.yaml"

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// newTable returns a borderless table that keeps long hashes on one line.
func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runOpID(args []string, stdout io.Writer) error {
	fs := newFlagSet("opid")
	at := fs.String("at", "", "RFC3339 timestamp to derive the id from (default now)")
	parse := fs.Uint64("parse", 0, "operation id to decode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *parse != 0 {
		t, err := settlement.ParseOperationID(*parse)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, t.Format(time.RFC3339Nano))
		return nil
	}
	t := time.Now()
	if *at != "" {
		parsed, err := time.Parse(time.RFC3339Nano, *at)
		if err != nil {
			return fmt.Errorf("parse --at: %w", err)
		}
		t = parsed
	}
	fmt.Fprintln(stdout, settlement.NewOperationID(t))
	return nil
}

func runCommitment(args []string, stdout io.Writer) error {
	fs := newFlagSet("commitment")
	hasherName := fs.String("hasher", bundle.HasherPoseidon, "commitment hasher (poseidon or keccak256)")
	width := fs.Int("width", bundle.DefaultWidth, "hash tree width")
	generate := fs.Int("new", 0, "generate this many fresh leg secrets instead of reading arguments")
	if err := fs.Parse(args); err != nil {
		return err
	}
	hasher, err := bundle.HasherByName(*hasherName)
	if err != nil {
		return err
	}
	var chunks []bundle.Chunk
	if *generate > 0 {
		for i := 0; i < *generate; i++ {
			chunk, err := bundle.NewChunk()
			if err != nil {
				return err
			}
			chunks = append(chunks, chunk)
		}
	} else {
		for _, raw := range fs.Args() {
			chunk, err := bundle.ParseChunk(raw)
			if err != nil {
				return err
			}
			chunks = append(chunks, chunk)
		}
	}
	if len(chunks) == 0 {
		return errors.New("pass leg secrets as arguments or use --new")
	}
	commitment, err := bundle.Build(hasher, chunks, *width)
	if err != nil {
		return err
	}
	if *generate > 0 {
		for i, chunk := range chunks {
			fmt.Fprintf(stdout, "leg %d secret %s\n", i, chunk.Hex())
		}
	}
	fmt.Fprintln(stdout, commitment.Hex())
	return nil
}

func runStatus(args []string, stdout io.Writer) error {
	fs := newFlagSet("status")
	cfgPath := fs.String("config", defaultConfig, "dvpd configuration")
	raw := fs.String("commitment", "", "bundle commitment")
	only := fs.String("ledger", "", "query a single ledger")
	timeout := fs.Duration("timeout", 15*time.Second, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	decoded, err := hexutil.Decode(*raw)
	if err != nil || len(decoded) != common.HashLength {
		return errors.New("--commitment must be a 0x-prefixed 32-byte hex hash")
	}
	commitment := common.BytesToHash(decoded)
	cfg, err := dvpd.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	names := make([]string, 0, len(cfg.Ledgers))
	for name := range cfg.Ledgers {
		if *only == "" || *only == name {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return fmt.Errorf("ledger %q not configured", *only)
	}
	sort.Strings(names)
	table := newTable(stdout, "ledger", "status")
	for _, name := range names {
		lc := cfg.Ledgers[name]
		if lc.Endpoint == "" {
			table.Append([]string{name, "no shared endpoint"})
			continue
		}
		conn, err := dvpd.DialLedger(ctx, name, lc.Endpoint, lc)
		if err != nil {
			return err
		}
		status, err := ledger.NewStatusClient(conn, lc.StatusMethod).BundleStatus(ctx, commitment)
		conn.Close()
		if err != nil {
			table.Append([]string{name, "error: " + err.Error()})
			continue
		}
		table.Append([]string{name, status.String()})
	}
	table.Render()
	return nil
}

func runSettle(args []string, stdout io.Writer) error {
	fs := newFlagSet("settle")
	cfgPath := fs.String("config", defaultConfig, "dvpd configuration")
	reqPath := fs.String("request", "", "trade request JSON file (- for stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *reqPath == "" {
		return errors.New("--request is required")
	}
	var in io.Reader = os.Stdin
	if *reqPath != "-" {
		f, err := os.Open(*reqPath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	var req settlement.TradeRequest
	dec := json.NewDecoder(in)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if req.OperationID == 0 {
		req.OperationID = settlement.NewOperationID(time.Now())
	}

	cfg, err := dvpd.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	logger := logging.SetupWithOptions(logging.Options{Service: "dvpctl", Env: cfg.Environment, Level: cfg.Log.Level, File: cfg.Log.File})
	ctx := context.Background()
	svc, err := dvpd.NewService(ctx, cfg, dvpd.Deps{Logger: logger, Passphrase: passphrase.NewSource().Get})
	if err != nil {
		return err
	}
	defer svc.Close()
	report, runErr := svc.Settle(ctx, req)
	if report != nil {
		if err := printJSON(stdout, report); err != nil {
			return err
		}
	}
	return runErr
}

func runAnchor(args []string, stdout io.Writer) error {
	fs := newFlagSet("anchor")
	ledgerURL := fs.String("ledger", "", "ledger JSON-RPC endpoint holding the transaction")
	l1URL := fs.String("l1", "", "L1 JSON-RPC endpoint holding the root storage")
	storage := fs.String("storage", "", "RootStorage contract address on L1")
	rollup := fs.String("rollup", "", "rollup id the ledger registers roots under")
	tx := fs.String("tx", "", "ledger transaction hash")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for flagName, value := range map[string]string{"storage": *storage, "rollup": *rollup} {
		if !common.IsHexAddress(value) {
			return fmt.Errorf("--%s must be an address", flagName)
		}
	}
	if *ledgerURL == "" || *l1URL == "" || *tx == "" {
		return errors.New("--ledger, --l1 and --tx are required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	lconn, err := ledger.Dial(ctx, *ledgerURL, ledger.Options{Name: "ledger"})
	if err != nil {
		return err
	}
	defer lconn.Close()
	l1conn, err := ledger.Dial(ctx, *l1URL, ledger.Options{Name: "l1"})
	if err != nil {
		return err
	}
	defer l1conn.Close()
	report, err := ledger.NewAnchorClient(lconn, l1conn, common.HexToAddress(*storage), common.HexToAddress(*rollup)).
		Verify(ctx, common.HexToHash(*tx))
	if err != nil {
		return err
	}
	if err := printJSON(stdout, report); err != nil {
		return err
	}
	if !report.Anchored() {
		return errors.New("transaction is not fully anchored")
	}
	return nil
}

func openJournal(fs *flag.FlagSet, args []string) (*journal.Store, error) {
	dsn := fs.String("dsn", os.Getenv("DVP_JOURNAL_DSN"), "journal DSN (sqlite path or postgres URL)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *dsn == "" {
		return nil, errors.New("--dsn or DVP_JOURNAL_DSN is required")
	}
	return journal.Open(*dsn)
}

func runRuns(args []string, stdout io.Writer) error {
	fs := newFlagSet("runs")
	attention := fs.Bool("attention", false, "only runs needing operator attention")
	scenario := fs.String("scenario", "", "filter by scenario")
	limit := fs.Int("limit", 20, "maximum runs")
	store, err := openJournal(fs, args)
	if err != nil {
		return err
	}
	defer store.Close()
	runs, err := store.List(context.Background(), journal.Filter{AttentionOnly: *attention, Scenario: *scenario, Limit: *limit})
	if err != nil {
		return err
	}
	table := newTable(stdout, "run", "scenario", "outcome", "started", "attention")
	for _, r := range runs {
		table.Append([]string{r.ID, r.Scenario, r.Outcome,
			r.StartedAt.UTC().Format(time.RFC3339), strings.Join(r.AttentionReasons(), ",")})
	}
	table.Render()
	return nil
}

func runShow(args []string, stdout io.Writer) error {
	fs := newFlagSet("show")
	id := fs.String("id", "", "run id")
	store, err := openJournal(fs, args)
	if err != nil {
		return err
	}
	defer store.Close()
	if *id == "" {
		return errors.New("--id is required")
	}
	_, report, err := store.Get(context.Background(), *id)
	if err != nil {
		return err
	}
	return printJSON(stdout, report)
}

func runExport(args []string, stdout io.Writer) error {
	fs := newFlagSet("export")
	out := fs.String("out", "legs.parquet", "output parquet file")
	sinceRaw := fs.String("since", "", "only runs started at or after this RFC3339 time, or a duration such as 24h")
	store, err := openJournal(fs, args)
	if err != nil {
		return err
	}
	defer store.Close()
	since, err := parseSince(*sinceRaw, time.Now())
	if err != nil {
		return err
	}
	n, err := store.ExportParquet(context.Background(), *out, since)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported %d legs to %s\n", n, *out)
	return nil
}

func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since must be RFC3339 or a duration: %w", err)
	}
	return t, nil
}
