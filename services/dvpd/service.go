package dvpd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dvpsettle/core/events"
	"dvpsettle/native/bundle"
	"dvpsettle/observability/logging"
	"dvpsettle/services/dvpd/journal"
	"dvpsettle/services/dvpd/ledger"
	"dvpsettle/services/dvpd/settlement"
)

// Deps are the process-level collaborators of a Service.
type Deps struct {
	Logger     *slog.Logger
	Passphrase ledger.PassphraseFunc
	Emitter    events.Emitter
}

// Service owns the ledger connections, the settlement network and the
// orchestrator built from one Config.
type Service struct {
	cfg     Config
	logger  *slog.Logger
	network *settlement.Network
	market  settlement.Market
	builder *settlement.Builder
	orch    *settlement.Orchestrator
	journal *journal.Store
	conns   []*ledger.Conn

	wg sync.WaitGroup
}

type ledgerSetup struct {
	name      string
	cfg       LedgerConfig
	conn      *ledger.Conn
	contracts map[string]common.Address
	discovery *ledger.Discovery
}

// NewService dials every configured ledger, resolves contract addresses,
// loads signing identities and opens the journal.
func NewService(ctx context.Context, cfg Config, deps Deps) (*Service, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			svc.Close()
		}
	}()

	setups := make(map[string]*ledgerSetup, len(cfg.Ledgers))
	for name, lc := range cfg.Ledgers {
		setup := &ledgerSetup{name: name, cfg: lc, contracts: map[string]common.Address{}}
		if strings.TrimSpace(lc.Endpoint) != "" {
			conn, err := svc.dial(ctx, name, lc.Endpoint, lc)
			if err != nil {
				return nil, err
			}
			setup.conn = conn
		}
		setups[name] = setup
	}
	// Participant endpoints are dialed up front so a ledger without a
	// shared endpoint can read through one of them.
	partConns := make(map[string]*ledger.Conn, len(cfg.Participants))
	for _, pc := range cfg.Participants {
		ep := strings.TrimSpace(pc.Endpoint)
		if ep == "" {
			continue
		}
		setup := setups[pc.Ledger]
		conn, err := svc.dial(ctx, pc.Ledger+"/"+pc.Name, ep, setup.cfg)
		if err != nil {
			return nil, err
		}
		partConns[pc.Name] = conn
		if setup.conn == nil {
			setup.conn = conn
		}
	}

	ledgers := make([]settlement.Ledger, 0, len(setups))
	for name, setup := range setups {
		if setup.conn == nil {
			return nil, fmt.Errorf("dvpd: ledger %s has no reachable endpoint", name)
		}
		if registry := address(setup.cfg.AddressDiscovery); registry != (common.Address{}) {
			setup.discovery = ledger.NewDiscovery(setup.conn, registry)
		}
		ledgers = append(ledgers, settlement.Ledger{
			Name:     name,
			Status:   ledger.NewStatusClient(setup.conn, setup.cfg.StatusMethod),
			Balances: ledger.NewTokenClient(setup.conn),
		})
	}
	if err := resolveContracts(ctx, setups, cfg.Market); err != nil {
		return nil, err
	}

	participants, err := svc.participants(setups, partConns, deps.Passphrase)
	if err != nil {
		return nil, err
	}
	network, err := settlement.NewNetwork(ledgers, participants)
	if err != nil {
		return nil, err
	}
	market, err := buildMarket(ctx, cfg.Market, setups)
	if err != nil {
		return nil, err
	}

	var store *journal.Store
	if dsn := strings.TrimSpace(cfg.Journal.DSN); dsn != "" {
		if store, err = journal.Open(dsn, journal.WithLogger(logger)); err != nil {
			return nil, err
		}
	}
	if err := svc.assemble(network, market, store, deps.Emitter); err != nil {
		return nil, err
	}
	ok = true
	return svc, nil
}

// NewServiceWith assembles a service over an existing network, such as an
// in-process simulation. store may be nil.
func NewServiceWith(cfg Config, network *settlement.Network, market settlement.Market, store *journal.Store, deps Deps, opts ...settlement.Option) (*Service, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	applyDefaults(&cfg)
	svc := &Service{cfg: cfg, logger: logger}
	if err := svc.assemble(network, market, store, deps.Emitter, opts...); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *Service) assemble(network *settlement.Network, market settlement.Market, store *journal.Store, emitter events.Emitter, extra ...settlement.Option) error {
	sc := s.cfg.Settlement
	hasher, err := bundle.HasherByName(sc.Commitment)
	if err != nil {
		return err
	}
	verify := true
	if sc.VerifyBalances != nil {
		verify = *sc.VerifyBalances
	}
	opts := []settlement.Option{
		settlement.WithLogger(s.logger),
		settlement.WithCommitment(hasher, sc.Width),
		settlement.WithLegTTL(sc.LegTTL.Duration),
		settlement.WithDeadlineGrace(sc.DeadlineGrace.Duration),
		settlement.WithExecuteMode(settlement.ExecuteMode(sc.Execute)),
		settlement.WithBalanceVerification(verify),
		settlement.WithRetryPolicy(sc.Retry.Policy()),
		settlement.WithStatusPollInterval(sc.PollInterval.Duration),
	}
	if emitter != nil {
		opts = append(opts, settlement.WithEmitter(emitter))
	}
	if store != nil {
		opts = append(opts, settlement.WithJournal(store))
	}
	opts = append(opts, extra...)

	s.network = network
	s.market = market
	s.journal = store
	s.orch = settlement.NewOrchestrator(network, opts...)
	if market.CentralLedger != "" && market.SelicLedger != "" {
		if s.builder, err = settlement.NewBuilder(network, market, time.Now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) dial(ctx context.Context, label, endpoint string, lc LedgerConfig) (*ledger.Conn, error) {
	conn, err := DialLedger(ctx, label, endpoint, lc)
	if err != nil {
		return nil, err
	}
	s.conns = append(s.conns, conn)
	s.logger.Info("ledger connected", slog.String("ledger", label), slog.String("endpoint", endpoint),
		logging.MaskField("auth_token", os.Getenv(strings.TrimSpace(lc.AuthTokenEnv))))
	return conn, nil
}

// DialLedger connects to endpoint with lc's transport settings. The bearer
// token, when configured, is read from the environment.
func DialLedger(ctx context.Context, label, endpoint string, lc LedgerConfig) (*ledger.Conn, error) {
	opts := ledger.Options{
		Name:           label,
		RateLimit:      lc.RateLimit,
		Burst:          lc.Burst,
		GasLimit:       lc.GasLimit,
		CallTimeout:    lc.CallTimeout.Duration,
		ReceiptTimeout: lc.ReceiptTimeout.Duration,
	}
	if lc.ChainID != 0 {
		opts.ChainID = new(big.Int).SetUint64(lc.ChainID)
	}
	if env := strings.TrimSpace(lc.AuthTokenEnv); env != "" {
		opts.AuthToken = os.Getenv(env)
		if opts.AuthToken == "" {
			return nil, fmt.Errorf("dvpd: ledger %s auth_token_env %s is empty", label, env)
		}
	}
	return ledger.Dial(ctx, endpoint, opts)
}

func (s *Service) participants(setups map[string]*ledgerSetup, conns map[string]*ledger.Conn, passphrase ledger.PassphraseFunc) ([]settlement.Participant, error) {
	out := make([]settlement.Participant, 0, len(s.cfg.Participants))
	for _, pc := range s.cfg.Participants {
		setup := setups[pc.Ledger]
		conn := setup.conn
		if own, ok := conns[pc.Name]; ok {
			conn = own
		}
		signer, err := ledger.LoadSigner(pc.Signing, passphrase)
		if err != nil {
			return nil, fmt.Errorf("dvpd: participant %s: %w", pc.Name, err)
		}
		if want := address(pc.Address); want != (common.Address{}) && want != signer.Address() {
			return nil, fmt.Errorf("dvpd: participant %s key controls %s, configured address is %s",
				pc.Name, signer.Address().Hex(), want.Hex())
		}
		escrowAddr := address(pc.Escrow)
		if escrowAddr == (common.Address{}) {
			escrowAddr = address(setup.cfg.Escrow)
		}
		escrow, err := ledger.NewEscrowClient(conn, escrowAddr, signer)
		if err != nil {
			return nil, err
		}
		p := settlement.Participant{
			Name:    pc.Name,
			Party:   pc.Party,
			Ledger:  pc.Ledger,
			Address: signer.Address(),
			Escrow:  escrow,
		}
		op1052, op1002 := setup.contracts[ledger.KeyTPFtOperation1052], setup.contracts[ledger.KeyTPFtOperation1002]
		if op1052 != (common.Address{}) || op1002 != (common.Address{}) {
			if p.Orders, err = ledger.NewOrderBookClient(conn, signer, op1052, op1002); err != nil {
				return nil, err
			}
		}
		s.logger.Info("participant loaded", slog.String("participant", pc.Name), slog.String("ledger", pc.Ledger),
			slog.String("address", signer.Address().Hex()))
		out = append(out, p)
	}
	return out, nil
}

// resolveContracts fills each ledger's contract table from configuration,
// falling back to address discovery for the keys the market needs there.
func resolveContracts(ctx context.Context, setups map[string]*ledgerSetup, market MarketConfig) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, setup := range setups {
		setup := setup
		pinned := map[string]string{
			ledger.KeyRealDigital:       setup.cfg.Contracts.RealDigital,
			ledger.KeyTPFt:              setup.cfg.Contracts.TPFt,
			ledger.KeyTPFtOperation1052: setup.cfg.Contracts.Operation1052,
			ledger.KeyTPFtOperation1002: setup.cfg.Contracts.Operation1002,
		}
		var wanted []string
		switch setup.name {
		case market.CentralLedger:
			wanted = append(wanted, ledger.KeyRealDigital)
		case market.SelicLedger:
			wanted = append(wanted, ledger.KeyTPFt, ledger.KeyTPFtOperation1052, ledger.KeyTPFtOperation1002)
		}
		g.Go(func() error {
			resolved := make(map[string]common.Address)
			for key, raw := range pinned {
				if addr := address(raw); addr != (common.Address{}) {
					resolved[key] = addr
				}
			}
			for _, key := range wanted {
				if _, ok := resolved[key]; ok || setup.discovery == nil {
					continue
				}
				addr, err := setup.discovery.Resolve(gctx, key)
				if err != nil {
					// Ledgers may run only one of the operation contracts.
					if key == ledger.KeyTPFtOperation1002 || key == ledger.KeyTPFtOperation1052 {
						continue
					}
					return err
				}
				resolved[key] = addr
			}
			mu.Lock()
			setup.contracts = resolved
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func buildMarket(ctx context.Context, mc MarketConfig, setups map[string]*ledgerSetup) (settlement.Market, error) {
	market := settlement.Market{
		CentralLedger: mc.CentralLedger,
		SelicLedger:   mc.SelicLedger,
		Treasury:      mc.Treasury,
		TreasuryCNPJ8: mc.TreasuryCNPJ8,
		Banks:         make(map[string]settlement.Bank, len(mc.Banks)),
	}
	if central, ok := setups[mc.CentralLedger]; ok {
		market.RealDigital = central.contracts[ledger.KeyRealDigital]
	}
	if selic, ok := setups[mc.SelicLedger]; ok {
		market.TPFt = selic.contracts[ledger.KeyTPFt]
		if market.TPFt != (common.Address{}) && selic.conn != nil {
			market.Instruments = ledger.NewInstruments(selic.conn, market.TPFt)
		}
	}
	for name, bc := range mc.Banks {
		rt := address(bc.RealTokenizado)
		if rt == (common.Address{}) {
			setup := setups[bc.Ledger]
			if setup == nil || setup.discovery == nil {
				return market, fmt.Errorf("dvpd: bank %s has no real_tokenizado and ledger %s no discovery registry", name, bc.Ledger)
			}
			addr, err := setup.discovery.Resolve(ctx, ledger.RealTokenizadoKey(bc.CNPJ8))
			if err != nil {
				return market, err
			}
			rt = addr
		}
		market.Banks[name] = settlement.Bank{Ledger: bc.Ledger, RealTokenizado: rt, CNPJ8: bc.CNPJ8}
	}
	return market, nil
}

// Network returns the settlement network.
func (s *Service) Network() *settlement.Network { return s.network }

// Journal returns the run journal, nil when disabled.
func (s *Service) Journal() *journal.Store { return s.journal }

// ErrNoBuilder is returned when the market topology is not configured.
var ErrNoBuilder = errors.New("dvpd: market topology not configured")

// Build turns a trade request into an instruction.
func (s *Service) Build(ctx context.Context, req settlement.TradeRequest) (settlement.Instruction, error) {
	if s.builder == nil {
		return settlement.Instruction{}, ErrNoBuilder
	}
	return s.builder.Build(ctx, req)
}

// Settle builds and runs req synchronously.
func (s *Service) Settle(ctx context.Context, req settlement.TradeRequest) (*settlement.Report, error) {
	inst, err := s.Build(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.orch.Run(ctx, inst)
}

// Run executes a prepared instruction.
func (s *Service) Run(ctx context.Context, inst settlement.Instruction) (*settlement.Report, error) {
	return s.orch.Run(ctx, inst)
}

// Submit validates req and runs it in the background on ctx. The returned
// channel yields the report once the run finishes.
func (s *Service) Submit(ctx context.Context, req settlement.TradeRequest) (settlement.Instruction, <-chan *settlement.Report, error) {
	inst, err := s.Build(ctx, req)
	if err != nil {
		return inst, nil, err
	}
	if inst.RunID == "" {
		inst.RunID = uuid.NewString()
	}
	done := make(chan *settlement.Report, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		report, err := s.orch.Run(ctx, inst)
		if err != nil {
			s.logger.Warn("settlement run failed", slog.String("scenario", inst.Scenario), slog.Any("error", err))
		}
		done <- report
	}()
	return inst, done, nil
}

// Wait blocks until background runs finish.
func (s *Service) Wait() { s.wg.Wait() }

// Close releases connections and the journal.
func (s *Service) Close() {
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Warn("journal close failed", slog.Any("error", err))
		}
		s.journal = nil
	}
}
