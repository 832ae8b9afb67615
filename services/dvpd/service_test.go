package dvpd

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"dvpsettle/services/dvpd/ledger"
)

func signingEnv(env string) ledger.SigningConfig {
	return ledger.SigningConfig{KeyEnv: env}
}

// setKey exports a fresh private key under env and returns its address.
func setKey(t *testing.T, env string) common.Address {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv(env, "0x"+hex.EncodeToString(crypto.FromECDSA(key)))
	return crypto.PubkeyToAddress(key.PublicKey)
}

func offlineConfig(t *testing.T) (Config, map[string]common.Address) {
	t.Helper()
	addrs := map[string]common.Address{
		"bank-a@central": setKey(t, "DVPD_TEST_BANK_A_CENTRAL"),
		"bank-a@selic":   setKey(t, "DVPD_TEST_BANK_A_SELIC"),
		"bank-a@bank-a":  setKey(t, "DVPD_TEST_BANK_A_BANK"),
	}
	cfg := Config{
		Ledgers: map[string]LedgerConfig{
			"central": {
				Endpoint:  "http://127.0.0.1:1",
				Escrow:    "0x00000000000000000000000000000000000000e1",
				Contracts: ContractsConfig{RealDigital: "0x00000000000000000000000000000000000000a1"},
			},
			"selic": {
				Escrow: "0x00000000000000000000000000000000000000e2",
				Contracts: ContractsConfig{
					TPFt:          "0x00000000000000000000000000000000000000b1",
					Operation1052: "0x00000000000000000000000000000000000000c1",
				},
			},
			"bank-a": {
				Endpoint: "http://127.0.0.1:3",
				Escrow:   "0x00000000000000000000000000000000000000e3",
			},
		},
		Participants: []ParticipantConfig{
			{Name: "bank-a@central", Party: "bank-a", Ledger: "central", Signing: signingEnv("DVPD_TEST_BANK_A_CENTRAL")},
			{Name: "bank-a@selic", Party: "bank-a", Ledger: "selic", Endpoint: "http://127.0.0.1:2", Signing: signingEnv("DVPD_TEST_BANK_A_SELIC")},
			{Name: "bank-a@bank-a", Party: "bank-a", Ledger: "bank-a", Signing: signingEnv("DVPD_TEST_BANK_A_BANK")},
		},
		Market: MarketConfig{
			CentralLedger: "central",
			SelicLedger:   "selic",
			Treasury:      "treasury",
			Banks: map[string]BankConfig{
				"bank-a": {Ledger: "bank-a", CNPJ8: 11111111, RealTokenizado: "0x00000000000000000000000000000000000000d1"},
			},
		},
	}
	applyDefaults(&cfg)
	require.NoError(t, validateConfig(cfg))
	return cfg, addrs
}

func TestNewServiceWiresNetworkWithoutDialing(t *testing.T) {
	cfg, addrs := offlineConfig(t)
	svc, err := NewService(context.Background(), cfg, Deps{})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	network := svc.Network()
	require.Equal(t, []string{"bank-a", "central", "selic"}, network.Ledgers())
	for name, want := range addrs {
		p, err := network.Participant(name)
		require.NoError(t, err)
		require.Equal(t, want, p.Address)
	}
	selic, err := network.Participant("bank-a@selic")
	require.NoError(t, err)
	require.NotNil(t, selic.Orders)
	central, err := network.Participant("bank-a@central")
	require.NoError(t, err)
	require.Nil(t, central.Orders)

	require.Equal(t, common.HexToAddress("0xa1"), svc.market.RealDigital)
	require.Equal(t, common.HexToAddress("0xb1"), svc.market.TPFt)
	require.NotNil(t, svc.market.Instruments)
	require.Equal(t, common.HexToAddress("0xd1"), svc.market.Banks["bank-a"].RealTokenizado)
	require.NotNil(t, svc.builder)
	require.Nil(t, svc.Journal())
}

func TestNewServiceRejectsForeignKey(t *testing.T) {
	cfg, _ := offlineConfig(t)
	cfg.Participants[0].Address = "0x00000000000000000000000000000000000000f1"
	_, err := NewService(context.Background(), cfg, Deps{})
	require.ErrorContains(t, err, "configured address")
}

func TestNewServiceRequiresAuthToken(t *testing.T) {
	cfg, _ := offlineConfig(t)
	l := cfg.Ledgers["central"]
	l.AuthTokenEnv = "DVPD_TEST_MISSING_TOKEN"
	cfg.Ledgers["central"] = l
	t.Setenv("DVPD_TEST_MISSING_TOKEN", "")
	_, err := NewService(context.Background(), cfg, Deps{})
	require.ErrorContains(t, err, "auth_token_env")
}

func TestNewServiceOpensJournal(t *testing.T) {
	cfg, _ := offlineConfig(t)
	cfg.Journal.DSN = "file:service-journal?mode=memory&cache=shared"
	svc, err := NewService(context.Background(), cfg, Deps{})
	require.NoError(t, err)
	require.NotNil(t, svc.Journal())
	svc.Close()
	require.Nil(t, svc.Journal())
}
