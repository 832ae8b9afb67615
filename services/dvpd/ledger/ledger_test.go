package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"dvpsettle/native/bundle"
	"dvpsettle/native/matching"
	"dvpsettle/services/dvpd/settlement"
)

var (
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000e5c00")
	rdAddr     = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	tpftAddr   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	op1052     = common.HexToAddress("0x0000000000000000000000000000000000001052")
	op1002     = common.HexToAddress("0x0000000000000000000000000000000000001002")
)

func testLeg(kind bundle.Kind) bundle.Leg {
	leg := bundle.Leg{
		Participant: "bank-a@central",
		Kind:        kind,
		Asset:       rdAddr,
		Recipient:   common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		Amount:      big.NewInt(12_345),
		Index:       1,
		Commitment:  common.HexToHash("0xc0ffee"),
		ExpireAt:    time.Unix(1_900_000_000, 0),
	}
	leg.Chunk[31] = 7
	if kind == bundle.KindTransfer1155 {
		leg.Asset = tpftAddr
		leg.AssetClass = big.NewInt(3)
	}
	return leg
}

func TestScheduleSendsSignedRequest(t *testing.T) {
	node, conn := newFakeNode(t)
	signer := newTestSigner(t)
	escrow, err := NewEscrowClient(conn, escrowAddr, signer)
	require.NoError(t, err)

	leg := testLeg(bundle.KindTransfer1155)
	handle, err := escrow.ScheduleTransfer1155(context.Background(), leg)
	require.NoError(t, err)

	tx := node.lastTx()
	require.Equal(t, tx.Hash(), handle.Hash)
	require.Equal(t, "central", handle.Ledger)
	require.False(t, handle.Duplicate)
	require.Equal(t, escrowAddr, *tx.To())

	from, method, args := node.decodeTx(tx)
	require.Equal(t, signer.Address(), from)
	require.Equal(t, "scheduleTransfer1155", method.Name)
	req := *abi.ConvertType(args[0], new(ScheduleRequest)).(*ScheduleRequest)
	require.Equal(t, tpftAddr, req.TokenAddress)
	require.Equal(t, leg.Recipient, req.To)
	require.Equal(t, int64(3), req.TokenType.Int64())
	require.Equal(t, int64(12_345), req.Amount.Int64())
	require.Equal(t, int64(1), req.Index.Int64())
	require.Equal(t, [32]byte(leg.Chunk), req.ChunkHash)
	require.Equal(t, [32]byte(leg.Commitment), req.BundleHash)
	require.Equal(t, int64(1_900_000_000), req.ExpireTime.Int64())
}

func TestBurnRequestCarriesZeroRecipient(t *testing.T) {
	leg := testLeg(bundle.KindBurn)
	req := NewScheduleRequest(leg)
	require.Equal(t, common.Address{}, req.To)
	require.Zero(t, req.TokenType.Sign())
}

func TestScheduleRejectsMismatchedKind(t *testing.T) {
	_, conn := newFakeNode(t)
	escrow, err := NewEscrowClient(conn, escrowAddr, newTestSigner(t))
	require.NoError(t, err)
	_, err = escrow.ScheduleMint(context.Background(), testLeg(bundle.KindTransfer))
	require.Error(t, err)
}

func TestRevertIsPrecondition(t *testing.T) {
	node, conn := newFakeNode(t)
	node.with(func(n *fakeNode) { n.revert = "insufficient allowance" })
	escrow, err := NewEscrowClient(conn, escrowAddr, newTestSigner(t))
	require.NoError(t, err)

	_, err = escrow.ScheduleTransfer(context.Background(), testLeg(bundle.KindTransfer))
	require.ErrorIs(t, err, settlement.ErrPrecondition)
	require.False(t, settlement.IsTransient(err))
	require.Contains(t, err.Error(), "insufficient allowance")
}

// storeRequest makes the node's escrow report req for its bundle.
func storeRequest(node *fakeNode, req ScheduleRequest) {
	node.onView("Transactions(bytes32)", func(to common.Address, _ abi.Method, args []interface{}) []interface{} {
		if to != escrowAddr || args[0].([32]byte) != req.BundleHash {
			return []interface{}{common.Address{}, common.Address{}, new(big.Int), new(big.Int), new(big.Int), [32]byte{}, [32]byte{}, new(big.Int)}
		}
		return []interface{}{req.TokenAddress, req.To, req.TokenType, req.Amount, req.Index, req.ChunkHash, req.BundleHash, req.ExpireTime}
	})
}

func TestDuplicateScheduleIsAcknowledged(t *testing.T) {
	node, conn := newFakeNode(t)
	node.with(func(n *fakeNode) { n.revert = "DvpEscrow: index already scheduled" })
	leg := testLeg(bundle.KindTransfer)
	storeRequest(node, NewScheduleRequest(leg))
	escrow, err := NewEscrowClient(conn, escrowAddr, newTestSigner(t))
	require.NoError(t, err)

	handle, err := escrow.ScheduleTransfer(context.Background(), leg)
	require.NoError(t, err)
	require.True(t, handle.Duplicate)
	require.Equal(t, 1, node.calls("Transactions(bytes32)"))
}

func TestDuplicateRefusalWithDifferentLegIsConflict(t *testing.T) {
	node, conn := newFakeNode(t)
	node.with(func(n *fakeNode) { n.revert = "DvpEscrow: index already scheduled" })
	leg := testLeg(bundle.KindTransfer)
	stored := NewScheduleRequest(leg)
	stored.Amount = big.NewInt(99_999)
	storeRequest(node, stored)
	escrow, err := NewEscrowClient(conn, escrowAddr, newTestSigner(t))
	require.NoError(t, err)

	handle, err := escrow.ScheduleTransfer(context.Background(), leg)
	require.ErrorIs(t, err, ErrScheduleConflict)
	require.ErrorIs(t, err, settlement.ErrPrecondition)
	require.Contains(t, err.Error(), "amount")
	require.False(t, handle.Duplicate)
}

func TestScheduleRequestDiff(t *testing.T) {
	req := NewScheduleRequest(testLeg(bundle.KindTransfer1155))
	require.Empty(t, req.Diff(NewScheduleRequest(testLeg(bundle.KindTransfer1155))))

	other := NewScheduleRequest(testLeg(bundle.KindTransfer1155))
	other.TokenType = big.NewInt(4)
	require.Equal(t, "tokenType", req.Diff(other))

	other = NewScheduleRequest(testLeg(bundle.KindTransfer1155))
	other.ExpireTime = big.NewInt(1)
	require.Equal(t, "expireTime", req.Diff(other))
}

func TestFailedReceiptIsPrecondition(t *testing.T) {
	node, conn := newFakeNode(t)
	node.with(func(n *fakeNode) { n.failReceipts = true })
	escrow, err := NewEscrowClient(conn, escrowAddr, newTestSigner(t))
	require.NoError(t, err)

	handle, err := escrow.Execute(context.Background(), common.HexToHash("0xc0ffee"))
	require.ErrorIs(t, err, ErrReverted)
	require.ErrorIs(t, err, settlement.ErrPrecondition)
	require.Contains(t, err.Error(), node.lastTx().Hash().Hex())
	require.Equal(t, settlement.TxHandle{}, handle)
}

func TestMissingReceiptIsTransient(t *testing.T) {
	node, conn := newFakeNode(t)
	node.with(func(n *fakeNode) { n.holdReceipts = true })
	escrow, err := NewEscrowClient(conn, escrowAddr, newTestSigner(t))
	require.NoError(t, err)

	_, err = escrow.Cancel(context.Background(), common.HexToHash("0x01"))
	require.ErrorIs(t, err, ErrReceiptTimeout)
	require.True(t, settlement.IsTransient(err))
}

func TestServerErrorsAreTransient(t *testing.T) {
	node, conn := newFakeNode(t)
	node.with(func(n *fakeNode) { n.httpFailures = 1 })
	status := NewStatusClient(conn, "")

	_, err := status.BundleStatus(context.Background(), common.HexToHash("0x01"))
	require.True(t, settlement.IsTransient(err), "got %v", err)
	var httpErr rpc.HTTPError
	require.True(t, errors.As(err, &httpErr))

	got, err := status.BundleStatus(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	require.Equal(t, bundle.StatusCreated, got)
}

func TestBundleStatusDecoding(t *testing.T) {
	node, conn := newFakeNode(t)
	status := NewStatusClient(conn, "")
	cases := map[string]bundle.Status{
		`2`:     bundle.StatusExecuted,
		`"0x4"`: bundle.StatusExpired,
		`"6"`:   bundle.StatusCancelMonitored,
		`1`:     bundle.StatusSubmitted,
		`"0x0"`: bundle.StatusCreated,
		`5`:     bundle.StatusExecutionMonitored,
		`"0x3"`: bundle.StatusFailed,
	}
	for raw, want := range cases {
		commitment := crypto.Keccak256Hash([]byte(raw))
		node.setStatus(commitment, raw)
		got, err := status.BundleStatus(context.Background(), commitment)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}

	bogus := common.HexToHash("0xbad")
	node.setStatus(bogus, `9`)
	_, err := status.BundleStatus(context.Background(), bogus)
	require.ErrorIs(t, err, bundle.ErrUnknownStatus)
}

func TestBalanceOfPicksOverload(t *testing.T) {
	node, conn := newFakeNode(t)
	holder := common.HexToAddress("0xb1")
	node.onView("balanceOf(address)", func(to common.Address, _ abi.Method, args []interface{}) []interface{} {
		require.Equal(t, rdAddr, to)
		require.Equal(t, holder, args[0].(common.Address))
		return []interface{}{big.NewInt(500)}
	})
	node.onView("balanceOf(address,uint256)", func(to common.Address, _ abi.Method, args []interface{}) []interface{} {
		require.Equal(t, tpftAddr, to)
		return []interface{}{new(big.Int).Mul(args[1].(*big.Int), big.NewInt(10))}
	})
	tokens := NewTokenClient(conn)

	got, err := tokens.BalanceOf(context.Background(), rdAddr, nil, holder)
	require.NoError(t, err)
	require.Equal(t, int64(500), got.Int64())

	got, err = tokens.BalanceOf(context.Background(), tpftAddr, big.NewInt(4), holder)
	require.NoError(t, err)
	require.Equal(t, int64(40), got.Int64())
}

func TestHasRoleHashesRoleName(t *testing.T) {
	node, conn := newFakeNode(t)
	minter := common.HexToAddress("0xa1")
	node.onView("hasRole(bytes32,address)", func(_ common.Address, _ abi.Method, args []interface{}) []interface{} {
		role := args[0].([32]byte)
		return []interface{}{role == crypto.Keccak256Hash([]byte("MINTER_ROLE")) && args[1].(common.Address) == minter}
	})
	tokens := NewTokenClient(conn)

	ok, err := tokens.HasRole(context.Background(), rdAddr, "MINTER_ROLE", minter)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = tokens.HasRole(context.Background(), rdAddr, "BURNER_ROLE", minter)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInstrumentsResolveAndCache(t *testing.T) {
	node, conn := newFakeNode(t)
	node.onView("getTPFtId((string,string,uint256))", func(to common.Address, _ abi.Method, args []interface{}) []interface{} {
		require.Equal(t, tpftAddr, to)
		data := *abi.ConvertType(args[0], new(TPFtData)).(*TPFtData)
		if data.Acronym == "LTN" && data.Code == "100000" && data.MaturityDate.Uint64() == 20290101 {
			return []interface{}{big.NewInt(1)}
		}
		return []interface{}{big.NewInt(0)}
	})
	instruments := NewInstruments(conn, tpftAddr)
	ltn := matching.Instrument{Acronym: "LTN", Code: "100000", Maturity: 20290101}

	for i := 0; i < 3; i++ {
		id, err := instruments.InstrumentID(context.Background(), ltn)
		require.NoError(t, err)
		require.Equal(t, int64(1), id.Int64())
	}
	require.Equal(t, 1, node.calls("getTPFtId((string,string,uint256))"))

	_, err := instruments.InstrumentID(context.Background(), matching.Instrument{Acronym: "NTN-B", Code: "760199", Maturity: 20350515})
	require.ErrorContains(t, err, "not issued")
}

func testOrder(form matching.Form) matching.Order {
	return matching.Order{
		OperationID:   20260302130405678,
		Form:          form,
		Sender:        common.HexToAddress("0x5e"),
		Receiver:      common.HexToAddress("0x7e"),
		SenderToken:   common.HexToAddress("0x5f"),
		ReceiverToken: common.HexToAddress("0x7f"),
		SenderCNPJ8:   11111111,
		ReceiverCNPJ8: 22222222,
		Instrument:    matching.Instrument{Acronym: "LTN", Code: "100000", Maturity: 20290101},
		Quantity:      big.NewInt(10),
		UnitPrice:     big.NewInt(990),
	}
}

func TestOrderBookDispatchesByForm(t *testing.T) {
	node, conn := newFakeNode(t)
	signer := newTestSigner(t)
	book, err := NewOrderBookClient(conn, signer, op1052, op1002)
	require.NoError(t, err)

	cases := []struct {
		form   matching.Form
		to     common.Address
		method string
		inputs int
	}{
		{matching.FormBilateral, op1052, "trade", 7},
		{matching.FormCustodial, op1052, "trade", 9},
		{matching.FormAuction, op1002, "auctionPlacement", 9},
	}
	for _, tc := range cases {
		t.Run(tc.form.String(), func(t *testing.T) {
			order := testOrder(tc.form)
			_, err := book.Submit(context.Background(), matching.PartConfirmer, order)
			require.NoError(t, err)
			tx := node.lastTx()
			require.Equal(t, tc.to, *tx.To())
			_, method, args := node.decodeTx(tx)
			require.Equal(t, tc.method, method.RawName)
			require.Len(t, args, tc.inputs)
			require.Equal(t, uint64(20260302130405678), args[0].(*big.Int).Uint64())
			require.Equal(t, uint8(matching.PartConfirmer), args[tc.inputs-4].(uint8))
			require.Equal(t, int64(990), args[tc.inputs-1].(*big.Int).Int64())
			if tc.form == matching.FormAuction {
				require.Equal(t, uint64(11111111), args[1].(*big.Int).Uint64())
			}
			if tc.form == matching.FormCustodial {
				require.Equal(t, common.HexToAddress("0x5f"), args[2].(common.Address))
			}
		})
	}
}

func TestMatchOrderIsAViewCall(t *testing.T) {
	node, conn := newFakeNode(t)
	signer := newTestSigner(t)
	node.onView("matchOrder(uint256,address,address,uint8,(string,string,uint256),uint256,uint256)",
		func(_ common.Address, _ abi.Method, args []interface{}) []interface{} {
			return []interface{}{args[5].(*big.Int).Int64() == 10 && args[6].(*big.Int).Int64() == 990}
		})
	book, err := NewOrderBookClient(conn, signer, op1052, common.Address{})
	require.NoError(t, err)

	ok, err := book.MatchOrder(context.Background(), matching.PartConfirmer, testOrder(matching.FormBilateral))
	require.NoError(t, err)
	require.True(t, ok)

	other := testOrder(matching.FormBilateral)
	other.UnitPrice = big.NewInt(1000)
	ok, err = book.MatchOrder(context.Background(), matching.PartConfirmer, other)
	require.NoError(t, err)
	require.False(t, ok)

	node.with(func(n *fakeNode) { require.Empty(t, n.sent) })

	_, err = book.MatchOrder(context.Background(), matching.PartConfirmer, testOrder(matching.FormAuction))
	require.ErrorIs(t, err, ErrNoOrderBook)
}

func TestDiscoveryResolvesKeccakKeys(t *testing.T) {
	node, conn := newFakeNode(t)
	registry := common.HexToAddress("0xd15c")
	rt := common.HexToAddress("0x77")
	node.onView("addressDiscovery(bytes32)", func(to common.Address, _ abi.Method, args []interface{}) []interface{} {
		require.Equal(t, registry, to)
		switch common.Hash(args[0].([32]byte)) {
		case crypto.Keccak256Hash([]byte(KeyRealDigital)):
			return []interface{}{rdAddr}
		case crypto.Keccak256Hash([]byte("RealTokenizado@77765432")):
			return []interface{}{rt}
		default:
			return []interface{}{common.Address{}}
		}
	})
	discovery := NewDiscovery(conn, registry)

	got, err := discovery.ResolveAll(context.Background(), KeyRealDigital, RealTokenizadoKey(77765432))
	require.NoError(t, err)
	require.Equal(t, rdAddr, got[KeyRealDigital])
	require.Equal(t, rt, got["RealTokenizado@77765432"])

	_, err = discovery.Resolve(context.Background(), KeyTPFtOperation1002)
	require.ErrorContains(t, err, "not registered")
}

func TestAnchorVerifyChecksEveryRoot(t *testing.T) {
	node, conn := newFakeNode(t)
	storage := common.HexToAddress("0x5702")
	rollup := common.HexToAddress("0x993120ffa250cf1879880d440cff0176752c17c2")
	txHash := common.HexToHash("0x2de8")

	proof := map[string]interface{}{
		"transactionProof": []interface{}{map[string]interface{}{
			"txProof": map[string]string{"root": "1234567890123456789"},
			"accountProofs": map[string]interface{}{
				"senderProof":   map[string]string{"fromRoot": "42"},
				"receiverProof": map[string]string{"toRoot": "43"},
			},
		}},
	}
	raw, err := json.Marshal(proof)
	require.NoError(t, err)
	node.with(func(n *fakeNode) { n.proofs[txHash] = raw })

	known := map[string]bool{"1234567890123456789": true, "42": true}
	answer := func(_ common.Address, _ abi.Method, args []interface{}) []interface{} {
		require.Equal(t, rollup, args[0].(common.Address))
		return []interface{}{known[args[1].(*big.Int).String()]}
	}
	node.onView("queryTxRootExist(address,uint256)", answer)
	node.onView("queryBalanceRootExist(address,uint256)", answer)

	anchor := NewAnchorClient(conn, conn, storage, rollup)
	report, err := anchor.Verify(context.Background(), txHash)
	require.NoError(t, err)
	require.True(t, report.TxRootAnchored)
	require.True(t, report.FromRootAnchored)
	require.False(t, report.ToRootAnchored)
	require.False(t, report.Anchored())

	_, err = anchor.Verify(context.Background(), common.HexToHash("0x99"))
	require.ErrorIs(t, err, ErrNoProof)
}

func TestBundleStateReadsMatchViews(t *testing.T) {
	node, conn := newFakeNode(t)
	match := common.HexToAddress("0xa3ad")
	commitment := common.HexToHash("0x2e83")
	node.onView("bundleExpired(bytes32)", func(common.Address, abi.Method, []interface{}) []interface{} {
		return []interface{}{false}
	})
	node.onView("bundleFilled(bytes32)", func(_ common.Address, _ abi.Method, args []interface{}) []interface{} {
		return []interface{}{common.Hash(args[0].([32]byte)) == commitment}
	})
	anchor := NewAnchorClient(conn, conn, common.Address{}, common.Address{})
	expired, filled, err := anchor.BundleState(context.Background(), match, commitment)
	require.NoError(t, err)
	require.False(t, expired)
	require.True(t, filled)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	_, conn := newFakeNode(t)
	limited := NewConn(conn.rpc, Options{Name: "slow", RateLimit: 0.001, Burst: 1})
	status := NewStatusClient(limited, "")
	_, err := status.BundleStatus(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = status.BundleStatus(ctx, common.HexToHash("0x01"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoadSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	t.Setenv("DVP_TEST_KEY", "0x"+hexKey)
	signer, err := LoadSigner(SigningConfig{KeyEnv: "DVP_TEST_KEY"}, nil)
	require.NoError(t, err)
	require.Equal(t, want, signer.Address())

	dir := t.TempDir()
	keyFile := filepath.Join(dir, "bank.key")
	require.NoError(t, os.WriteFile(keyFile, []byte(hexKey+"\n"), 0o600))
	signer, err = LoadSigner(SigningConfig{KeyFile: keyFile}, nil)
	require.NoError(t, err)
	require.Equal(t, want, signer.Address())

	ks := keystore.NewKeyStore(filepath.Join(dir, "ks"), keystore.LightScryptN, keystore.LightScryptP)
	account, err := ks.ImportECDSA(key, "secret")
	require.NoError(t, err)
	var asked string
	signer, err = LoadSigner(SigningConfig{Keystore: account.URL.Path, PassphraseEnv: "BANK_PASS"},
		func(path, envVar string) (string, error) {
			asked = envVar
			return "secret", nil
		})
	require.NoError(t, err)
	require.Equal(t, want, signer.Address())
	require.Equal(t, "BANK_PASS", asked)

	_, err = LoadSigner(SigningConfig{}, nil)
	require.Error(t, err)
	_, err = LoadSigner(SigningConfig{KeyEnv: "DVP_TEST_KEY", KeyFile: keyFile}, nil)
	require.Error(t, err)
	_, err = LoadSigner(SigningConfig{KeyEnv: "DVP_MISSING_KEY"}, nil)
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	require.Nil(t, classify(nil))
	require.ErrorIs(t, classify(context.Canceled), context.Canceled)
	require.False(t, settlement.IsTransient(classify(context.Canceled)))
	require.True(t, settlement.IsTransient(classify(rpc.HTTPError{StatusCode: 502})))
	require.False(t, settlement.IsTransient(classify(rpc.HTTPError{StatusCode: 401})))
	require.ErrorIs(t, classify(errors.New("execution reverted: paused")), settlement.ErrPrecondition)
	require.True(t, isDuplicate(classify(errors.New("execution reverted: duplicate index"))))
	require.False(t, isDuplicate(classify(errors.New("execution reverted: paused"))))
	require.True(t, settlement.IsTransient(classify(ErrReceiptTimeout)))
}
