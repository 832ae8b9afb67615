package escrow

import (
	"bytes"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dvpsettle/core/events"
	"dvpsettle/native/bundle"
	nativecommon "dvpsettle/native/common"
	"dvpsettle/storage"
)

const testNow int64 = 1_700_000_000

func newTestAddress(fill byte) common.Address {
	var addr common.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type fixture struct {
	engine *Engine
	tokens *Tokens
	events *events.Recorder
	clock  *int64
	vault  common.Address
	cash   common.Address
	bond   common.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	tokens := NewTokens(db)
	vault := newTestAddress(0xEE)
	engine := NewEngine(db, tokens, vault)
	now := testNow
	engine.SetNowFunc(func() int64 { return now })
	rec := &events.Recorder{}
	engine.SetEmitter(rec)

	f := &fixture{
		engine: engine,
		tokens: tokens,
		events: rec,
		clock:  &now,
		vault:  vault,
		cash:   newTestAddress(0xC0),
		bond:   newTestAddress(0xB0),
	}
	if err := tokens.Register(f.cash, AssetFungible); err != nil {
		t.Fatalf("register cash: %v", err)
	}
	if err := tokens.Register(f.bond, AssetMultiClass); err != nil {
		t.Fatalf("register bond: %v", err)
	}
	return f
}

func (f *fixture) fund(t *testing.T, holder common.Address, amount int64) {
	t.Helper()
	if err := f.tokens.Mint(f.cash, nil, holder, big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.tokens.Approve(f.cash, holder, f.vault, big.NewInt(amount)); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, asset common.Address, class int64, holder common.Address) int64 {
	t.Helper()
	bal, err := f.tokens.BalanceOf(asset, big.NewInt(class), holder)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func testLeg(kind bundle.Kind, asset, recipient common.Address, amount int64, index uint32, commitment common.Hash) bundle.Leg {
	var chunk bundle.Chunk
	chunk[31] = byte(index + 1)
	chunk[0] = 0x01
	return bundle.Leg{
		Kind:       kind,
		Asset:      asset,
		Recipient:  recipient,
		AssetClass: big.NewInt(0),
		Amount:     big.NewInt(amount),
		Index:      index,
		Chunk:      chunk,
		Commitment: commitment,
		ExpireAt:   time.Unix(testNow+3600, 0),
	}
}

func TestScheduleTransferHoldsValueAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	buyer, seller := newTestAddress(0x01), newTestAddress(0x02)
	f.fund(t, buyer, 150)
	commitment := common.HexToHash("0xabc1")
	leg := testLeg(bundle.KindTransfer, f.cash, seller, 100, 0, commitment)

	stored, created, err := f.engine.ScheduleTransfer(buyer, leg)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !created || stored.State != LegHeld {
		t.Fatalf("expected a new held leg, got created=%v state=%s", created, stored.State)
	}
	if got := f.balance(t, f.cash, 0, f.vault); got != 100 {
		t.Fatalf("vault should hold 100, got %d", got)
	}

	again, created, err := f.engine.ScheduleTransfer(buyer, leg)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if created {
		t.Fatalf("identical resubmission must not create a leg")
	}
	if again.ScheduledAt != stored.ScheduledAt {
		t.Fatalf("resubmission returned a different leg")
	}
	if got := f.balance(t, f.cash, 0, buyer); got != 50 {
		t.Fatalf("buyer escrowed twice, balance %d", got)
	}

	conflicting := leg.Clone()
	conflicting.Amount = big.NewInt(120)
	if _, _, err := f.engine.ScheduleTransfer(buyer, conflicting); !errors.Is(err, ErrLegConflict) {
		t.Fatalf("expected ErrLegConflict, got %v", err)
	}
	status, err := f.engine.Status(commitment)
	if err != nil || status != bundle.StatusSubmitted {
		t.Fatalf("expected submitted, got %s %v", status, err)
	}
}

func TestScheduleRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	buyer, seller := newTestAddress(0x01), newTestAddress(0x02)
	f.fund(t, buyer, 10)
	commitment := common.HexToHash("0xabc2")

	leg := testLeg(bundle.KindTransfer, f.cash, seller, 100, 0, commitment)
	if _, _, err := f.engine.ScheduleTransfer(buyer, leg); !errors.Is(err, ErrInsufficientAllow) {
		t.Fatalf("expected ErrInsufficientAllow, got %v", err)
	}
	if _, _, err := f.engine.ScheduleMint(buyer, leg); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
	expired := testLeg(bundle.KindTransfer, f.cash, seller, 5, 0, commitment)
	expired.ExpireAt = time.Unix(testNow, 0)
	if _, _, err := f.engine.ScheduleTransfer(buyer, expired); !errors.Is(err, ErrLegExpired) {
		t.Fatalf("expected ErrLegExpired, got %v", err)
	}
	unknown := testLeg(bundle.KindTransfer, newTestAddress(0x99), seller, 5, 0, commitment)
	if _, _, err := f.engine.ScheduleTransfer(buyer, unknown); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
	wrongAsset := testLeg(bundle.KindTransfer1155, f.cash, seller, 5, 0, commitment)
	if _, _, err := f.engine.ScheduleTransfer1155(buyer, wrongAsset); !errors.Is(err, ErrAssetKind) {
		t.Fatalf("expected ErrAssetKind, got %v", err)
	}
	noChunk := testLeg(bundle.KindTransfer, f.cash, seller, 5, 0, commitment)
	noChunk.Chunk = bundle.Chunk{}
	if _, _, err := f.engine.ScheduleTransfer(buyer, noChunk); !errors.Is(err, ErrInvalidLeg) {
		t.Fatalf("expected ErrInvalidLeg, got %v", err)
	}
	if got := f.balance(t, f.cash, 0, buyer); got != 10 {
		t.Fatalf("rejected legs must not move value, balance %d", got)
	}
}

func TestExecuteSettlesBurnTransferMint(t *testing.T) {
	f := newFixture(t)
	clientBank, sellerBank := newTestAddress(0x01), newTestAddress(0x02)
	seller := newTestAddress(0x03)
	f.fund(t, clientBank, 100)
	f.fund(t, sellerBank, 0)
	if err := f.tokens.GrantMinter(f.cash, sellerBank); err != nil {
		t.Fatalf("grant minter: %v", err)
	}
	supplyBefore, _ := f.tokens.TotalSupply(f.cash, nil)
	commitment := common.HexToHash("0xabc3")

	burn := testLeg(bundle.KindBurn, f.cash, common.Address{}, 100, 0, commitment)
	if _, _, err := f.engine.ScheduleBurn(clientBank, burn); err != nil {
		t.Fatalf("burn: %v", err)
	}
	mint := testLeg(bundle.KindMint, f.cash, seller, 100, 1, commitment)
	if _, _, err := f.engine.ScheduleMint(sellerBank, mint); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.engine.BeginExecution(commitment); err != nil {
		t.Fatalf("begin execution: %v", err)
	}
	if err := f.engine.Execute(commitment); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := f.engine.Execute(commitment); err != nil {
		t.Fatalf("second execute should be a no-op: %v", err)
	}

	if got := f.balance(t, f.cash, 0, seller); got != 100 {
		t.Fatalf("seller should receive minted 100, got %d", got)
	}
	if got := f.balance(t, f.cash, 0, f.vault); got != 0 {
		t.Fatalf("vault must be empty after burn, got %d", got)
	}
	supplyAfter, _ := f.tokens.TotalSupply(f.cash, nil)
	if supplyAfter.Cmp(supplyBefore) != 0 {
		t.Fatalf("burn+mint must conserve supply: %s -> %s", supplyBefore, supplyAfter)
	}
	rec, err := f.engine.Transactions(commitment)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if rec.Status != bundle.StatusExecuted || len(rec.Legs) != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
	for _, leg := range rec.Legs {
		if leg.State != LegReleased {
			t.Fatalf("leg %d not released", leg.Index)
		}
	}
	if err := f.engine.Cancel(commitment); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("executed bundle must not cancel, got %v", err)
	}
}

func TestMultiClassTransferNeedsOperatorApproval(t *testing.T) {
	f := newFixture(t)
	seller, buyer := newTestAddress(0x02), newTestAddress(0x01)
	class := big.NewInt(7)
	if err := f.tokens.Mint(f.bond, class, seller, big.NewInt(100)); err != nil {
		t.Fatalf("mint bond: %v", err)
	}
	commitment := common.HexToHash("0xabc4")
	leg := testLeg(bundle.KindTransfer1155, f.bond, buyer, 100, 1, commitment)
	leg.AssetClass = class
	if _, _, err := f.engine.ScheduleTransfer1155(seller, leg); !errors.Is(err, ErrNotOperator) {
		t.Fatalf("expected ErrNotOperator, got %v", err)
	}
	if err := f.tokens.SetApprovalForAll(f.bond, seller, f.vault, true); err != nil {
		t.Fatalf("approve operator: %v", err)
	}
	if _, _, err := f.engine.ScheduleTransfer1155(seller, leg); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := f.engine.Execute(commitment); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := f.balance(t, f.bond, 7, buyer); got != 100 {
		t.Fatalf("buyer should hold 100 of class 7, got %d", got)
	}
}

func TestCancelRefundsHeldLegs(t *testing.T) {
	f := newFixture(t)
	buyer, seller := newTestAddress(0x01), newTestAddress(0x02)
	f.fund(t, buyer, 100)
	commitment := common.HexToHash("0xabc5")
	if _, _, err := f.engine.ScheduleTransfer(buyer, testLeg(bundle.KindTransfer, f.cash, seller, 100, 0, commitment)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := f.engine.BeginCancel(commitment); err != nil {
		t.Fatalf("begin cancel: %v", err)
	}
	if err := f.engine.BeginExecution(commitment); !errors.Is(err, ErrNotExecutable) {
		t.Fatalf("cancel-monitored bundle must not move to execution, got %v", err)
	}
	if err := f.engine.Cancel(commitment); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.balance(t, f.cash, 0, buyer); got != 100 {
		t.Fatalf("buyer should be refunded, got %d", got)
	}
	if err := f.engine.Execute(commitment); !errors.Is(err, ErrNotExecutable) {
		t.Fatalf("failed bundle must not execute, got %v", err)
	}
	late := testLeg(bundle.KindTransfer, f.cash, seller, 1, 1, commitment)
	if _, _, err := f.engine.ScheduleTransfer(buyer, late); !errors.Is(err, ErrBundleClosed) {
		t.Fatalf("expected ErrBundleClosed, got %v", err)
	}
}

func TestExecuteReleasesAllLegsOrNone(t *testing.T) {
	f := newFixture(t)
	buyer, sellerA, sellerB := newTestAddress(0x01), newTestAddress(0x02), newTestAddress(0x03)
	outsider := newTestAddress(0x0F)
	f.fund(t, buyer, 150)
	commitment := common.HexToHash("0xabc7")
	if _, _, err := f.engine.ScheduleTransfer(buyer, testLeg(bundle.KindTransfer, f.cash, sellerA, 50, 0, commitment)); err != nil {
		t.Fatalf("schedule leg 0: %v", err)
	}
	if _, _, err := f.engine.ScheduleTransfer(buyer, testLeg(bundle.KindTransfer, f.cash, sellerB, 100, 1, commitment)); err != nil {
		t.Fatalf("schedule leg 1: %v", err)
	}
	// Leaves the vault able to cover leg 0 but not leg 1.
	drain := []movement{{asset: f.cash, from: f.vault, to: outsider, amount: big.NewInt(60)}}
	if err := f.tokens.settle(drain); err != nil {
		t.Fatalf("drain vault: %v", err)
	}

	if err := f.engine.Execute(commitment); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := f.balance(t, f.cash, 0, sellerA); got != 0 {
		t.Fatalf("no leg may release when one cannot, seller A got %d", got)
	}
	if got := f.balance(t, f.cash, 0, f.vault); got != 90 {
		t.Fatalf("vault should be untouched at 90, got %d", got)
	}
	rec, err := f.engine.Transactions(commitment)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if rec.Status != bundle.StatusSubmitted {
		t.Fatalf("bundle should stay submitted, got %s", rec.Status)
	}
	for _, leg := range rec.Legs {
		if leg.State != LegHeld {
			t.Fatalf("leg %d should still be held, got %s", leg.Index, leg.State)
		}
	}

	if err := f.tokens.Mint(f.cash, nil, f.vault, big.NewInt(60)); err != nil {
		t.Fatalf("restore vault: %v", err)
	}
	if err := f.engine.Cancel(commitment); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.balance(t, f.cash, 0, buyer); got != 150 {
		t.Fatalf("buyer should be refunded in full, got %d", got)
	}
	if got := f.balance(t, f.cash, 0, f.vault); got != 0 {
		t.Fatalf("vault should be empty after refund, got %d", got)
	}
}

func TestExpiryRefundsAndReportsExpired(t *testing.T) {
	f := newFixture(t)
	buyer, seller := newTestAddress(0x01), newTestAddress(0x02)
	f.fund(t, buyer, 100)
	commitment := common.HexToHash("0xabc6")
	if _, _, err := f.engine.ScheduleTransfer(buyer, testLeg(bundle.KindTransfer, f.cash, seller, 100, 0, commitment)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	*f.clock = testNow + 3600

	status, err := f.engine.Status(commitment)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != bundle.StatusExpired {
		t.Fatalf("expected expired, got %s", status)
	}
	if got := f.balance(t, f.cash, 0, buyer); got != 100 {
		t.Fatalf("expired leg must be refunded, got %d", got)
	}
	if err := f.engine.Execute(commitment); !errors.Is(err, ErrBundleExpired) {
		t.Fatalf("expected ErrBundleExpired, got %v", err)
	}
	types := f.events.Types()
	if types[len(types)-1] != EventTypeBundleExpired {
		t.Fatalf("expected expiry event last, got %v", types)
	}
}

func TestUnknownBundleReportsCreated(t *testing.T) {
	f := newFixture(t)
	status, err := f.engine.Status(common.HexToHash("0xdead"))
	if err != nil || status != bundle.StatusCreated {
		t.Fatalf("expected created, got %s %v", status, err)
	}
	if err := f.engine.Execute(common.HexToHash("0xdead")); !errors.Is(err, ErrBundleNotFound) {
		t.Fatalf("expected ErrBundleNotFound, got %v", err)
	}
	if err := f.engine.Cancel(common.Hash{}); !errors.Is(err, ErrEmptyCommitment) {
		t.Fatalf("expected ErrEmptyCommitment, got %v", err)
	}
}

func TestPausedEscrowRejectsScheduling(t *testing.T) {
	f := newFixture(t)
	buyer, seller := newTestAddress(0x01), newTestAddress(0x02)
	f.fund(t, buyer, 100)
	pauses := nativecommon.NewPauses()
	pauses.Set(ModuleName, true)
	f.engine.SetPauses(pauses)
	leg := testLeg(bundle.KindTransfer, f.cash, seller, 100, 0, common.HexToHash("0xabc7"))
	if _, _, err := f.engine.ScheduleTransfer(buyer, leg); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}

func TestStoredLegsSurviveLevelDB(t *testing.T) {
	db, err := storage.NewLevelDB(t.TempDir())
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	tokens := NewTokens(db)
	vault := newTestAddress(0xEE)
	cash := newTestAddress(0xC0)
	if err := tokens.Register(cash, AssetFungible); err != nil {
		t.Fatalf("register: %v", err)
	}
	buyer, seller := newTestAddress(0x01), newTestAddress(0x02)
	if err := tokens.Mint(cash, nil, buyer, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := tokens.Approve(cash, buyer, vault, big.NewInt(10)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	engine := NewEngine(db, tokens, vault)
	engine.SetNowFunc(func() int64 { return testNow })
	commitment := common.HexToHash("0xabc8")
	leg := testLeg(bundle.KindTransfer, cash, seller, 10, 0, commitment)
	if _, _, err := engine.ScheduleTransfer(buyer, leg); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	reopened := NewEngine(db, tokens, vault)
	reopened.SetNowFunc(func() int64 { return testNow })
	rec, err := reopened.Transactions(commitment)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(rec.Legs) != 1 || !rec.Legs[0].Leg().SameRequest(leg) {
		t.Fatalf("stored leg differs after reload: %+v", rec.Legs)
	}
}
