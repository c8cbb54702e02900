package state

import (
	"math/big"
	"testing"

	"bondvault/native/bond"
	"bondvault/native/treasury"
	"bondvault/storage"
)

func TestTreasuryRecordsRoundTrip(t *testing.T) {
	store := NewStore(storage.NewMemDB())

	if got, err := store.GetTreasuryState(); err != nil || got != nil {
		t.Fatalf("empty store: state=%v err=%v", got, err)
	}
	st := &treasury.TreasuryState{
		TotalReserve:          big.NewInt(900),
		TotalObligations:      big.NewInt(400),
		TotalCapitalProcessed: big.NewInt(1000),
		IdleCapital:           big.NewInt(100),
		TotalCapitalConverted: big.NewInt(900),
		TotalReserveAcquired:  big.NewInt(900),
		LastBackingRatioBps:   18_500,
		EmergencyPaused:       true,
		NextBatchID:           3,
	}
	if err := store.PutTreasuryState(st); err != nil {
		t.Fatalf("put state: %v", err)
	}
	got, err := store.GetTreasuryState()
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if got.TotalReserve.Cmp(st.TotalReserve) != 0 || got.LastBackingRatioBps != 18_500 {
		t.Fatalf("state mismatch: %+v", got)
	}
	if !got.EmergencyPaused || got.NextBatchID != 3 {
		t.Fatalf("flags lost: %+v", got)
	}

	for _, id := range []uint64{2, 0, 1} {
		batch := &treasury.ReserveBatch{
			ID:               id,
			Amount:           big.NewInt(int64(100 * (id + 1))),
			OriginalAmount:   big.NewInt(int64(100 * (id + 1))),
			AcquiredAt:       1_700_000_000 + int64(id),
			MaturesAt:        1_710_000_000 + int64(id),
			AcquisitionPrice: big.NewRat(10, 9),
			Mature:           id == 0,
		}
		if err := store.PutBatch(batch); err != nil {
			t.Fatalf("put batch %d: %v", id, err)
		}
	}
	ids, err := store.BatchIDs()
	if err != nil {
		t.Fatalf("batch ids: %v", err)
	}
	if len(ids) != 3 || ids[0] != 0 || ids[1] != 1 || ids[2] != 2 {
		t.Fatalf("unexpected batch ids %v", ids)
	}
	batch, err := store.GetBatch(1)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if batch.AcquisitionPrice.Cmp(big.NewRat(10, 9)) != 0 {
		t.Fatalf("acquisition price mangled: %s", batch.AcquisitionPrice)
	}
	if batch.Mature {
		t.Fatalf("batch 1 should not be mature")
	}

	if amt, err := store.GetObligationBucket(1_710_000_000); err != nil || amt.Sign() != 0 {
		t.Fatalf("empty bucket: %v %v", amt, err)
	}
	if err := store.PutObligationBucket(1_710_000_000, big.NewInt(250)); err != nil {
		t.Fatalf("put bucket: %v", err)
	}
	amt, err := store.GetObligationBucket(1_710_000_000)
	if err != nil || amt.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("bucket mismatch: %v %v", amt, err)
	}
}

func TestOpenStagedOrdersExcludeClosed(t *testing.T) {
	store := NewStore(storage.NewMemDB())

	open := &treasury.StagedOrder{
		ID:              "order-open",
		RemainingAmount: big.NewInt(500),
		SliceAmount:     big.NewInt(50),
		CadenceSeconds:  86_400,
		CreatedAt:       1_700_000_000,
		LastExecutedAt:  1_700_000_000,
		Deadline:        1_701_000_000,
	}
	closed := open.Clone()
	closed.ID = "order-closed"
	closed.Closed = true
	for _, o := range []*treasury.StagedOrder{open, closed} {
		if err := store.PutStagedOrder(o); err != nil {
			t.Fatalf("put order %s: %v", o.ID, err)
		}
	}

	ids, err := store.OpenStagedOrderIDs()
	if err != nil {
		t.Fatalf("open order ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "order-open" {
		t.Fatalf("unexpected open orders %v", ids)
	}

	got, err := store.GetStagedOrder("order-open")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.RemainingAmount.Cmp(big.NewInt(500)) != 0 || got.CadenceSeconds != 86_400 {
		t.Fatalf("order mismatch: %+v", got)
	}
	if missing, err := store.GetStagedOrder("order-unknown"); err != nil || missing != nil {
		t.Fatalf("missing order: %v %v", missing, err)
	}
}

func TestCohortAndPositionRecords(t *testing.T) {
	store := NewStore(storage.NewMemDB())

	alice := [20]byte{0x0a}
	bob := [20]byte{0x0b}
	cohort := &bond.Cohort{
		ID:                     1_712_448_000,
		MaturityTimestamp:      1_715_040_000,
		TotalObligationOwed:    big.NewInt(2200),
		TotalCapitalRaised:     big.NewInt(2000),
		WeightedAvgDiscount:    big.NewRat(600, 1),
		WeightedAvgVestingDays: big.NewRat(365, 1),
		Contributions: map[[20]byte]*big.Int{
			alice: big.NewInt(1000),
			bob:   big.NewInt(1000),
		},
	}
	if err := store.PutCohort(cohort); err != nil {
		t.Fatalf("put cohort: %v", err)
	}
	got, err := store.GetCohort(cohort.ID)
	if err != nil {
		t.Fatalf("get cohort: %v", err)
	}
	if got.WeightedAvgDiscount.Cmp(big.NewRat(600, 1)) != 0 {
		t.Fatalf("weighted discount mangled: %s", got.WeightedAvgDiscount)
	}
	if len(got.Contributions) != 2 || got.Contributions[alice].Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("contributions mangled: %v", got.Contributions)
	}

	ids, err := store.CohortIDs()
	if err != nil || len(ids) != 1 || ids[0] != cohort.ID {
		t.Fatalf("cohort ids %v err %v", ids, err)
	}

	if bal, err := store.GetPosition(alice, cohort.ID); err != nil || bal.Sign() != 0 {
		t.Fatalf("empty position: %v %v", bal, err)
	}
	if err := store.PutPosition(alice, cohort.ID, big.NewInt(1100)); err != nil {
		t.Fatalf("put position: %v", err)
	}
	if err := store.PutPosition(alice, cohort.ID+2_592_000, big.NewInt(40)); err != nil {
		t.Fatalf("put second position: %v", err)
	}
	bal, err := store.GetPosition(alice, cohort.ID)
	if err != nil || bal.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("position mismatch: %v %v", bal, err)
	}
	cohorts, err := store.PositionCohorts(alice)
	if err != nil {
		t.Fatalf("position cohorts: %v", err)
	}
	if len(cohorts) != 2 || cohorts[0] != cohort.ID {
		t.Fatalf("unexpected position cohorts %v", cohorts)
	}
	if other, err := store.PositionCohorts(bob); err != nil || len(other) != 0 {
		t.Fatalf("holder isolation broken: %v %v", other, err)
	}
}

func TestLedgerCreditsAccumulate(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	holder := [20]byte{0xaa}

	balance, err := store.LedgerBalance(holder)
	if err != nil || balance.Sign() != 0 {
		t.Fatalf("fresh holder balance = %v, %v", balance, err)
	}
	if err := store.CreditBalance(holder, big.NewInt(0)); err == nil {
		t.Fatal("zero credit must be rejected")
	}
	if err := store.CreditBalance(holder, big.NewInt(21)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := store.CreditBalance(holder, big.NewInt(9)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	balance, err = store.LedgerBalance(holder)
	if err != nil {
		t.Fatalf("ledger balance: %v", err)
	}
	if balance.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("balance = %s, want 30", balance)
	}
}
