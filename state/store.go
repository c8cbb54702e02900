package state

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"bondvault/native/bond"
	"bondvault/native/treasury"
	"bondvault/storage"
)

const (
	treasuryStateKey = "treasury/state"
	batchPrefix      = "treasury/batch/"
	obligationPrefix = "treasury/obligation/"
	orderPrefix      = "treasury/order/"
	cohortPrefix     = "bond/cohort/"
	positionPrefix   = "bond/position/"
	ledgerPrefix     = "ledger/balance/"
)

// Store persists the treasury and bond ledgers in a key-value database.
// Records are RLP encoded with big integers and rationals carried as decimal
// strings so round-trips are exact. One Store instance backs both engines.
type Store struct {
	db storage.Database
}

// NewStore wraps the given database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

type storedTreasuryState struct {
	TotalReserve          string
	TotalObligations      string
	TotalCapitalProcessed string
	IdleCapital           string
	TotalCapitalConverted string
	TotalReserveAcquired  string
	LastBackingRatioBps   uint64
	EmergencyPaused       bool
	NextBatchID           uint64
}

type storedBatch struct {
	ID               uint64
	Amount           string
	OriginalAmount   string
	AcquiredAt       uint64
	MaturesAt        uint64
	AcquisitionPrice string
	Mature           bool
}

type storedOrder struct {
	ID              string
	RemainingAmount string
	SliceAmount     string
	CadenceSeconds  uint64
	CreatedAt       uint64
	LastExecutedAt  uint64
	Deadline        uint64
	Closed          bool
}

type storedContribution struct {
	Holder  [20]byte
	Balance string
}

type storedCohort struct {
	ID                     uint64
	MaturityTimestamp      uint64
	TotalObligationOwed    string
	TotalCapitalRaised     string
	WeightedAvgDiscount    string
	WeightedAvgVestingDays string
	Matured                bool
	Contributions          []storedContribution
}

func encodeInt(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeInt(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("state: malformed integer %q", s)
	}
	return v, nil
}

func encodeRat(v *big.Rat) string {
	if v == nil {
		return "0/1"
	}
	return v.RatString()
}

func decodeRat(s string) (*big.Rat, error) {
	if s == "" {
		return new(big.Rat), nil
	}
	v, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("state: malformed rational %q", s)
	}
	return v, nil
}

// GetTreasuryState loads the persistent treasury aggregate. A missing record
// yields nil so the engine can seed its zero state.
func (s *Store) GetTreasuryState() (*treasury.TreasuryState, error) {
	raw, ok, err := s.db.Get([]byte(treasuryStateKey))
	if err != nil || !ok {
		return nil, err
	}
	var rec storedTreasuryState
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("state: decode treasury state: %w", err)
	}
	out := &treasury.TreasuryState{
		LastBackingRatioBps: rec.LastBackingRatioBps,
		EmergencyPaused:     rec.EmergencyPaused,
		NextBatchID:         rec.NextBatchID,
	}
	fields := []struct {
		dst **big.Int
		src string
	}{
		{&out.TotalReserve, rec.TotalReserve},
		{&out.TotalObligations, rec.TotalObligations},
		{&out.TotalCapitalProcessed, rec.TotalCapitalProcessed},
		{&out.IdleCapital, rec.IdleCapital},
		{&out.TotalCapitalConverted, rec.TotalCapitalConverted},
		{&out.TotalReserveAcquired, rec.TotalReserveAcquired},
	}
	for _, f := range fields {
		v, err := decodeInt(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return out, nil
}

// PutTreasuryState persists the treasury aggregate.
func (s *Store) PutTreasuryState(st *treasury.TreasuryState) error {
	if st == nil {
		return fmt.Errorf("state: nil treasury state")
	}
	rec := storedTreasuryState{
		TotalReserve:          encodeInt(st.TotalReserve),
		TotalObligations:      encodeInt(st.TotalObligations),
		TotalCapitalProcessed: encodeInt(st.TotalCapitalProcessed),
		IdleCapital:           encodeInt(st.IdleCapital),
		TotalCapitalConverted: encodeInt(st.TotalCapitalConverted),
		TotalReserveAcquired:  encodeInt(st.TotalReserveAcquired),
		LastBackingRatioBps:   st.LastBackingRatioBps,
		EmergencyPaused:       st.EmergencyPaused,
		NextBatchID:           st.NextBatchID,
	}
	raw, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return fmt.Errorf("state: encode treasury state: %w", err)
	}
	return s.db.Put([]byte(treasuryStateKey), raw)
}

func batchKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", batchPrefix, id))
}

// GetBatch loads one reserve batch; missing batches yield nil.
func (s *Store) GetBatch(id uint64) (*treasury.ReserveBatch, error) {
	raw, ok, err := s.db.Get(batchKey(id))
	if err != nil || !ok {
		return nil, err
	}
	var rec storedBatch
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("state: decode batch %d: %w", id, err)
	}
	amount, err := decodeInt(rec.Amount)
	if err != nil {
		return nil, err
	}
	original, err := decodeInt(rec.OriginalAmount)
	if err != nil {
		return nil, err
	}
	price, err := decodeRat(rec.AcquisitionPrice)
	if err != nil {
		return nil, err
	}
	return &treasury.ReserveBatch{
		ID:               rec.ID,
		Amount:           amount,
		OriginalAmount:   original,
		AcquiredAt:       int64(rec.AcquiredAt),
		MaturesAt:        int64(rec.MaturesAt),
		AcquisitionPrice: price,
		Mature:           rec.Mature,
	}, nil
}

// PutBatch persists a reserve batch keyed by its identifier.
func (s *Store) PutBatch(b *treasury.ReserveBatch) error {
	if b == nil {
		return fmt.Errorf("state: nil batch")
	}
	rec := storedBatch{
		ID:               b.ID,
		Amount:           encodeInt(b.Amount),
		OriginalAmount:   encodeInt(b.OriginalAmount),
		AcquiredAt:       uint64(b.AcquiredAt),
		MaturesAt:        uint64(b.MaturesAt),
		AcquisitionPrice: encodeRat(b.AcquisitionPrice),
		Mature:           b.Mature,
	}
	raw, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return fmt.Errorf("state: encode batch %d: %w", b.ID, err)
	}
	return s.db.Put(batchKey(b.ID), raw)
}

// BatchIDs lists every stored batch identifier in ascending order.
func (s *Store) BatchIDs() ([]uint64, error) {
	keys, err := s.db.Keys([]byte(batchPrefix))
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(keys))
	for _, k := range keys {
		suffix := strings.TrimPrefix(string(k), batchPrefix)
		id, err := strconv.ParseUint(suffix, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("state: malformed batch key %q", k)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func obligationKey(maturity int64) []byte {
	return []byte(fmt.Sprintf("%s%016x", obligationPrefix, uint64(maturity)))
}

// GetObligationBucket loads the outstanding obligation total for one maturity
// bucket. Missing buckets read as zero.
func (s *Store) GetObligationBucket(maturity int64) (*big.Int, error) {
	raw, ok, err := s.db.Get(obligationKey(maturity))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	var rec string
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("state: decode obligation bucket: %w", err)
	}
	return decodeInt(rec)
}

// PutObligationBucket persists a maturity bucket total.
func (s *Store) PutObligationBucket(maturity int64, amount *big.Int) error {
	raw, err := rlp.EncodeToBytes(encodeInt(amount))
	if err != nil {
		return fmt.Errorf("state: encode obligation bucket: %w", err)
	}
	return s.db.Put(obligationKey(maturity), raw)
}

func orderKey(id string) []byte {
	return []byte(orderPrefix + id)
}

// GetStagedOrder loads one staged conversion order; missing orders yield nil.
func (s *Store) GetStagedOrder(id string) (*treasury.StagedOrder, error) {
	raw, ok, err := s.db.Get(orderKey(id))
	if err != nil || !ok {
		return nil, err
	}
	return decodeOrder(raw)
}

func decodeOrder(raw []byte) (*treasury.StagedOrder, error) {
	var rec storedOrder
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("state: decode staged order: %w", err)
	}
	remaining, err := decodeInt(rec.RemainingAmount)
	if err != nil {
		return nil, err
	}
	slice, err := decodeInt(rec.SliceAmount)
	if err != nil {
		return nil, err
	}
	return &treasury.StagedOrder{
		ID:              rec.ID,
		RemainingAmount: remaining,
		SliceAmount:     slice,
		CadenceSeconds:  int64(rec.CadenceSeconds),
		CreatedAt:       int64(rec.CreatedAt),
		LastExecutedAt:  int64(rec.LastExecutedAt),
		Deadline:        int64(rec.Deadline),
		Closed:          rec.Closed,
	}, nil
}

// PutStagedOrder persists a staged conversion order.
func (s *Store) PutStagedOrder(o *treasury.StagedOrder) error {
	if o == nil {
		return fmt.Errorf("state: nil staged order")
	}
	rec := storedOrder{
		ID:              o.ID,
		RemainingAmount: encodeInt(o.RemainingAmount),
		SliceAmount:     encodeInt(o.SliceAmount),
		CadenceSeconds:  uint64(o.CadenceSeconds),
		CreatedAt:       uint64(o.CreatedAt),
		LastExecutedAt:  uint64(o.LastExecutedAt),
		Deadline:        uint64(o.Deadline),
		Closed:          o.Closed,
	}
	raw, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return fmt.Errorf("state: encode staged order %s: %w", o.ID, err)
	}
	return s.db.Put(orderKey(o.ID), raw)
}

// OpenStagedOrderIDs lists the identifiers of staged orders not yet closed,
// ordered by key.
func (s *Store) OpenStagedOrderIDs() ([]string, error) {
	keys, err := s.db.Keys([]byte(orderPrefix))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, k := range keys {
		raw, ok, err := s.db.Get(k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		order, err := decodeOrder(raw)
		if err != nil {
			return nil, err
		}
		if !order.Closed {
			ids = append(ids, order.ID)
		}
	}
	return ids, nil
}

func cohortKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%016x", cohortPrefix, uint64(id)))
}

// GetCohort loads one bond cohort; missing cohorts yield nil.
func (s *Store) GetCohort(id int64) (*bond.Cohort, error) {
	raw, ok, err := s.db.Get(cohortKey(id))
	if err != nil || !ok {
		return nil, err
	}
	var rec storedCohort
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("state: decode cohort %d: %w", id, err)
	}
	owed, err := decodeInt(rec.TotalObligationOwed)
	if err != nil {
		return nil, err
	}
	raised, err := decodeInt(rec.TotalCapitalRaised)
	if err != nil {
		return nil, err
	}
	avgDiscount, err := decodeRat(rec.WeightedAvgDiscount)
	if err != nil {
		return nil, err
	}
	avgVesting, err := decodeRat(rec.WeightedAvgVestingDays)
	if err != nil {
		return nil, err
	}
	contributions := make(map[[20]byte]*big.Int, len(rec.Contributions))
	for _, c := range rec.Contributions {
		balance, err := decodeInt(c.Balance)
		if err != nil {
			return nil, err
		}
		contributions[c.Holder] = balance
	}
	return &bond.Cohort{
		ID:                     int64(rec.ID),
		MaturityTimestamp:      int64(rec.MaturityTimestamp),
		TotalObligationOwed:    owed,
		TotalCapitalRaised:     raised,
		WeightedAvgDiscount:    avgDiscount,
		WeightedAvgVestingDays: avgVesting,
		Matured:                rec.Matured,
		Contributions:          contributions,
	}, nil
}

// PutCohort persists a bond cohort. Contributions are written in holder order
// so encodings are deterministic.
func (s *Store) PutCohort(c *bond.Cohort) error {
	if c == nil {
		return fmt.Errorf("state: nil cohort")
	}
	contributions := make([]storedContribution, 0, len(c.Contributions))
	for holder, balance := range c.Contributions {
		contributions = append(contributions, storedContribution{
			Holder:  holder,
			Balance: encodeInt(balance),
		})
	}
	sortContributions(contributions)
	rec := storedCohort{
		ID:                     uint64(c.ID),
		MaturityTimestamp:      uint64(c.MaturityTimestamp),
		TotalObligationOwed:    encodeInt(c.TotalObligationOwed),
		TotalCapitalRaised:     encodeInt(c.TotalCapitalRaised),
		WeightedAvgDiscount:    encodeRat(c.WeightedAvgDiscount),
		WeightedAvgVestingDays: encodeRat(c.WeightedAvgVestingDays),
		Matured:                c.Matured,
		Contributions:          contributions,
	}
	raw, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return fmt.Errorf("state: encode cohort %d: %w", c.ID, err)
	}
	return s.db.Put(cohortKey(c.ID), raw)
}

func sortContributions(cs []storedContribution) {
	sort.Slice(cs, func(i, j int) bool {
		return bytes.Compare(cs[i].Holder[:], cs[j].Holder[:]) < 0
	})
}

// CohortIDs lists every stored cohort identifier in ascending order.
func (s *Store) CohortIDs() ([]int64, error) {
	keys, err := s.db.Keys([]byte(cohortPrefix))
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		suffix := strings.TrimPrefix(string(k), cohortPrefix)
		id, err := strconv.ParseUint(suffix, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("state: malformed cohort key %q", k)
		}
		ids = append(ids, int64(id))
	}
	return ids, nil
}

func positionKey(holder [20]byte, cohortID int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x", positionPrefix, hex.EncodeToString(holder[:]), uint64(cohortID)))
}

// GetPosition loads a holder's balance within one cohort. Missing positions
// read as zero.
func (s *Store) GetPosition(holder [20]byte, cohortID int64) (*big.Int, error) {
	raw, ok, err := s.db.Get(positionKey(holder, cohortID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	var rec string
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("state: decode position: %w", err)
	}
	return decodeInt(rec)
}

// PutPosition persists a holder's balance within one cohort.
func (s *Store) PutPosition(holder [20]byte, cohortID int64, balance *big.Int) error {
	raw, err := rlp.EncodeToBytes(encodeInt(balance))
	if err != nil {
		return fmt.Errorf("state: encode position: %w", err)
	}
	return s.db.Put(positionKey(holder, cohortID), raw)
}

// PositionCohorts lists the cohort identifiers a holder has positions
// recorded under, in ascending order.
func (s *Store) PositionCohorts(holder [20]byte) ([]int64, error) {
	prefix := positionPrefix + hex.EncodeToString(holder[:]) + "/"
	keys, err := s.db.Keys([]byte(prefix))
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		suffix := strings.TrimPrefix(string(k), prefix)
		id, err := strconv.ParseUint(suffix, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("state: malformed position key %q", k)
		}
		ids = append(ids, int64(id))
	}
	return ids, nil
}

func ledgerKey(holder [20]byte) []byte {
	return []byte(ledgerPrefix + hex.EncodeToString(holder[:]))
}

// LedgerBalance returns a holder's redeemed balance on the debt-backed
// asset ledger. Missing holders read as zero.
func (s *Store) LedgerBalance(holder [20]byte) (*big.Int, error) {
	raw, ok, err := s.db.Get(ledgerKey(holder))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	var rec string
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("state: decode ledger balance: %w", err)
	}
	return decodeInt(rec)
}

// CreditBalance adds a redeemed amount to a holder's ledger balance. Callers
// serialize redemptions, so the read-modify-write needs no extra locking.
func (s *Store) CreditBalance(holder [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: non-positive ledger credit")
	}
	balance, err := s.LedgerBalance(holder)
	if err != nil {
		return err
	}
	raw, err := rlp.EncodeToBytes(encodeInt(balance.Add(balance, amount)))
	if err != nil {
		return fmt.Errorf("state: encode ledger balance: %w", err)
	}
	return s.db.Put(ledgerKey(holder), raw)
}
