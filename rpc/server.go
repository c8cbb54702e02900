package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bondvault/native/bond"
	"bondvault/native/common"
	"bondvault/native/curve"
	"bondvault/native/treasury"
	"bondvault/observability/metrics"
	"bondvault/oracle"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Curve     *curve.Engine
	Treasury  *treasury.Engine
	Bond      *bond.Engine
	Oracle    *oracle.Feed
	Logger    *slog.Logger
	Metrics   *metrics.VaultMetrics
	JWTSecret []byte
}

// Server exposes the protocol over HTTP. Read endpoints are public; privileged
// operations sit behind bearer-token authentication, with the final authority
// check living in the engines' role registry.
type Server struct {
	curve    *curve.Engine
	treasury *treasury.Engine
	bond     *bond.Engine
	feed     *oracle.Feed
	log      *slog.Logger
	metrics  *metrics.VaultMetrics
	auth     *authenticator

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		curve:    cfg.Curve,
		treasury: cfg.Treasury,
		bond:     cfg.Bond,
		feed:     cfg.Oracle,
		log:      logger,
		metrics:  cfg.Metrics,
		auth:     &authenticator{secret: cfg.JWTSecret},
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(api chi.Router) {
		api.Get("/curve/discount", s.getDiscount)
		api.Get("/curve/preview", s.previewDiscount)
		api.Get("/curve/optimal", s.findOptimalVesting)
		api.Get("/curve/market-params", s.getMarketParams)

		api.Get("/treasury/status", s.treasuryStatus)
		api.Get("/treasury/solvency", s.treasurySolvency)
		api.Post("/treasury/batches/{id}/maturity", s.updateBatchMaturity)

		api.Post("/bond/preview", s.previewPurchase)
		api.Post("/bond/purchase", s.purchase)
		api.Post("/bond/redeem", s.redeem)
		api.Post("/bond/redeem-batch", s.batchRedeem)
		api.Get("/bond/positions/{address}", s.userPositions)
		api.Get("/bond/cohorts/{id}", s.cohortInfo)
		api.Get("/bond/value", s.positionValue)

		api.Get("/oracle", s.oracleSnapshot)

		api.Group(func(protected chi.Router) {
			protected.Use(s.auth.middleware)
			protected.Post("/admin/oracle", s.postOracleReadings)
			protected.Post("/admin/market-params", s.updateMarketParams)
			protected.Post("/admin/emergency-mode", s.setEmergencyMode)
			protected.Post("/admin/strategy", s.setStrategy)
			protected.Post("/admin/liquidate", s.emergencyLiquidate)
			protected.Post("/admin/resume", s.resumeOperations)
			protected.Post("/admin/orders/{id}/cancel", s.cancelStagedOrder)
			protected.Post("/admin/orders/execute-slice", s.executeStagedSlice)
		})
	})
	return r
}

func (s *Server) getDiscount(w http.ResponseWriter, r *http.Request) {
	days, err := queryUint(r, "days")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	discount, err := s.curve.GetDiscount(days)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.metrics.ObserveDiscountQuote(float64(discount))
	writeJSON(w, http.StatusOK, map[string]uint64{"discountBps": discount})
}

func (s *Server) previewDiscount(w http.ResponseWriter, r *http.Request) {
	days, err := queryUint(r, "days")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	breakdown, err := s.curve.PreviewDiscountCalculation(days)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

func (s *Server) findOptimalVesting(w http.ResponseWriter, r *http.Request) {
	target, err := queryUint(r, "targetBps")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	days, err := s.curve.FindOptimalVestingForTargetDiscount(target)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"vestingDays": days})
}

func (s *Server) getMarketParams(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.curve.MarketParams())
}

func (s *Server) oracleSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("rpc: oracle feed not configured"))
		return
	}
	snapshot, err := s.feed.Snapshot()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) postOracleReadings(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("rpc: oracle feed not configured"))
		return
	}
	caller, err := callerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var readings oracle.Readings
	if err := json.NewDecoder(r.Body).Decode(&readings); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.feed.Post(readings); err != nil {
		writeEngineError(w, err)
		return
	}
	s.log.Info("oracle readings posted", "caller", hex.EncodeToString(caller[:]), "reference", readings.ReferencePrice)
	writeJSON(w, http.StatusOK, map[string]string{"status": "posted"})
}

type marketParamsRequest struct {
	VolatilityMultiplier uint64 `json:"volatilityMultiplier"`
	LiquidityNeedBps     uint64 `json:"liquidityNeedBps"`
	DemandPressureBps    int64  `json:"demandPressureBps"`
	MaxDailyChangeBps    uint64 `json:"maxDailyChangeBps"`
}

func (s *Server) updateMarketParams(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var req marketParamsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	params := curve.MarketParams{
		VolatilityMultiplier: req.VolatilityMultiplier,
		LiquidityNeedBps:     req.LiquidityNeedBps,
		DemandPressureBps:    req.DemandPressureBps,
		MaxDailyChangeBps:    req.MaxDailyChangeBps,
	}
	if err := s.curve.UpdateMarketParams(caller, params); err != nil {
		writeEngineError(w, err)
		return
	}
	s.log.Info("market params updated", "caller", hex.EncodeToString(caller[:]))
	writeJSON(w, http.StatusOK, s.curve.MarketParams())
}

func (s *Server) setEmergencyMode(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.curve.SetEmergencyMode(caller, req.Enabled); err != nil {
		writeEngineError(w, err)
		return
	}
	s.log.Warn("emergency pricing mode switched", "enabled", req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"emergencyMode": req.Enabled})
}

func (s *Server) setStrategy(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var req struct {
		Strategy string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.treasury.SetStrategy(caller, treasury.Strategy(req.Strategy)); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"strategy": req.Strategy})
}

func (s *Server) emergencyLiquidate(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	liquidated, err := s.treasury.EmergencyLiquidateMatureOnly(caller, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.log.Warn("emergency liquidation executed", "amount", liquidated.String())
	writeJSON(w, http.StatusOK, map[string]string{"liquidated": liquidated.String()})
}

func (s *Server) resumeOperations(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if err := s.treasury.ResumeOperations(caller); err != nil {
		writeEngineError(w, err)
		return
	}
	s.metrics.SetEmergencyPaused(false)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) cancelStagedOrder(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if err := s.treasury.CancelStagedOrder(caller, chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) executeStagedSlice(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	received, err := s.treasury.ExecuteStagedSlice(caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.metrics.ObserveConversion("staged", 0)
	writeJSON(w, http.StatusOK, map[string]string{"received": received.String()})
}

func (s *Server) treasuryStatus(w http.ResponseWriter, _ *http.Request) {
	status, err := s.treasury.Status()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.metrics.SetBackingRatioBps(float64(status.BackingRatioBps))
	s.metrics.SetEmergencyPaused(status.EmergencyPaused)
	resp := map[string]interface{}{
		"totalReserve":          bigString(status.TotalReserve),
		"matureReserve":         bigString(status.MatureReserve),
		"immatureReserve":       bigString(status.ImmatureReserve),
		"totalObligations":      bigString(status.TotalObligations),
		"totalCapitalProcessed": bigString(status.TotalCapitalProcessed),
		"idleCapital":           bigString(status.IdleCapital),
		"backingRatioBps":       status.BackingRatioBps,
		"emergencyPaused":       status.EmergencyPaused,
		"openStagedOrders":      status.OpenStagedOrders,
		"batchCount":            status.BatchCount,
		"strategy":              string(status.Strategy),
	}
	if status.BlendedCostBasis != nil {
		resp["blendedCostBasis"] = status.BlendedCostBasis.FloatString(6)
	}
	if status.TotalObligations != nil {
		obligations, _ := new(big.Float).SetInt(status.TotalObligations).Float64()
		s.metrics.SetObligations(obligations)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) treasurySolvency(w http.ResponseWriter, _ *http.Request) {
	report, err := s.treasury.CheckSolvency()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	weighted, err := s.treasury.WeightedSolvencyBps()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := map[string]interface{}{
		"solvent":         report.Solvent,
		"requiredValue":   report.RequiredValue.FloatString(6),
		"heldValue":       report.HeldValue.FloatString(6),
		"excessOrDeficit": report.ExcessOrDeficit.FloatString(6),
		"backingRatioBps": report.BackingRatioBps,
	}
	if weighted != nil {
		resp["weightedCoverageBps"] = weighted.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) updateBatchMaturity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.treasury.UpdateBatchMaturity(id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type purchaseRequest struct {
	Buyer                    string `json:"buyer"`
	CapitalAmount            string `json:"capitalAmount"`
	VestingDays              uint64 `json:"vestingDays"`
	MaxAcceptableDiscountBps uint64 `json:"maxAcceptableDiscountBps"`
	// SlippageBps is the buyer's conversion slippage bound; zero defers to
	// the treasury's configured cap.
	SlippageBps uint64 `json:"slippageBps"`
}

func (s *Server) previewPurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.CapitalAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	quote, err := s.bond.PreviewPurchase(amount, req.VestingDays)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owedAmount":        quote.OwedAmount.String(),
		"discountBps":       quote.DiscountBps,
		"cohortId":          quote.CohortID,
		"maturityTimestamp": quote.MaturityTimestamp,
	})
}

func (s *Server) purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	buyer, err := parseAddress(req.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.CapitalAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cohortID, err := s.bond.Purchase(buyer, amount, req.VestingDays, req.MaxAcceptableDiscountBps, req.SlippageBps)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.metrics.ObservePurchase()
	s.metrics.ObserveConversion("immediate", float64FromBig(amount))
	s.log.Info("bond purchased", "buyer", req.Buyer, "cohort", cohortID, "capital", req.CapitalAmount)
	writeJSON(w, http.StatusOK, map[string]int64{"cohortId": cohortID})
}

type redeemRequest struct {
	Caller    string  `json:"caller"`
	CohortID  int64   `json:"cohortId"`
	CohortIDs []int64 `json:"cohortIds"`
}

func (s *Server) redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := s.bond.Redeem(caller, req.CohortID)
	if err != nil {
		s.metrics.ObserveRedemption("failed")
		writeEngineError(w, err)
		return
	}
	s.metrics.ObserveRedemption("ok")
	writeJSON(w, http.StatusOK, map[string]string{"redeemed": amount.String()})
}

func (s *Server) batchRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	results := s.bond.BatchRedeem(caller, req.CohortIDs)
	out := make([]map[string]interface{}, 0, len(results))
	for _, res := range results {
		entry := map[string]interface{}{"cohortId": res.CohortID}
		if res.Err != nil {
			entry["error"] = res.Err.Error()
			s.metrics.ObserveRedemption("failed")
		} else {
			entry["redeemed"] = res.Amount.String()
			s.metrics.ObserveRedemption("ok")
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": out})
}

func (s *Server) userPositions(w http.ResponseWriter, r *http.Request) {
	holder, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	positions, err := s.bond.UserPositions(holder)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(positions))
	for _, p := range positions {
		out = append(out, map[string]interface{}{
			"cohortId":          p.CohortID,
			"balance":           p.Balance.String(),
			"maturityTimestamp": p.MaturityTimestamp,
			"matured":           p.Matured,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": out})
}

func (s *Server) cohortInfo(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cohort, err := s.bond.CohortInfo(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cohortId":            cohort.ID,
		"maturityTimestamp":   cohort.MaturityTimestamp,
		"totalObligationOwed": cohort.TotalObligationOwed.String(),
		"totalCapitalRaised":  cohort.TotalCapitalRaised.String(),
		"avgDiscountBps":      cohort.AvgDiscountBps(),
		"avgVestingDays":      cohort.AvgVestingDays(),
		"matured":             cohort.Matured,
		"holders":             len(cohort.Contributions),
	})
}

func (s *Server) positionValue(w http.ResponseWriter, r *http.Request) {
	holder, err := parseAddress(r.URL.Query().Get("holder"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cohortID, err := strconv.ParseInt(r.URL.Query().Get("cohortId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	value, err := s.bond.CurrentPositionValue(holder, cohortID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": value.FloatString(6)})
}

func queryUint(r *http.Request, key string) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, errors.New("rpc: missing query parameter " + key)
	}
	return strconv.ParseUint(raw, 10, 64)
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.New("rpc: malformed amount " + strconv.Quote(s))
	}
	return v, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func float64FromBig(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeEngineError maps engine sentinel errors onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, common.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, bond.ErrCohortNotFound) || errors.Is(err, treasury.ErrBatchNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, curve.ErrInvalidVestingPeriod),
		errors.Is(err, curve.ErrInvalidParameter),
		errors.Is(err, curve.ErrTargetDiscountUnreachable),
		errors.Is(err, oracle.ErrInvalidReading),
		errors.Is(err, bond.ErrAmountTooSmall),
		errors.Is(err, treasury.ErrAmountTooSmall),
		errors.Is(err, treasury.ErrInvalidStrategy):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, bond.ErrNotYetMatured),
		errors.Is(err, bond.ErrTreasuryInsolvent),
		errors.Is(err, bond.ErrNoBondsToRedeem),
		errors.Is(err, bond.ErrDiscountExceedsUserLimit),
		errors.Is(err, bond.ErrOracleIntegrityFailed),
		errors.Is(err, bond.ErrZeroIssuePrice),
		errors.Is(err, treasury.ErrSlippageExceeded),
		errors.Is(err, treasury.ErrStaleOracle),
		errors.Is(err, treasury.ErrTooEarly),
		errors.Is(err, treasury.ErrNoOpenOrder),
		errors.Is(err, treasury.ErrInsufficientFunds),
		errors.Is(err, treasury.ErrInsufficientObligations),
		errors.Is(err, treasury.ErrInsufficientMatureReserve),
		errors.Is(err, treasury.ErrNotEmergencyPaused),
		errors.Is(err, treasury.ErrStillInsolvent),
		errors.Is(err, oracle.ErrNoReadings),
		errors.Is(err, oracle.ErrStaleReadings),
		errors.Is(err, common.ErrModulePaused):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
