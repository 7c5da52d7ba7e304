package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/metrics"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/rules"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Duplicates are
// idempotent replays and answer 200 so retrying clients converge.
func writeError(w http.ResponseWriter, err error) {
	class := errs.ClassOf(err)
	status := http.StatusBadGateway
	switch class {
	case errs.Validation:
		status = http.StatusBadRequest
	case errs.Conflict:
		status = http.StatusConflict
	case errs.Timeout:
		status = http.StatusGatewayTimeout
	case errs.Duplicate:
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "code": errs.CodeOf(err)})
		return
	case errs.Fatal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{
		"error":   string(class),
		"code":    errs.CodeOf(err),
		"message": err.Error(),
	})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Wrap(err, errs.Validation, "bad_request", "request body cannot be decoded")
	}
	return nil
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var violations []string
	if s.svc.Metrics != nil {
		violations = s.svc.Metrics.CheckThresholds(metrics.DefaultThresholds())
	}
	if s.svc.Bus != nil && !s.svc.Bus.Healthy() {
		violations = append(violations, "event bus unhealthy")
	}

	status, code := "ok", http.StatusOK
	if len(violations) > 0 {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"violations": violations,
	})
}

// --- short sell ---

func (s *Server) handleShortSellValidate(w http.ResponseWriter, r *http.Request) {
	var order domain.Order
	if err := decode(r, &order); err != nil {
		writeError(w, err)
		return
	}
	decision, err := s.svc.Gate.Validate(r.Context(), &order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleShortSellCancel(w http.ResponseWriter, r *http.Request) {
	var order domain.Order
	if err := decode(r, &order); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.Gate.Cancel(r.Context(), &order); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "order_id": order.OrderID})
}

// --- locates ---

func (s *Server) handleLocateSubmit(w http.ResponseWriter, r *http.Request) {
	var req domain.LocateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.svc.Locates.Submit(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleLocateGet(w http.ResponseWriter, r *http.Request) {
	req, ok := s.svc.Locates.Get(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleLocatePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Locates.Pending())
}

func (s *Server) handleLocateApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Operator string `json:"operator"`
		Quantity int64  `json:"quantity"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.svc.Locates.Approve(r.Context(), mux.Vars(r)["id"], body.Operator, body.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLocateReject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Operator string `json:"operator"`
		Reason   string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.svc.Locates.Reject(r.Context(), mux.Vars(r)["id"], body.Operator, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLocateCancel(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Locates.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- rules ---

func (s *Server) handleRuleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Rules.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if err := decode(r, &rule); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.svc.Rules.Create(r.Context(), &rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	var version int64
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, errs.New(errs.Validation, "bad_version", "version %q is not a number", raw))
			return
		}
		version = v
	}
	out, err := s.svc.Rules.Get(r.Context(), mux.Vars(r)["id"], version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuleEdit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BaseVersion int64       `json:"base_version"`
		Rule        domain.Rule `json:"rule"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.svc.Rules.Edit(r.Context(), mux.Vars(r)["id"], body.BaseVersion, &body.Rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRulePublish(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Rules.Publish(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuleRevert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version int64 `json:"version"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.svc.Rules.RevertTo(r.Context(), mux.Vars(r)["id"], body.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuleTest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rule       domain.Rule      `json:"rule"`
		Attributes rules.Attributes `json:"attributes"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	trace, err := s.svc.Rules.Test(&body.Rule, body.Attributes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

// --- inventory ---

func (s *Server) handleInventoryList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Inventory.ListForSecurity(mux.Vars(r)["security"]))
}

func (s *Server) handleInventoryGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	security, unit := vars["security"], vars["unit"]
	calc := domain.CalculationType(vars["calculation"])

	if raw := r.URL.Query().Get("date"); raw != "" {
		date, err := domain.ParseBusinessDate(raw)
		if err != nil {
			writeError(w, errs.Wrap(err, errs.Validation, "bad_date", "date %q rejected", raw))
			return
		}
		row, ok := s.svc.Inventory.Get(domain.AvailabilityKey{
			SecurityID:        security,
			AggregationUnitID: unit,
			BusinessDate:      date,
			Calculation:       calc,
		})
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
			return
		}
		writeJSON(w, http.StatusOK, row)
		return
	}

	// No date given: return whatever business dates the calculator holds
	// for this (unit, calculation).
	var out []domain.InventoryAvailability
	for _, row := range s.svc.Inventory.ListForSecurity(security) {
		if row.AggregationUnitID == unit && row.Calculation == calc {
			out = append(out, row)
		}
	}
	if len(out) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- reference data ---

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.RefData.ListConflicts())
}

func (s *Server) handleSecurityGet(w http.ResponseWriter, r *http.Request) {
	sec, err := s.svc.RefData.FindByInternal(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, sec)
}

// --- feeds ---

func (s *Server) handleBatchSubmit(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Feeds.ProcessBatch(r.Context(), r.Body, mux.Vars(r)["source"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleBatchReport(w http.ResponseWriter, r *http.Request) {
	report, ok := s.svc.Feeds.Report(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- decision audit ---

func (s *Server) handleShortSellAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)
	list, err := s.svc.Repo.Decisions.ListShortSell(r.Context(), r.URL.Query().Get("security"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleLocateAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)
	status := domain.LocateStatus(r.URL.Query().Get("status"))
	list, err := s.svc.Repo.Decisions.ListLocates(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// --- admin ---

func (s *Server) handleReprocessBatch(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Feeds.Reprocess(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Rules.WarmUp(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleSnapshotNow(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Positions.SnapshotAll(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "snapshotted"})
}

func (s *Server) handleReplayFrom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Topic  string `json:"topic"`
		Group  string `json:"group"`
		Offset int64  `json:"offset"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Topic == "" || body.Group == "" {
		writeError(w, errs.New(errs.Validation, "bad_request", "replay needs topic and group"))
		return
	}
	if err := s.svc.Bus.ReplayFrom(r.Context(), body.Topic, body.Group, body.Offset); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "replaying",
		"topic":  body.Topic,
		"group":  body.Group,
		"offset": body.Offset,
	})
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Inventory.RecalculateAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recalculated"})
}
