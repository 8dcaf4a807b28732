package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"rentalpay/crypto"
	"rentalpay/native/rental"
	"rentalpay/services/rental-gateway/models"
	"rentalpay/services/rental-gateway/recon"
)

func pathAddress(r *http.Request) (crypto.Address, error) {
	addr, err := crypto.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		return crypto.Address{}, err
	}
	return addr, nil
}

// requireAdmin rejects callers other than the ledger admin for gateway-only
// operations that have no engine-side check.
func (s *Server) requireAdmin(r *http.Request) error {
	admin, err := s.ledger.Admin()
	if err != nil {
		return err
	}
	if caller(r) != crypto.Address(admin) {
		return rental.ErrNotAuthorized
	}
	return nil
}

func (s *Server) listManagers(w http.ResponseWriter, r *http.Request) {
	admin, err := s.ledger.Admin()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	managers, err := s.ledger.Managers()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]string, 0, len(managers))
	for _, m := range managers {
		out = append(out, crypto.Address(m).Hex())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"admin":    crypto.Address(admin).Hex(),
		"managers": out,
	})
}

func (s *Server) addManager(w http.ResponseWriter, r *http.Request) {
	s.updateManager(w, r, "add_manager", s.ledger.AddManager)
}

func (s *Server) removeManager(w http.ResponseWriter, r *http.Request) {
	s.updateManager(w, r, "remove_manager", s.ledger.RemoveManager)
}

func (s *Server) updateManager(w http.ResponseWriter, r *http.Request, op string, fn func(caller, identity [20]byte) error) {
	identity, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.observe(op, func() error { return fn(caller(r), identity) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.listManagers(w, r)
}

type accountResponse struct {
	Address   string `json:"address"`
	Balance   string `json:"balance"`
	Nonce     uint64 `json:"nonce"`
	UpdatedAt uint64 `json:"updatedAt,omitempty"`
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acc, err := s.ledger.Account(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		Address:   addr.Hex(),
		Balance:   bigString(acc.Balance),
		Nonce:     acc.Nonce,
		UpdatedAt: acc.UpdatedAt,
	})
}

func (s *Server) creditAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req amountRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, _ := parseWei(req.Amount)
	err = s.observe("credit", func() error {
		_, err := s.ledger.Credit(caller(r), addr, amount)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.getAccount(w, r)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, _ := parseWei(req.Amount)
	self := caller(r)
	err := s.observe("withdraw", func() error {
		_, err := s.ledger.Withdraw(self, amount)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acc, err := s.ledger.Account(self)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		Address:   self.Hex(),
		Balance:   bigString(acc.Balance),
		Nonce:     acc.Nonce,
		UpdatedAt: acc.UpdatedAt,
	})
}

type webhookResponse struct {
	ID        int64  `json:"id"`
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	RateLimit int    `json:"rateLimit"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt"`
}

func newWebhookResponse(sub models.WebhookSubscription) webhookResponse {
	return webhookResponse{
		ID:        sub.ID,
		EventType: sub.EventType,
		URL:       sub.URL,
		RateLimit: sub.RateLimit,
		Active:    sub.Active,
		CreatedAt: sub.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.db == nil {
		s.writeError(w, r, errStoreUnavailable)
		return
	}
	var req webhookRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	eventType := strings.TrimSpace(req.EventType)
	if eventType != "*" && !strings.HasPrefix(eventType, "rental.") {
		s.writeError(w, r, badRequest("eventType must be \"*\" or a rental.* event"))
		return
	}
	sub := models.WebhookSubscription{
		EventType: eventType,
		URL:       req.URL,
		Secret:    req.Secret,
		RateLimit: req.RateLimit,
		Active:    true,
		CreatedBy: caller(r).Hex(),
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(r.Context()).Create(&sub).Error; err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newWebhookResponse(sub))
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.db == nil {
		s.writeError(w, r, errStoreUnavailable)
		return
	}
	var subs []models.WebhookSubscription
	if err := s.db.WithContext(r.Context()).Order("id").Find(&subs).Error; err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]webhookResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, newWebhookResponse(sub))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": out})
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.reconciler == nil {
		s.writeError(w, r, errReconDisabled)
		return
	}
	var req reconcileRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	start, _ := time.Parse(time.RFC3339, req.Start)
	end, _ := time.Parse(time.RFC3339, req.End)
	if !end.After(start) {
		s.writeError(w, r, badRequest("end must be after start"))
		return
	}
	result, err := s.reconciler.Run(r.Context(), recon.RunOptions{Start: start, End: end})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"start": result.Start.Format(time.RFC3339),
		"end":   result.End.Format(time.RFC3339),
		"rows":  len(result.Rows),
		"path":  result.Path,
	})
}
