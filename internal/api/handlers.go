package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xeonx/timeago"

	"github.com/gotrs-io/datawallet/internal/content"
	"github.com/gotrs-io/datawallet/internal/ledger"
	"github.com/gotrs-io/datawallet/internal/models"
)

const maxWalletPayload = 64 << 10

type authorizeRequest struct {
	Signature string `json:"signature" binding:"required"`
	Identity  string `json:"identity" binding:"required"`
}

type rejectRequest struct {
	Identity string `json:"identity" binding:"required"`
	Reason   string `json:"reason"`
}

type verifyRequest struct {
	Locator      string `json:"locator" binding:"required"`
	ExpectedHash string `json:"expected_hash" binding:"required"`
}

// TaskSummary is the list view of a task.
type TaskSummary struct {
	ID            string           `json:"id"`
	State         models.TaskState `json:"state"`
	Subject       string           `json:"subject,omitempty"`
	Artifacts     int              `json:"artifacts"`
	EstimatedCost int64            `json:"estimated_cost"`
	CreatedAt     time.Time        `json:"created_at"`
	Updated       string           `json:"updated"`
}

// LedgerAccount is the registration and balance of one identity.
type LedgerAccount struct {
	Identity   string `json:"identity"`
	Network    string `json:"network"`
	Registered bool   `json:"registered"`
	Balance    string `json:"balance"`
}

func (r *Router) handleGetTask(c *gin.Context) {
	task, err := r.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	respond(c, http.StatusOK, task)
}

// handleAuthorize accepts the owner's signed approval. Finalize runs in the
// background, so success is 202 with the Authorized snapshot.
func (r *Router) handleAuthorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	task, err := r.tasks.Authorize(c.Request.Context(), c.Param("id"), req.Signature, req.Identity)
	if err != nil {
		r.fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, task)
}

func (r *Router) handleReject(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	task, err := r.tasks.Reject(c.Request.Context(), c.Param("id"), req.Identity, strings.TrimSpace(req.Reason))
	if err != nil {
		r.fail(c, err)
		return
	}
	respond(c, http.StatusOK, task)
}

func (r *Router) handleListOwnerTasks(c *gin.Context) {
	tasks, err := r.tasks.ListForOwner(c.Request.Context(), c.Param("identity"))
	if err != nil {
		r.fail(c, err)
		return
	}
	summaries := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		summaries = append(summaries, TaskSummary{
			ID:            t.ID,
			State:         t.State,
			Artifacts:     len(t.Artifacts),
			EstimatedCost: t.EstimatedCost,
			Subject:       t.Subject,
			CreatedAt:     t.CreatedAt,
			Updated:       timeago.English.Format(t.UpdatedAt),
		})
	}
	respond(c, http.StatusOK, summaries)
}

// handleVerify reports a mismatch as a successful call whose result carries
// content_verified=false; only retrieval failures are errors.
func (r *Router) handleVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := r.verifier.Verify(c.Request.Context(), req.Locator, req.ExpectedHash)
	if err != nil && !content.IsIntegrityError(err) {
		r.fail(c, err)
		return
	}
	respond(c, http.StatusOK, res)
}

func (r *Router) handleVerifyWallet(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWalletPayload))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := r.verifier.VerifyWallet(payload)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	respond(c, http.StatusOK, res)
}

func (r *Router) handleLedgerAccount(c *gin.Context) {
	identity := c.Param("identity")
	if !ledger.IsAddress(identity) {
		respondError(c, http.StatusBadRequest, "invalid_address", ledger.ErrInvalidAddress)
		return
	}
	ctx := c.Request.Context()
	registered, err := r.ledger.IsRegistered(ctx, identity)
	if err != nil {
		r.fail(c, err)
		return
	}
	balance, err := r.ledger.GetBalance(ctx, identity)
	if err != nil {
		r.fail(c, err)
		return
	}
	respond(c, http.StatusOK, LedgerAccount{
		Identity:   identity,
		Network:    r.ledger.Network(),
		Registered: registered,
		Balance:    balance.String(),
	})
}

func (r *Router) handleTransactionStatus(c *gin.Context) {
	ref := c.Param("ref")
	status, err := r.ledger.GetTransactionStatus(c.Request.Context(), ref)
	if errors.Is(err, ledger.ErrUnknownTransaction) {
		respondError(c, http.StatusNotFound, "unknown_transaction", err)
		return
	}
	if err != nil {
		r.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"tx_ref": ref, "status": status})
}

func (r *Router) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		r.logger.Printf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	respondError(c, status, code, err)
}
