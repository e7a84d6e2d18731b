package card

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cardrail/internal/idgen"
)

// Handler exposes card provisioning and read endpoints. Balance and status
// writes happen through the ledger and fraud engines only.
type Handler struct {
	store         Store
	defaultLimits SpendingLimits
}

// NewHandler creates a new card handler. Cards created without explicit
// limits inherit defaults.
func NewHandler(store Store, defaults SpendingLimits) *Handler {
	return &Handler{store: store, defaultLimits: defaults}
}

// RegisterRoutes registers card routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/cards", h.create)
	r.GET("/cards/:id", h.get)
	r.GET("/users/:userId/cards", h.listByUser)
}

type createCardRequest struct {
	UserID     string          `json:"userId" binding:"required"`
	Provider   string          `json:"provider" binding:"required"`
	ExternalID string          `json:"externalId" binding:"required"`
	Currency   string          `json:"currency"`
	Balance    int64           `json:"balance"` // minor units
	Limits     *SpendingLimits `json:"limits"`
}

func (h *Handler) create(c *gin.Context) {
	var req createCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Balance < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "balance must not be negative"})
		return
	}

	limits := h.defaultLimits
	if req.Limits != nil {
		limits = *req.Limits
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	now := time.Now()
	acct := &Account{
		ID:           idgen.WithPrefix("card_"),
		UserID:       req.UserID,
		Provider:     req.Provider,
		ExternalID:   req.ExternalID,
		Balance:      req.Balance,
		Currency:     currency,
		Limits:       limits,
		Status:       StatusActive,
		LastSyncedAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.store.Create(c.Request.Context(), acct); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "card already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create card"})
		return
	}
	c.JSON(http.StatusCreated, acct)
}

func (h *Handler) get(c *gin.Context) {
	acct, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "card not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load card"})
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h *Handler) listByUser(c *gin.Context) {
	accts, err := h.store.ListByUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list cards"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cards": accts, "count": len(accts)})
}
