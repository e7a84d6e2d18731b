package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes read endpoints over transaction records. Writes only
// happen through the intake pipeline.
type Handler struct {
	records Store
}

// NewHandler creates a new ledger handler.
func NewHandler(records Store) *Handler {
	return &Handler{records: records}
}

// RegisterRoutes registers ledger read routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/cards/:id/transactions", h.listByCard)
	r.GET("/transactions/:id", h.getByID)
}

func (h *Handler) listByCard(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	recs, err := h.records.ListByCard(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list transactions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": recs, "count": len(recs)})
}

func (h *Handler) getByID(c *gin.Context) {
	rec, err := h.records.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transaction"})
		return
	}
	c.JSON(http.StatusOK, rec)
}
