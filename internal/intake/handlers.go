package intake

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cardrail/internal/ledger"
)

// maxPayloadBytes caps inbound webhook bodies.
const maxPayloadBytes = 1 << 20 // 1 MiB

// SignatureHeader carries the provider's HMAC of the raw body.
const SignatureHeader = "X-Webhook-Signature"

// Handler exposes the webhook intake endpoint and the stats surface.
type Handler struct {
	service *Service
}

// NewHandler creates an intake handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers intake routes. Webhooks mount on the root group
// (providers cannot be asked to follow our versioning); stats go on the
// versioned API group.
func (h *Handler) RegisterRoutes(root, api *gin.RouterGroup) {
	root.POST("/webhooks/:provider", h.ingest)
	api.GET("/intake/stats", h.stats)
}

func (h *Handler) ingest(c *gin.Context) {
	provider := c.Param("provider")
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	res, err := h.service.Ingest(c.Request.Context(), provider, payload, c.GetHeader(SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownProvider):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		case errors.Is(err, ErrSignatureInvalid):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "signature invalid"})
		case errors.Is(err, ErrMalformedPayload):
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		case errors.Is(err, ledger.ErrCardNotFound):
			// Terminal for this delivery; the issuer may retry once the
			// card exists on our side.
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "card not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Stats())
}
