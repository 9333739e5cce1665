package catalog

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/genbot/starledger/internal/pricing"
)

// Handler serves the price table over HTTP.
type Handler struct {
	catalog  *Catalog
	markup   float64
	starUnit pricing.USD
}

// NewHandler creates a catalog handler with the configured pricing knobs.
func NewHandler(c *Catalog, markup float64, starUnit pricing.USD) *Handler {
	return &Handler{catalog: c, markup: markup, starUnit: starUnit}
}

// RegisterRoutes sets up the catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/services", h.ListServices)
	r.GET("/services/:serviceId/quote", h.QuoteService)
}

type serviceView struct {
	ServiceID   string        `json:"serviceId"`
	DisplayName string        `json:"displayName"`
	Inputs      []InputKind   `json:"inputs"`
	PriceStars  pricing.Stars `json:"priceStars"`
}

// ListServices handles GET /v1/services. Base costs stay internal; the
// response carries only the billable star price.
func (h *Handler) ListServices(c *gin.Context) {
	entries := h.catalog.List()
	sort.Slice(entries, func(i, j int) bool { return entries[i].ServiceID < entries[j].ServiceID })

	views := make([]serviceView, 0, len(entries))
	for _, e := range entries {
		price, err := pricing.FinalServiceCost(e.BaseCost, h.markup, h.starUnit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "pricing_failed",
				"message": "Could not price service " + e.ServiceID,
			})
			return
		}
		views = append(views, serviceView{
			ServiceID:   e.ServiceID,
			DisplayName: e.DisplayName,
			Inputs:      e.Inputs,
			PriceStars:  price,
		})
	}
	c.JSON(http.StatusOK, gin.H{"services": views, "count": len(views)})
}

// QuoteService handles GET /v1/services/:serviceId/quote. An optional
// discount query parameter (percent) applies a clamped discount.
func (h *Handler) QuoteService(c *gin.Context) {
	serviceID := c.Param("serviceId")

	price, err := h.catalog.Quote(serviceID, h.markup, h.starUnit)
	if err != nil {
		if errors.Is(err, ErrUnknownService) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_service",
				"message": "No such service: " + serviceID,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pricing_failed",
			"message": "Could not price service",
		})
		return
	}

	discount := 0.0
	if raw := c.Query("discount"); raw != "" {
		discount, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_discount",
				"message": "discount must be a number",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"serviceId":  serviceID,
		"priceStars": pricing.Discounted(price, discount),
		"discount":   discount,
	})
}
