package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"backend/internal/middleware"
	"backend/internal/model"
	"backend/internal/service"
	"backend/pkg/pagination"
	"backend/pkg/response"

	"github.com/gin-gonic/gin"
)

type InvoiceHandler struct {
	invoiceService service.InvoiceService
}

func NewInvoiceHandler(invoiceService service.InvoiceService) *InvoiceHandler {
	return &InvoiceHandler{invoiceService: invoiceService}
}

func (h *InvoiceHandler) RegisterRoutes(router *gin.RouterGroup) {
	anyStaff := middleware.RequireRole(model.RoleAdmin, model.RoleManager, model.RoleStaff)
	managers := middleware.RequireRole(model.RoleAdmin, model.RoleManager)

	invoices := router.Group("/api/invoices")
	{
		invoices.POST("", anyStaff, h.CreateInvoice)
		invoices.GET("", anyStaff, h.ListInvoices)
		invoices.GET("/:id", anyStaff, h.GetInvoice)
		invoices.PUT("/:id", anyStaff, h.UpdateInvoice)
		// Status moves alter the books, so staff cannot perform them
		invoices.PUT("/:id/status", managers, h.UpdateInvoiceStatus)

		invoices.POST("/:id/items", anyStaff, h.AddItem)
		invoices.PUT("/:id/items/:itemId", anyStaff, h.UpdateItem)
		invoices.DELETE("/:id/items/:itemId", anyStaff, h.RemoveItem)
	}
}

// organizationFromQuery reads the tenant scope. An absent parameter means
// the default organization; a malformed or non-positive value is rejected
// instead of being silently served from the default tenant.
func organizationFromQuery(c *gin.Context) (int64, error) {
	raw := c.Query("organization_id")
	if raw == "" {
		return 1, nil
	}
	org, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || org <= 0 {
		return 0, fmt.Errorf("%w: organization_id must be a positive integer", service.ErrValidation)
	}
	return org, nil
}

// CreateInvoice creates a new invoice with an allocated sequential number
// @Summary      Create invoice
// @Description  Creates an invoice with its items; the invoice number is allocated gaplessly per organization and year
// @Tags         invoices
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body      service.CreateInvoiceRequest  true  "Create Invoice Payload"
// @Success      201      {object}  response.Response{data=service.InvoiceResponse}
// @Failure      400      {object}  response.Response
// @Failure      422      {object}  response.Response
// @Router       /api/invoices [post]
func (h *InvoiceHandler) CreateInvoice(c *gin.Context) {
	var req service.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	invoice, err := h.invoiceService.CreateInvoice(c.Request.Context(), req, middleware.UserIDFromContext(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, invoice))
}

// ListInvoices returns a paginated list of invoices
// @Summary      List invoices
// @Description  Retrieves a paginated invoice list; cancelled invoices are hidden unless include_cancelled=true
// @Tags         invoices
// @Security     BearerAuth
// @Produce      json
// @Param        status             query     string  false  "Filter by status (draft, open, paid, partially_paid, insurance_pending, cancelled)"
// @Param        customer_id        query     int     false  "Filter by customer"
// @Param        search             query     string  false  "Search in invoice number"
// @Param        date_from          query     string  false  "Invoice date lower bound (YYYY-MM-DD)"
// @Param        date_to            query     string  false  "Invoice date upper bound (YYYY-MM-DD)"
// @Param        include_cancelled  query     bool    false  "Include cancelled invoices"
// @Param        sort_by            query     string  false  "Sort field (created_at, invoice_date, total, invoice_number)"
// @Param        sort_order         query     string  false  "asc or desc (default desc)"
// @Param        page               query     int     false  "Page number (default 1)"
// @Param        limit              query     int     false  "Number of items per page (default 20)"
// @Success      200                {object}  response.Response{data=response.PaginatedData}
// @Failure      400                {object}  response.Response
// @Router       /api/invoices [get]
func (h *InvoiceHandler) ListInvoices(c *gin.Context) {
	params := pagination.Parse(c)
	customerID, _ := strconv.ParseUint(c.Query("customer_id"), 10, 64)

	organizationID, err := organizationFromQuery(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	filter := service.InvoiceFilter{
		OrganizationID:   organizationID,
		Status:           c.Query("status"),
		CustomerID:       uint(customerID),
		Search:           c.Query("search"),
		DateFrom:         c.Query("date_from"),
		DateTo:           c.Query("date_to"),
		IncludeCancelled: c.Query("include_cancelled") == "true",
		SortBy:           c.Query("sort_by"),
		SortOrder:        c.Query("sort_order"),
		Page:             params.Page,
		Limit:            params.Limit,
	}

	invoices, total, err := h.invoiceService.ListInvoices(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, invoices, total, params.Page, params.Limit))
}

// GetInvoice returns a single invoice with its items
// @Summary      Get invoice
// @Description  Retrieves one invoice by ID, including cancelled ones
// @Tags         invoices
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      int  true  "Invoice ID"
// @Success      200  {object}  response.Response{data=service.InvoiceResponse}
// @Failure      404  {object}  response.Response
// @Router       /api/invoices/{id} [get]
func (h *InvoiceHandler) GetInvoice(c *gin.Context) {
	id, err := service.ParseID(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	organizationID, err := organizationFromQuery(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	invoice, err := h.invoiceService.GetInvoice(c.Request.Context(), organizationID, id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, invoice))
}

// UpdateInvoice edits invoice header fields
// @Summary      Update invoice
// @Description  Updates header fields (due date, insurance, payment method, notes); totals and invoice number never change here
// @Tags         invoices
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      int                            true  "Invoice ID"
// @Param        payload  body      service.UpdateInvoiceRequest  true  "Update Invoice Payload"
// @Success      200      {object}  response.Response{data=service.InvoiceResponse}
// @Failure      400      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Router       /api/invoices/{id} [put]
func (h *InvoiceHandler) UpdateInvoice(c *gin.Context) {
	id, err := service.ParseID(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req service.UpdateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	organizationID, err := organizationFromQuery(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	invoice, err := h.invoiceService.UpdateInvoice(c.Request.Context(), organizationID, id, req, middleware.UserIDFromContext(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, invoice))
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// UpdateInvoiceStatus moves an invoice through its status state machine
// @Summary      Update invoice status
// @Description  Applies a status transition (draft→open, open→paid, open→cancelled, paid→cancelled); anything else is rejected
// @Tags         invoices
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      int                  true  "Invoice ID"
// @Param        payload  body      updateStatusRequest  true  "Target status"
// @Success      200      {object}  response.Response{data=service.InvoiceResponse}
// @Failure      400      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/invoices/{id}/status [put]
func (h *InvoiceHandler) UpdateInvoiceStatus(c *gin.Context) {
	id, err := service.ParseID(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	organizationID, err := organizationFromQuery(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	invoice, err := h.invoiceService.UpdateInvoiceStatus(c.Request.Context(), organizationID, id, req.Status, middleware.UserIDFromContext(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, invoice))
}

// AddItem appends an item to a draft or open invoice
// @Summary      Add invoice item
// @Description  Adds a line item and recomputes the invoice totals in the same transaction
// @Tags         invoices
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      int                         true  "Invoice ID"
// @Param        payload  body      service.InvoiceItemRequest  true  "Invoice Item Payload"
// @Success      200      {object}  response.Response{data=service.InvoiceResponse}
// @Failure      400      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Router       /api/invoices/{id}/items [post]
func (h *InvoiceHandler) AddItem(c *gin.Context) {
	id, err := service.ParseID(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req service.InvoiceItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	organizationID, err := organizationFromQuery(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	invoice, err := h.invoiceService.AddItem(c.Request.Context(), organizationID, id, req, middleware.UserIDFromContext(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, invoice))
}

// UpdateItem edits an item of a draft or open invoice
// @Summary      Update invoice item
// @Description  Updates a line item and recomputes the invoice totals in the same transaction
// @Tags         invoices
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      int                               true  "Invoice ID"
// @Param        itemId   path      int                               true  "Item ID"
// @Param        payload  body      service.UpdateInvoiceItemRequest  true  "Invoice Item Update Payload"
// @Success      200      {object}  response.Response{data=service.InvoiceResponse}
// @Failure      400      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Router       /api/invoices/{id}/items/{itemId} [put]
func (h *InvoiceHandler) UpdateItem(c *gin.Context) {
	id, err := service.ParseID(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	itemID, err := service.ParseID(c.Param("itemId"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req service.UpdateInvoiceItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	organizationID, err := organizationFromQuery(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	invoice, err := h.invoiceService.UpdateItem(c.Request.Context(), organizationID, id, itemID, req, middleware.UserIDFromContext(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, invoice))
}

// RemoveItem deletes an item from a draft or open invoice
// @Summary      Remove invoice item
// @Description  Deletes a line item and recomputes the invoice totals in the same transaction
// @Tags         invoices
// @Security     BearerAuth
// @Produce      json
// @Param        id      path      int  true  "Invoice ID"
// @Param        itemId  path      int  true  "Item ID"
// @Success      200     {object}  response.Response{data=service.InvoiceResponse}
// @Failure      400     {object}  response.Response
// @Failure      404     {object}  response.Response
// @Router       /api/invoices/{id}/items/{itemId} [delete]
func (h *InvoiceHandler) RemoveItem(c *gin.Context) {
	id, err := service.ParseID(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	itemID, err := service.ParseID(c.Param("itemId"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	organizationID, err := organizationFromQuery(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	invoice, err := h.invoiceService.RemoveItem(c.Request.Context(), organizationID, id, itemID, middleware.UserIDFromContext(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, invoice))
}
