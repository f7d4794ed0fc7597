package handler

import (
	"net/http"

	"backend/internal/middleware"
	"backend/internal/model"
	"backend/internal/service"
	"backend/pkg/pagination"
	"backend/pkg/response"

	"github.com/gin-gonic/gin"
)

type CustomerHandler struct {
	customerService service.CustomerService
}

func NewCustomerHandler(customerService service.CustomerService) *CustomerHandler {
	return &CustomerHandler{customerService: customerService}
}

func (h *CustomerHandler) RegisterRoutes(router *gin.RouterGroup) {
	anyStaff := middleware.RequireRole(model.RoleAdmin, model.RoleManager, model.RoleStaff)
	managers := middleware.RequireRole(model.RoleAdmin, model.RoleManager)

	customers := router.Group("/api/customers")
	{
		customers.POST("", anyStaff, h.CreateCustomer)
		customers.GET("", anyStaff, h.ListCustomers)
		customers.GET("/:id", anyStaff, h.GetCustomer)
		customers.PUT("/:id", anyStaff, h.UpdateCustomer)
		customers.DELETE("/:id", managers, h.ArchiveCustomer)
	}
}

// CreateCustomer registers a new customer
// @Summary      Create customer
// @Description  Creates a customer record with optional optical prescription and insurance data
// @Tags         customers
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body      service.CreateCustomerRequest  true  "Create Customer Payload"
// @Success      201      {object}  response.Response{data=model.Customer}
// @Failure      400      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/customers [post]
func (h *CustomerHandler) CreateCustomer(c *gin.Context) {
	var req service.CreateCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	customer, err := h.customerService.CreateCustomer(c.Request.Context(), req, middleware.UserIDFromContext(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, customer))
}

// ListCustomers returns a paginated customer list
// @Summary      List customers
// @Description  Retrieves a paginated customer list with optional search and filters
// @Tags         customers
// @Security     BearerAuth
// @Produce      json
// @Param        search          query     string  false  "Search in name or email"
// @Param        status          query     string  false  "Filter by status (aktiv, inaktiv, interessent, archiviert)"
// @Param        insurance_type  query     string  false  "Filter by insurance type (gesetzlich, privat, selbstzahler)"
// @Param        sort_by         query     string  false  "Sort field (created_at, last_name, first_name, status)"
// @Param        sort_order      query     string  false  "asc or desc (default desc)"
// @Param        page            query     int     false  "Page number (default 1)"
// @Param        limit           query     int     false  "Number of items per page (default 20)"
// @Success      200             {object}  response.Response{data=response.PaginatedData}
// @Failure      500             {object}  response.Response
// @Router       /api/customers [get]
func (h *CustomerHandler) ListCustomers(c *gin.Context) {
	params := pagination.Parse(c)

	organizationID, err := organizationFromQuery(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	customers, total, err := h.customerService.ListCustomers(c.Request.Context(), service.CustomerFilter{
		OrganizationID: organizationID,
		Search:         c.Query("search"),
		Status:         c.Query("status"),
		InsuranceType:  c.Query("insurance_type"),
		SortBy:         c.Query("sort_by"),
		SortOrder:      c.Query("sort_order"),
		Page:           params.Page,
		Limit:          params.Limit,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, customers, total, params.Page, params.Limit))
}

// GetCustomer returns a single customer
// @Summary      Get customer
// @Description  Retrieves one customer by ID
// @Tags         customers
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      int  true  "Customer ID"
// @Success      200  {object}  response.Response{data=model.Customer}
// @Failure      404  {object}  response.Response
// @Router       /api/customers/{id} [get]
func (h *CustomerHandler) GetCustomer(c *gin.Context) {
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

	customer, err := h.customerService.GetCustomer(c.Request.Context(), organizationID, id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, customer))
}

// UpdateCustomer edits a customer record
// @Summary      Update customer
// @Description  Updates customer fields; prescription values are range-checked
// @Tags         customers
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      int                            true  "Customer ID"
// @Param        payload  body      service.UpdateCustomerRequest  true  "Update Customer Payload"
// @Success      200      {object}  response.Response{data=model.Customer}
// @Failure      400      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/customers/{id} [put]
func (h *CustomerHandler) UpdateCustomer(c *gin.Context) {
	id, err := service.ParseID(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req service.UpdateCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	organizationID, err := organizationFromQuery(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	customer, err := h.customerService.UpdateCustomer(c.Request.Context(), organizationID, id, req, middleware.UserIDFromContext(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, customer))
}

// ArchiveCustomer archives a customer instead of deleting
// @Summary      Archive customer
// @Description  Sets the customer status to archiviert; invoices keep their reference
// @Tags         customers
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      int  true  "Customer ID"
// @Success      204  "No Content"
// @Failure      404  {object}  response.Response
// @Router       /api/customers/{id} [delete]
func (h *CustomerHandler) ArchiveCustomer(c *gin.Context) {
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

	if err := h.customerService.ArchiveCustomer(c.Request.Context(), organizationID, id, middleware.UserIDFromContext(c)); err != nil {
		abortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
