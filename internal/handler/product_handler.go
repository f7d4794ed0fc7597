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

type ProductHandler struct {
	productService service.ProductService
}

func NewProductHandler(productService service.ProductService) *ProductHandler {
	return &ProductHandler{productService: productService}
}

func (h *ProductHandler) RegisterRoutes(router *gin.RouterGroup) {
	anyStaff := middleware.RequireRole(model.RoleAdmin, model.RoleManager, model.RoleStaff)
	managers := middleware.RequireRole(model.RoleAdmin, model.RoleManager)

	products := router.Group("/api/products")
	{
		products.POST("", managers, h.CreateProduct)
		products.GET("", anyStaff, h.ListProducts)
		products.GET("/:id", anyStaff, h.GetProduct)
		products.PUT("/:id", managers, h.UpdateProduct)
		products.DELETE("/:id", managers, h.DeactivateProduct)
	}
}

// CreateProduct adds a catalog entry
// @Summary      Create product
// @Description  Creates a product (frame, lens, contact lens, or accessory)
// @Tags         products
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body      service.CreateProductRequest  true  "Create Product Payload"
// @Success      201      {object}  response.Response{data=model.Product}
// @Failure      400      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/products [post]
func (h *ProductHandler) CreateProduct(c *gin.Context) {
	var req service.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	product, err := h.productService.CreateProduct(c.Request.Context(), req, middleware.UserIDFromContext(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, product))
}

// ListProducts returns a paginated catalog list
// @Summary      List products
// @Description  Retrieves a paginated product list with optional search and filters
// @Tags         products
// @Security     BearerAuth
// @Produce      json
// @Param        search        query     string  false  "Search in name, brand, model, or SKU"
// @Param        product_type  query     string  false  "Filter by type (frame, lens, contact_lens, accessory)"
// @Param        active_only   query     bool    false  "Only active products"
// @Param        sort_by       query     string  false  "Sort field (created_at, name, brand, current_price)"
// @Param        sort_order    query     string  false  "asc or desc (default desc)"
// @Param        page          query     int     false  "Page number (default 1)"
// @Param        limit         query     int     false  "Number of items per page (default 20)"
// @Success      200           {object}  response.Response{data=response.PaginatedData}
// @Failure      400           {object}  response.Response
// @Router       /api/products [get]
func (h *ProductHandler) ListProducts(c *gin.Context) {
	params := pagination.Parse(c)

	organizationID, err := organizationFromQuery(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	products, total, err := h.productService.ListProducts(c.Request.Context(), service.ProductFilter{
		OrganizationID: organizationID,
		Search:         c.Query("search"),
		ProductType:    c.Query("product_type"),
		ActiveOnly:     c.Query("active_only") == "true",
		SortBy:         c.Query("sort_by"),
		SortOrder:      c.Query("sort_order"),
		Page:           params.Page,
		Limit:          params.Limit,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, products, total, params.Page, params.Limit))
}

// GetProduct returns a single product
// @Summary      Get product
// @Description  Retrieves one product by ID
// @Tags         products
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      int  true  "Product ID"
// @Success      200  {object}  response.Response{data=model.Product}
// @Failure      404  {object}  response.Response
// @Router       /api/products/{id} [get]
func (h *ProductHandler) GetProduct(c *gin.Context) {
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

	product, err := h.productService.GetProduct(c.Request.Context(), organizationID, id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, product))
}

// UpdateProduct edits a catalog entry
// @Summary      Update product
// @Description  Updates product fields; price changes never touch existing invoices
// @Tags         products
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      int                           true  "Product ID"
// @Param        payload  body      service.UpdateProductRequest  true  "Update Product Payload"
// @Success      200      {object}  response.Response{data=model.Product}
// @Failure      400      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/products/{id} [put]
func (h *ProductHandler) UpdateProduct(c *gin.Context) {
	id, err := service.ParseID(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req service.UpdateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	organizationID, err := organizationFromQuery(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	product, err := h.productService.UpdateProduct(c.Request.Context(), organizationID, id, req, middleware.UserIDFromContext(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, product))
}

// DeactivateProduct removes a product from the active catalog
// @Summary      Deactivate product
// @Description  Sets the product inactive; past invoice snapshots are unaffected
// @Tags         products
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      int  true  "Product ID"
// @Success      204  "No Content"
// @Failure      404  {object}  response.Response
// @Router       /api/products/{id} [delete]
func (h *ProductHandler) DeactivateProduct(c *gin.Context) {
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

	if err := h.productService.DeactivateProduct(c.Request.Context(), organizationID, id, middleware.UserIDFromContext(c)); err != nil {
		abortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
