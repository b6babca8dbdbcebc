package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lumacart/identity/internal/account"
	"github.com/lumacart/identity/internal/domain"
	"github.com/lumacart/identity/internal/gatekeeper"
)

// AccountHandler serves account lifecycle endpoints.
type AccountHandler struct {
	Accounts *account.Service
}

// NewAccountHandler creates the handler set.
func NewAccountHandler(accounts *account.Service) *AccountHandler {
	return &AccountHandler{Accounts: accounts}
}

type accountView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Phone     string    `json:"phone,omitempty"`
	Roles     []string  `json:"roles"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toView(a domain.Account) accountView {
	return accountView{
		ID:        strconv.FormatInt(a.ID, 10),
		Username:  a.Username,
		Email:     a.Email,
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Phone:     a.Phone,
		Roles:     a.Roles,
		Active:    a.Active,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// Register creates a new account.
func (h *AccountHandler) Register(c *gin.Context) {
	var req struct {
		Email     string `json:"email" binding:"required"`
		Username  string `json:"username" binding:"required"`
		Password  string `json:"password" binding:"required"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Phone     string `json:"phone"`
		Role      string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             domain.ErrCodeInvalidRequest,
			"error_description": "email, username and password are required",
		})
		return
	}

	created, err := h.Accounts.Register(c.Request.Context(), account.RegisterInput{
		Email:     req.Email,
		Username:  req.Username,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		Role:      req.Role,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toView(created))
}

// Me returns the caller's own account record.
func (h *AccountHandler) Me(c *gin.Context) {
	principal, ok := gatekeeper.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	id, err := strconv.ParseInt(principal.Subject, 10, 64)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	acct, err := h.Accounts.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toView(acct))
}

// Get returns the account named in the path.
func (h *AccountHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	acct, err := h.Accounts.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toView(acct))
}

// Update applies a partial profile update. Absent fields stay untouched.
func (h *AccountHandler) Update(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req struct {
		Email     *string `json:"email"`
		FirstName *string `json:"first_name"`
		LastName  *string `json:"last_name"`
		Phone     *string `json:"phone"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             domain.ErrCodeInvalidRequest,
			"error_description": "malformed update request",
		})
		return
	}

	acct, err := h.Accounts.Update(c.Request.Context(), id, domain.AccountUpdate{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toView(acct))
}

// ChangePassword rotates the caller's password after verifying the old one.
func (h *AccountHandler) ChangePassword(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req struct {
		OldPassword string `json:"old_password" binding:"required"`
		NewPassword string `json:"new_password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             domain.ErrCodeInvalidRequest,
			"error_description": "old_password and new_password are required",
		})
		return
	}

	if err := h.Accounts.ChangePassword(c.Request.Context(), id, req.OldPassword, req.NewPassword); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Deactivate retires the account and revokes its refresh tokens. The record
// is kept; nothing is deleted.
func (h *AccountHandler) Deactivate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.Accounts.Deactivate(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             domain.ErrCodeInvalidRequest,
			"error_description": "account id must be numeric",
		})
		return 0, false
	}
	return id, true
}
