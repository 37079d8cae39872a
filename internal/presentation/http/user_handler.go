package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"go-dm/internal/auth"
	"go-dm/internal/models"
	"go-dm/internal/services"
)

// UserHandler 认证与资料接口
type UserHandler struct {
	users        *services.UserService
	cookieSecure bool
}

func NewUserHandler(users *services.UserService, cookieSecure bool) *UserHandler {
	return &UserHandler{users: users, cookieSecure: cookieSecure}
}

// userResponse 用户信息，登录/注册时附带令牌
type userResponse struct {
	*models.User
	Token string `json:"token,omitempty"`
}

// Signup 用户注册；开启邮箱验证时只发送验证码，由 VerifyOTP 完成注册
func (h *UserHandler) Signup(c *gin.Context) {
	var req services.SignupRequest
	if !bindJSON(c, &req) {
		return
	}
	if h.users.VerificationRequired() {
		email, err := h.users.RequestSignup(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message": "Verification code sent", "email": email})
		return
	}
	sess, err := h.users.Signup(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	h.setCookie(c, sess.Token)
	c.JSON(http.StatusCreated, userResponse{User: sess.User, Token: sess.Token})
}

// VerifyOTP 校验注册验证码，通过后登录
func (h *UserHandler) VerifyOTP(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
	}
	if !bindJSON(c, &req) {
		return
	}
	sess, err := h.users.VerifySignup(c.Request.Context(), req.Email, req.OTP)
	if err != nil {
		writeError(c, err)
		return
	}
	h.setCookie(c, sess.Token)
	c.JSON(http.StatusOK, userResponse{User: sess.User, Token: sess.Token})
}

func (h *UserHandler) ResendOTP(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if err := h.users.ResendSignupCode(c.Request.Context(), req.Email); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "OTP resent"})
}

// Login 用户登录
func (h *UserHandler) Login(c *gin.Context) {
	var req services.LoginRequest
	if !bindJSON(c, &req) {
		return
	}
	sess, err := h.users.Login(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	h.setCookie(c, sess.Token)
	c.JSON(http.StatusOK, userResponse{User: sess.User, Token: sess.Token})
}

func (h *UserHandler) Logout(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(auth.CookieName, "", -1, "/", "", h.cookieSecure, true)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

// Check 返回当前登录用户
func (h *UserHandler) Check(c *gin.Context) {
	u, err := h.users.Me(c.Request.Context(), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, userResponse{User: u})
}

// UpdateProfile 更新头像
func (h *UserHandler) UpdateProfile(c *gin.Context) {
	var req struct {
		ProfilePic string `json:"profilePic"`
	}
	if !bindJSON(c, &req) {
		return
	}
	u, err := h.users.UpdateProfilePic(c.Request.Context(), auth.UserID(c), req.ProfilePic)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, userResponse{User: u})
}

// Roster 侧边栏联系人
func (h *UserHandler) Roster(c *gin.Context) {
	list, err := h.users.Roster(c.Request.Context(), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *UserHandler) setCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(auth.CookieName, token, int(h.users.TokenTTL.Seconds()), "/", "", h.cookieSecure, true)
}
