package services

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go-dm/internal/apperr"
	"go-dm/internal/auth"
	"go-dm/internal/models"
	"go-dm/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// UserRepository 用户持久化（store.UserStore）。
type UserRepository interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	UpdateProfilePic(ctx context.Context, id, pic string) error
	ListOthers(ctx context.Context, id string) ([]models.User, error)
}

// ConversationIndex 会话最近活跃时间（store.ConversationStore）。
type ConversationIndex interface {
	RecentPeers(ctx context.Context, userID string) (map[string]time.Time, error)
}

// OnlineLister 在线用户视图（delivery.Broadcaster）。
type OnlineLister interface {
	OnlineUsers(ctx context.Context) []string
}

// Notifier 发送注册验证码（notify.LogNotifier）。
type Notifier interface {
	SendSignupCode(ctx context.Context, email, code string, ttl time.Duration) error
}

const (
	DefaultCodeTTL          = time.Minute
	DefaultCodeMaxAttempts  = 3
	DefaultPendingSignupTTL = 15 * time.Minute
)

// UserService 注册/登录/资料与侧边栏联系人。
// Pending 非 nil 时注册分两步：RequestSignup 发验证码，VerifySignup 通过后才创建用户。
type UserService struct {
	Users      UserRepository
	Convs      ConversationIndex        // 可选
	Online     OnlineLister             // 可选
	Media      Uploader                 // 可选
	Pending    store.PendingSignupStore // 可选
	Notifier   Notifier
	JWTSecret  string
	TokenTTL   time.Duration
	BcryptCost int // <=0 使用默认 cost

	CodeTTL          time.Duration
	CodeMaxAttempts  int
	PendingSignupTTL time.Duration

	now func() time.Time
	log zerolog.Logger
}

func NewUserService(users UserRepository, jwtSecret string, log zerolog.Logger) *UserService {
	return &UserService{
		Users:            users,
		JWTSecret:        jwtSecret,
		TokenTTL:         auth.DefaultTTL,
		CodeTTL:          DefaultCodeTTL,
		CodeMaxAttempts:  DefaultCodeMaxAttempts,
		PendingSignupTTL: DefaultPendingSignupTTL,
		now:              time.Now,
		log:              log.With().Str("component", "user-service").Logger(),
	}
}

type SignupRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session 登录态：用户与签发的令牌。
type Session struct {
	User  *models.User
	Token string
}

// Signup 校验并创建用户，成功后直接签发令牌。
func (s *UserService) Signup(ctx context.Context, req SignupRequest) (*Session, error) {
	name, email, hash, err := s.prepareSignup(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.createUser(ctx, name, email, hash)
}

// VerificationRequired 注册是否需要邮箱验证码。
func (s *UserService) VerificationRequired() bool { return s.Pending != nil }

// RequestSignup 校验注册信息，保存为待验证记录并发送验证码；返回规范化后的邮箱。
func (s *UserService) RequestSignup(ctx context.Context, req SignupRequest) (string, error) {
	if s.Pending == nil {
		return "", apperr.Internal("signup verification is not configured", nil)
	}
	name, email, hash, err := s.prepareSignup(ctx, req)
	if err != nil {
		return "", err
	}
	p := &models.PendingSignup{Email: email, FullName: name, PasswordHash: hash}
	if err := s.issueCode(ctx, p); err != nil {
		return "", err
	}
	return email, nil
}

// VerifySignup 校验验证码，通过后创建用户并签发令牌。
// 失败次数达到上限后记录作废，需重新获取验证码。
func (s *UserService) VerifySignup(ctx context.Context, email, code string) (*Session, error) {
	email = normalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return nil, apperr.Validation("Email and OTP are required")
	}
	if s.Pending == nil {
		return nil, apperr.Validation("OTP not found or expired")
	}
	p, err := s.Pending.Get(ctx, email)
	if err != nil {
		return nil, apperr.Persistence("load pending signup", err)
	}
	if p == nil || !s.now().Before(p.CodeExpiresAt) {
		return nil, apperr.Validation("OTP not found or expired")
	}
	if p.Attempts >= p.MaxAttempts {
		if err := s.Pending.Delete(ctx, email); err != nil {
			s.log.Warn().Err(err).Msg("delete pending signup")
		}
		return nil, apperr.RateLimited("Too many attempts. Please request a new code.")
	}
	if !auth.VerifyPassword(p.CodeHash, code) {
		if err := s.Pending.IncrAttempts(ctx, email); err != nil {
			s.log.Warn().Err(err).Msg("count failed verification")
		}
		return nil, apperr.Validation("Invalid OTP")
	}

	sess, err := s.createUser(ctx, p.FullName, email, p.PasswordHash)
	if err != nil {
		return nil, err
	}
	if err := s.Pending.Delete(ctx, email); err != nil {
		s.log.Warn().Err(err).Msg("delete pending signup")
	}
	return sess, nil
}

// ResendSignupCode 为仍在保留期内的待验证注册重新签发验证码，失败计数归零。
func (s *UserService) ResendSignupCode(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return apperr.Validation("Email required")
	}
	if s.Pending == nil {
		return apperr.NotFound("No pending verification found")
	}
	p, err := s.Pending.Get(ctx, email)
	if err != nil {
		return apperr.Persistence("load pending signup", err)
	}
	if p == nil {
		return apperr.NotFound("No pending verification found")
	}
	if p.Attempts >= p.MaxAttempts {
		return apperr.RateLimited("Resend limit reached")
	}
	return s.issueCode(ctx, p)
}

func (s *UserService) issueCode(ctx context.Context, p *models.PendingSignup) error {
	code, err := newCode()
	if err != nil {
		return apperr.Internal("generate code", err)
	}
	if p.CodeHash, err = auth.HashPassword(code, s.BcryptCost); err != nil {
		return apperr.Internal("hash code", err)
	}
	now := s.now()
	p.Attempts = 0
	p.MaxAttempts = s.CodeMaxAttempts
	p.CodeExpiresAt = now.Add(s.CodeTTL)
	p.ExpiresAt = now.Add(s.PendingSignupTTL)
	if err := s.Pending.Put(ctx, p); err != nil {
		return apperr.Persistence("save pending signup", err)
	}
	if s.Notifier == nil {
		return nil
	}
	// 发送失败不影响注册，用户可以重新获取
	if err := s.Notifier.SendSignupCode(ctx, p.Email, code, s.CodeTTL); err != nil {
		s.log.Warn().Err(err).Msg("send signup code")
	}
	return nil
}

// newCode 六位数字验证码。
func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}

func normalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// prepareSignup 规范化并校验注册信息，返回 (姓名, 邮箱, 密码哈希)。
func (s *UserService) prepareSignup(ctx context.Context, req SignupRequest) (string, string, string, error) {
	name := strings.TrimSpace(req.FullName)
	email := normalizeEmail(req.Email)
	password := strings.TrimSpace(req.Password)
	if err := validateSignup(name, email, password); err != nil {
		return "", "", "", err
	}

	existing, err := s.Users.GetByEmail(ctx, email)
	if err != nil {
		return "", "", "", apperr.Persistence("lookup user", err)
	}
	if existing != nil {
		return "", "", "", apperr.Validation("Email already exists")
	}

	hash, err := auth.HashPassword(password, s.BcryptCost)
	if err != nil {
		return "", "", "", apperr.Internal("hash password", err)
	}
	return name, email, hash, nil
}

func (s *UserService) createUser(ctx context.Context, name, email, hash string) (*Session, error) {
	u := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		FullName:     name,
		PasswordHash: hash,
	}
	if err := s.Users.CreateUser(ctx, u); err != nil {
		// 并发注册同一邮箱时由唯一索引兜底
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, apperr.Validation("Email already exists")
		}
		return nil, apperr.Persistence("create user", err)
	}
	s.log.Info().Str("user_id", u.ID).Msg("user signed up")
	return s.session(u)
}

// Login 邮箱不存在与密码错误返回同一文案。
func (s *UserService) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, apperr.Validation("All fields are required")
	}
	u, err := s.Users.GetByEmail(ctx, email)
	if err != nil {
		return nil, apperr.Persistence("lookup user", err)
	}
	if u == nil || !auth.VerifyPassword(u.PasswordHash, req.Password) {
		return nil, apperr.Validation("Invalid credentials")
	}
	return s.session(u)
}

func (s *UserService) session(u *models.User) (*Session, error) {
	token, err := auth.SignJWT(s.JWTSecret, u.ID, s.TokenTTL)
	if err != nil {
		return nil, apperr.Internal("sign token", err)
	}
	return &Session{User: u, Token: token}, nil
}

// Me 返回当前用户；令牌有效但用户已不存在视为未登录。
func (s *UserService) Me(ctx context.Context, userID string) (*models.User, error) {
	u, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, apperr.Persistence("lookup user", err)
	}
	if u == nil {
		return nil, apperr.Unauthenticated("Unauthorized - User not found")
	}
	return u, nil
}

func (s *UserService) UpdateProfilePic(ctx context.Context, userID, payload string) (*models.User, error) {
	if payload == "" {
		return nil, apperr.Validation("Profile pic is required")
	}
	if s.Media == nil {
		return nil, apperr.Upload("image upload is not configured", nil, false)
	}
	url, err := s.Media.Upload(ctx, payload)
	if err != nil {
		if apperr.IsKind(err, apperr.KindUpload) {
			return nil, err
		}
		return nil, apperr.Upload("image upload failed", err, false)
	}
	if err := s.Users.UpdateProfilePic(ctx, userID, url); err != nil {
		return nil, apperr.Persistence("update profile", err)
	}
	return s.Me(ctx, userID)
}

// Roster 侧边栏：除自己外的所有用户，附在线状态；
// 有过会话的按最近消息时间倒序排在前面，其余按姓名。
func (s *UserService) Roster(ctx context.Context, userID string) ([]models.RosterEntry, error) {
	users, err := s.Users.ListOthers(ctx, userID)
	if err != nil {
		return nil, apperr.Persistence("list users", err)
	}

	var recent map[string]time.Time
	if s.Convs != nil {
		if recent, err = s.Convs.RecentPeers(ctx, userID); err != nil {
			// 排序信息缺失不影响联系人列表本身
			s.log.Warn().Err(err).Str("user_id", userID).Msg("load conversation recency")
			recent = nil
		}
	}
	online := map[string]bool{}
	if s.Online != nil {
		for _, id := range s.Online.OnlineUsers(ctx) {
			online[id] = true
		}
	}

	out := make([]models.RosterEntry, 0, len(users))
	for _, u := range users {
		e := models.RosterEntry{ID: u.ID, FullName: u.FullName, ProfilePic: u.ProfilePic, Online: online[u.ID]}
		if at, ok := recent[u.ID]; ok {
			at := at
			e.LastMessageAt = &at
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a != nil && b != nil:
			if !a.Equal(*b) {
				return a.After(*b)
			}
		case a != nil:
			return true
		case b != nil:
			return false
		}
		return out[i].FullName < out[j].FullName
	})
	return out, nil
}

func validateSignup(name, email, password string) error {
	if name == "" || email == "" || password == "" {
		return apperr.Validation("All fields are required")
	}
	if n := utf8.RuneCountInString(name); n < 3 || n > 50 {
		return apperr.Validation("Full name must be between 3 and 50 characters")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return apperr.Validation("Invalid email format")
	}
	if !strongPassword(password) {
		return apperr.Validation("Password must be at least 8 chars, include uppercase, lowercase, number, and symbol")
	}
	return nil
}

func strongPassword(p string) bool {
	if utf8.RuneCountInString(p) < 8 {
		return false
	}
	var upper, lower, digit, symbol bool
	for _, r := range p {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	return upper && lower && digit && symbol
}
