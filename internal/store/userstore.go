package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go-dm/internal/models"

	"github.com/go-sql-driver/mysql"
)

// ErrDuplicateEmail 邮箱已被注册（users.email 唯一键冲突）。
var ErrDuplicateEmail = errors.New("email already registered")

const mysqlErrDupEntry = 1062

// 用户存储
type UserStore struct {
	DB  *sql.DB
	now func() time.Time
}

func NewUserStore(db *sql.DB) *UserStore { return &UserStore{DB: db, now: time.Now} }

const userColumns = `id, email, full_name, password_hash, profile_pic, created_at, updated_at`

// 创建用户
func (s *UserStore) CreateUser(ctx context.Context, u *models.User) error {
	now := s.now().UTC().Truncate(time.Second)
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users(`+userColumns+`) VALUES(?,?,?,?,?,?,?)`,
		u.ID, u.Email, u.FullName, u.PasswordHash, u.ProfilePic, u.CreatedAt, u.UpdatedAt)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlErrDupEntry {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// 按邮箱查询；不存在返回 nil, nil
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, email)
	return scanUser(row)
}

// 按 ID 查询；不存在返回 nil, nil
func (s *UserStore) GetByID(ctx context.Context, userID string) (*models.User, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, userID)
	return scanUser(row)
}

// 更新头像
func (s *UserStore) UpdateProfilePic(ctx context.Context, userID, pic string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE users SET profile_pic=?, updated_at=? WHERE id=?`, pic, s.now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("update profile pic: %w", err)
	}
	return nil
}

// ListOthers 列出除 userID 外的全部用户（侧边栏联系人），按姓名排序。
func (s *UserStore) ListOthers(ctx context.Context, userID string) ([]models.User, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE id<>? ORDER BY full_name ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (*models.User, error) {
	u := &models.User{}
	var pic sql.NullString
	if err := r.Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &pic, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.ProfilePic = pic.String
	return u, nil
}
