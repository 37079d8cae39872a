// Package apperr 定义服务对外的错误分类，并统一映射为 HTTP 状态码。
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation       Kind = "VALIDATION"
	KindUnauthenticated  Kind = "UNAUTHENTICATED"
	KindPersistence      Kind = "PERSISTENCE"
	KindCacheUnavailable Kind = "CACHE_UNAVAILABLE"
	KindUpload           Kind = "UPLOAD"
	KindConflict         Kind = "CONFLICT"
	KindNotFound         Kind = "NOT_FOUND"
	KindRateLimited      Kind = "RATE_LIMIT"
	KindInternal         Kind = "INTERNAL"
)

type Error struct {
	Kind    Kind
	Message string
	Cause   error
	// Status 覆盖默认状态码（0 表示按 Kind 映射）
	Status int
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, msg string) error { return &Error{Kind: kind, Message: msg} }

func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func Validation(msg string) error      { return New(KindValidation, msg) }
func Unauthenticated(msg string) error { return New(KindUnauthenticated, msg) }
func Conflict(msg string) error        { return New(KindConflict, msg) }
func NotFound(msg string) error        { return New(KindNotFound, msg) }
func RateLimited(msg string) error     { return New(KindRateLimited, msg) }

func Persistence(msg string, cause error) error { return Wrap(KindPersistence, msg, cause) }

func CacheUnavailable(msg string, cause error) error {
	return Wrap(KindCacheUnavailable, msg, cause)
}

func Internal(msg string, cause error) error { return Wrap(KindInternal, msg, cause) }

// Upload 媒体上传失败；clientFault=true 表示载荷本身不合法（4xx），否则为存储侧故障（5xx）。
func Upload(msg string, cause error, clientFault bool) error {
	status := http.StatusInternalServerError
	if clientFault {
		status = http.StatusBadRequest
	}
	return &Error{Kind: KindUpload, Message: msg, Cause: cause, Status: status}
}

// KindOf 返回错误链上第一个 *Error 的分类；非本包错误视为 Internal。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// HTTPStatus 将错误映射为 HTTP 状态码。
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCacheUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage 返回可以直接展示给客户端的文案，内部错误不暴露细节。
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "Internal server error"
	}
	switch e.Kind {
	case KindPersistence, KindInternal, KindCacheUnavailable:
		return "Internal server error"
	}
	if e.Kind == KindUpload && e.Status >= http.StatusInternalServerError {
		return "Image upload failed"
	}
	return e.Message
}
