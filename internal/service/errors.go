package service

import (
	"errors"
)

const (
	BadRequest          = 400
	Unauthorized        = 401
	NotFound            = 404
	InternalServerError = 500
)

var (
	ErrParamInvalid            = errors.New("参数错误")
	ErrUserNotFound            = errors.New("用户不存在")
	ErrUserBan                 = errors.New("用户已被封禁")
	ErrUserExist               = errors.New("用户已存在")
	ErrUserUsernameExist       = errors.New("用户名已存在")
	ErrPasswordIncorrect       = errors.New("密码错误")
	ErrMissingLoginCredentials = errors.New("缺少登录凭据")
	ErrFileNotSupported        = errors.New("不支持的文件类型")
	ErrTargetUserInvalid       = errors.New("目标用户无效")
	ErrConversationNotFound    = errors.New("会话不存在")
	ErrNotConversationMember   = errors.New("不是会话成员")
	ErrMessageNotFound         = errors.New("消息不存在")
	ErrNotMessageOwner         = errors.New("只能操作自己的消息")
	UnauthorizedError          = errors.New("权限不足")
	UnExpectedError            = errors.New("系统异常，请稍后重试")
)

var ErrorMap = map[error]int{
	ErrParamInvalid:            BadRequest,
	ErrUserNotFound:            NotFound,
	ErrUserBan:                 Unauthorized,
	ErrUserExist:               BadRequest,
	ErrUserUsernameExist:       BadRequest,
	ErrPasswordIncorrect:       Unauthorized,
	ErrMissingLoginCredentials: Unauthorized,
	ErrFileNotSupported:        BadRequest,
	ErrTargetUserInvalid:       BadRequest,
	ErrConversationNotFound:    NotFound,
	ErrNotConversationMember:   Unauthorized,
	ErrMessageNotFound:         NotFound,
	ErrNotMessageOwner:         Unauthorized,
	UnauthorizedError:          Unauthorized,
	UnExpectedError:            InternalServerError,
}
