package domain

import (
	"errors"
	"fmt"
)

// 错误分类：校验失败、资源不存在、资源冲突。
// 存储故障与外部协作方故障不在此定义，由各层包装底层错误返回。
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)

// 具体业务错误，均包装上面的分类错误，可用 errors.Is 判断类别。
var (
	ErrMessageNotFound     = fmt.Errorf("message %w", ErrNotFound)
	ErrTicketNotFound      = fmt.Errorf("ticket %w", ErrNotFound)
	ErrAssociationNotFound = fmt.Errorf("%w: message is not linked to ticket", ErrValidation)
	ErrNoMessagesLinked    = fmt.Errorf("%w: no valid emails could be linked to the ticket", ErrValidation)
	ErrMessageHasTickets   = fmt.Errorf("%w: message is linked to tickets", ErrConflict)
	ErrMessageExists       = fmt.Errorf("%w: message already exists", ErrConflict)
	ErrAlreadyAnalyzed     = fmt.Errorf("%w: message already analyzed", ErrConflict)
)

// Validationf 构造一个校验错误
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsValidation 判断是否为校验错误
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound 判断是否为资源不存在错误
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict 判断是否为资源冲突错误
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
