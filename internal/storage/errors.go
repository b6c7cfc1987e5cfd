package storage

import "errors"

// ErrObjectNotFound 表示目标对象不在存储中。
var ErrObjectNotFound = errors.New("storage: object not found")
