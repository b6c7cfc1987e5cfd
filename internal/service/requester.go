package service

import "filegate/internal/middleware"

// Requester 描述一次请求的发起方，用于归属判断与审计。
type Requester struct {
	Subject   string
	Role      string
	IP        string
	UserAgent string
}

// Admin 报告发起方是否持有特权角色。
func (r Requester) Admin() bool {
	return r.Role == middleware.RoleAdmin
}
