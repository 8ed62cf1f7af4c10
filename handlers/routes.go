package handlers

import (
	"github.com/pocketbase/pocketbase/core"

	"voucher-system/security"
)

// Routes groups the handlers mounted on the PocketBase router.
type Routes struct {
	Vouchers    *VoucherHandler
	Leases      *LeaseHandler
	Admin       *AdminHandler
	Health      *HealthHandler
	Limiter     *security.RateLimiter
	Development bool
}

func (r *Routes) Register(se *core.ServeEvent) {
	v1 := se.Router.Group("/api/v1")

	// Voucher endpoints
	issue := v1.POST("/events/{eventId}/vouchers", r.Vouchers.IssueVoucher)
	if r.Limiter != nil {
		issue.Bind(r.Limiter.AntiBot(), r.Limiter.Middleware("voucher_issue"))
	}
	v1.GET("/events/{eventId}/vouchers", r.Vouchers.ListVouchers)
	v1.POST("/vouchers/{code}/redeem", r.Vouchers.RedeemVoucher)
	v1.DELETE("/vouchers/{voucherId}", r.Vouchers.DeleteVoucher)

	// Edit lock endpoints
	v1.POST("/events/{eventId}/lock", r.Leases.AcquireLock)
	v1.POST("/events/{eventId}/lock/renew", r.Leases.RenewLock)
	v1.DELETE("/events/{eventId}/lock", r.Leases.ReleaseLock)

	// Admin endpoints
	v1.GET("/admin/jobs", r.Admin.ListJobs)
	v1.GET("/admin/jobs/counts", r.Admin.JobCounts)
	v1.GET("/admin/jobs/{jobId}", r.Admin.GetJob)
	v1.POST("/admin/jobs/{jobId}/retry", r.Admin.RetryJob)
	v1.GET("/admin/scheduler", r.Admin.SchedulerStatus)

	if r.Development {
		v1.POST("/test/enqueue-job", r.Admin.EnqueueTestJob)
	}

	se.Router.GET("/health", r.Health.Health)
}
