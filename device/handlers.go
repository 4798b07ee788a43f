package main

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/warden/pkg/app"
	"github.com/haasonsaas/warden/pkg/auth"
	"github.com/haasonsaas/warden/pkg/config"
	"github.com/haasonsaas/warden/pkg/encryption"
	"github.com/haasonsaas/warden/pkg/enforcement"
	"github.com/haasonsaas/warden/pkg/health"
	"github.com/haasonsaas/warden/pkg/pairing"
)

const maxAdminBody = 64 << 10

type statusResponse struct {
	DeviceID string             `json:"device_id"`
	Version  string             `json:"version"`
	Machine  app.Snapshot       `json:"machine"`
	Lockdown enforcement.Status `json:"lockdown"`
	Pairing  pairing.Stats      `json:"pairing"`
	Binding  *pairing.Binding   `json:"binding,omitempty"`
}

type healthResponse struct {
	*health.HealthStatus
	Locked bool `json:"locked"`
}

type secretRequest struct {
	Secret string `json:"secret"`
}

func (d *Device) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(d.log), d.observeAccess)

	r.GET("/v1/health", d.handleHealth)
	r.GET("/v1/status", d.handleStatus)
	r.GET("/v1/ids/stats", d.handleIDSStats)
	r.GET("/v1/boot/stats", d.handleBootStats)

	claim := r.Group("/v1/claim", d.requireClaimTransport)
	claim.GET("/challenge", d.handleClaimChallenge)
	claim.POST("/response", d.handleClaimResponse)

	admin := r.Group("/v1/admin", d.requireOperator)
	admin.POST("/lockdown/clear", d.handleClearLockdown)
	gated := admin.Group("", d.rejectWhileLocked)
	gated.POST("/boot/reset", d.handleResetBoot)
	gated.POST("/reclaim", d.handleReclaim)
	gated.POST("/keys/rotate", d.handleRotateKeys)
	gated.PUT("/pairing/secret", d.handleProvisionSecret)

	r.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "not found", d.log)
	})
	return r
}

// observeAccess hands every request path to the unauthorized access monitor.
func (d *Device) observeAccess(c *gin.Context) {
	if d.cfg.Admin.UnknownRouteReport {
		d.ids.RecordAccess(c.Request.URL.Path)
	}
	c.Next()
}

func (d *Device) rejectWhileLocked(c *gin.Context) {
	if d.lockdown.IsSystemLocked() {
		respondError(c, http.StatusLocked, "device locked: "+d.lockdown.Status().Reason, d.log)
		return
	}
	c.Next()
}

// requireClaimTransport serves the claim bridge only while lockdown has not
// switched it off.
func (d *Device) requireClaimTransport(c *gin.Context) {
	if !d.claimHTTP.Enabled() {
		respondError(c, http.StatusLocked, "claim transport disabled", d.log)
		return
	}
	c.Next()
}

// requireOperator verifies the signed admin request, rejects replays and
// rate limits per TCP peer address. Failures count towards brute force
// detection.
func (d *Device) requireOperator(c *gin.Context) {
	if d.operatorKey == nil {
		respondError(c, http.StatusServiceUnavailable, "admin API disabled", d.log)
		return
	}
	if !d.limiter.Allow(c.RemoteIP()) {
		respondError(c, http.StatusTooManyRequests, "rate limit exceeded", d.log)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxAdminBody))
	if err != nil {
		respondError(c, http.StatusBadRequest, "failed to read body", d.log)
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	signed, err := auth.FromHTTP(c.Request, body)
	if err == nil {
		err = auth.VerifySignedRequest(d.operatorKey, signed, time.Duration(d.cfg.Admin.MaxAgeS)*time.Second)
	}
	if err == nil {
		err = d.nonces.CheckAndStore(signed.Operator, signed.Nonce, signed.Timestamp)
	}
	if err != nil {
		d.ids.RecordAuthFailure(c.Request.URL.Path)
		respondError(c, http.StatusUnauthorized, err.Error(), d.log)
		return
	}

	c.Set(operatorContextKey, signed.Operator)
	c.Set(bodyContextKey, body)
	c.Next()
}

func operatorOf(c *gin.Context) string {
	return c.GetString(operatorContextKey)
}

func (d *Device) handleHealth(c *gin.Context) {
	status := health.Check(c.Request.Context(), d.network, d.clock)
	c.JSON(http.StatusOK, healthResponse{HealthStatus: status, Locked: d.lockdown.IsSystemLocked()})
}

func (d *Device) handleStatus(c *gin.Context) {
	resp := statusResponse{
		DeviceID: d.cfg.Device.ID,
		Version:  Version,
		Machine:  d.machine.Snapshot(),
		Lockdown: d.lockdown.Status(),
		Pairing:  d.claim.Stats(),
	}
	if b, err := d.claim.Binding(c.Request.Context()); err == nil {
		resp.Binding = &b
	}
	c.JSON(http.StatusOK, resp)
}

func (d *Device) handleIDSStats(c *gin.Context) {
	c.JSON(http.StatusOK, d.ids.PrintIDSStatistics())
}

func (d *Device) handleBootStats(c *gin.Context) {
	c.JSON(http.StatusOK, d.validator.PrintBootSecurityStats(c.Request.Context()))
}

func (d *Device) handleClaimChallenge(c *gin.Context) {
	challenge, ok := d.bridge.Current()
	if !ok {
		respondError(c, http.StatusNotFound, "no claim challenge outstanding", d.log)
		return
	}
	c.JSON(http.StatusOK, challenge)
}

func (d *Device) handleClaimResponse(c *gin.Context) {
	var resp pairing.Response
	if err := c.ShouldBindJSON(&resp); err != nil {
		respondError(c, http.StatusBadRequest, "invalid claim response", d.log)
		return
	}
	if resp.ChildID == "" || len(resp.Signature) == 0 {
		respondError(c, http.StatusBadRequest, "child_id and signature are required", d.log)
		return
	}
	if err := d.bridge.Submit(resp); err != nil {
		if errors.Is(err, pairing.ErrNoChallenge) {
			respondError(c, http.StatusConflict, err.Error(), d.log)
			return
		}
		respondError(c, http.StatusInternalServerError, err.Error(), d.log)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "submitted"})
}

func (d *Device) handleClearLockdown(c *gin.Context) {
	operator := operatorOf(c)
	err := d.lockdown.Clear(operator)
	d.audit(operator, "lockdown.clear", requestID(c), err)
	switch {
	case errors.Is(err, enforcement.ErrNotLocked):
		respondError(c, http.StatusConflict, err.Error(), d.log)
	case err != nil:
		respondError(c, http.StatusInternalServerError, err.Error(), d.log)
	default:
		c.JSON(http.StatusOK, d.lockdown.Status())
	}
}

func (d *Device) handleResetBoot(c *gin.Context) {
	err := d.validator.ResetBootFailureCounter(c.Request.Context())
	d.audit(operatorOf(c), "boot.reset", requestID(c), err)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error(), d.log)
		return
	}
	c.JSON(http.StatusOK, d.validator.PrintBootSecurityStats(c.Request.Context()))
}

func (d *Device) handleReclaim(c *gin.Context) {
	err := d.machine.ForceReclaim(c.Request.Context())
	d.audit(operatorOf(c), "app.reclaim", requestID(c), err)
	switch {
	case errors.Is(err, app.ErrLocked):
		respondError(c, http.StatusLocked, err.Error(), d.log)
	case errors.Is(err, app.ErrInvalidTransition):
		respondError(c, http.StatusConflict, err.Error(), d.log)
	case err != nil:
		respondError(c, http.StatusInternalServerError, err.Error(), d.log)
	default:
		c.JSON(http.StatusOK, gin.H{"state": d.machine.State()})
	}
}

func (d *Device) handleRotateKeys(c *gin.Context) {
	err := d.crypto.RotateEncryptionKeys(c.Request.Context())
	d.audit(operatorOf(c), "keys.rotate", requestID(c), err)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error(), d.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rotated"})
}

func (d *Device) handleProvisionSecret(c *gin.Context) {
	var req secretRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Secret == "" {
		respondError(c, http.StatusBadRequest, "secret is required", d.log)
		return
	}
	secret, err := config.DecodeKey(req.Secret)
	if err != nil {
		respondError(c, http.StatusBadRequest, "secret must be hex or base64", d.log)
		return
	}
	err = d.claim.ProvisionSecret(c.Request.Context(), secret)
	encryption.SecureMemoryClear(secret)
	d.audit(operatorOf(c), "pairing.secret", requestID(c), err)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), d.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "provisioned"})
}
