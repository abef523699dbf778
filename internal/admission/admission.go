// Package admission gates new subscriber connections: rate limit, capability
// token, origin allow-list and connection caps, checked in that order.
package admission

import (
	"context"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/internal/ratelimit"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/metrics"
)

// Request is an inbound connection attempt.
type Request struct {
	RemoteIP       string
	Origin         string
	Referer        string
	Token          string
	ConversationID string
	// Kind requested by the transport. Empty means take it from the token.
	Kind model.ChannelKind
	// ClientHint feeds the rate-limit key when RemoteIP is unknown.
	ClientHint string
}

// ClaimedOrigin returns Origin, falling back to Referer.
func (r Request) ClaimedOrigin() string {
	if r.Origin != "" {
		return r.Origin
	}
	return r.Referer
}

// CapacityChecker reports whether a conversation and client IP can take one
// more connection of the given kind.
type CapacityChecker interface {
	HasCapacity(conversationID string, kind model.ChannelKind, remoteIP string) (bool, string)
}

// AuditSink receives rejected admissions.
type AuditSink interface {
	RecordRejection(ctx context.Context, req Request, err *Error)
}

// Controller performs admission checks.
type Controller struct {
	limiter  *ratelimit.Limiter
	verifier TokenVerifier
	capacity CapacityChecker
	audit    AuditSink
	clock    model.Clock
	logger   *logger.Logger
}

// NewController creates an admission controller.
func NewController(
	limiter *ratelimit.Limiter,
	verifier TokenVerifier,
	capacity CapacityChecker,
	audit AuditSink,
	clock model.Clock,
	log *logger.Logger,
) *Controller {
	if clock == nil {
		clock = model.SystemClock{}
	}
	if audit == nil {
		audit = NewLogAudit(log)
	}
	return &Controller{
		limiter:  limiter,
		verifier: verifier,
		capacity: capacity,
		audit:    audit,
		clock:    clock,
		logger:   log.Component("admission"),
	}
}

// Admit runs the checks and returns a handle for registry registration.
// Each failed check short-circuits with an *Error.
func (c *Controller) Admit(ctx context.Context, req Request) (model.AdmissionHandle, error) {
	handle, aerr := c.admit(req)
	if aerr != nil {
		metrics.RecordAdmission(aerr.Code)
		c.audit.RecordRejection(ctx, req, aerr)
		return model.AdmissionHandle{}, aerr
	}
	metrics.RecordAdmission("admitted")
	c.logger.Debug("connection admitted",
		zap.String("handle_id", handle.ID),
		zap.String("conversation_id", handle.ConversationID),
		zap.String("kind", string(handle.Kind)),
	)
	return handle, nil
}

func (c *Controller) admit(req Request) (model.AdmissionHandle, *Error) {
	key := ratelimit.ClientKey(req.RemoteIP, req.ClientHint)
	if !c.limiter.Check(key) {
		retry := int(math.Ceil(c.limiter.RetryAfter(key).Seconds()))
		return model.AdmissionHandle{}, rejectRateLimited(retry)
	}

	capability, err := c.verifier.Verify(req.Token)
	if err != nil {
		return model.AdmissionHandle{}, rejectAuth(err.Error())
	}
	if capability.ConversationID != req.ConversationID {
		return model.AdmissionHandle{}, rejectAuth("token is for another conversation")
	}

	origin := req.ClaimedOrigin()
	if !OriginAllowed(origin, capability.AllowedOrigins) {
		return model.AdmissionHandle{}, rejectDomain(origin)
	}

	kind := capability.Kind
	if req.Kind != "" && req.Kind != kind {
		return model.AdmissionHandle{}, rejectAuth("token does not grant channel " + string(req.Kind))
	}

	if ok, detail := c.capacity.HasCapacity(req.ConversationID, kind, req.RemoteIP); !ok {
		return model.AdmissionHandle{}, rejectCapacity(detail)
	}

	return model.AdmissionHandle{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		Kind:           kind,
		RemoteIP:       req.RemoteIP,
		Origin:         NormalizeOrigin(origin),
		AdmittedAt:     c.clock.Now(),
		ExpiresAt:      capability.ExpiresAt,
	}, nil
}

// LogAudit writes rejections to the structured log.
type LogAudit struct {
	logger *logger.Logger
}

// NewLogAudit creates an audit sink backed by log.
func NewLogAudit(log *logger.Logger) *LogAudit {
	return &LogAudit{logger: log.Component("admission-audit")}
}

// RecordRejection logs one rejected admission.
func (a *LogAudit) RecordRejection(_ context.Context, req Request, err *Error) {
	a.logger.Info("connection rejected",
		zap.String("code", err.Code),
		zap.String("conversation_id", req.ConversationID),
		zap.String("remote_ip", req.RemoteIP),
		zap.String("origin", req.ClaimedOrigin()),
		zap.String("detail", err.Error()),
	)
}

// AuditSinks fans a rejection out to several sinks.
type AuditSinks []AuditSink

// RecordRejection implements AuditSink.
func (s AuditSinks) RecordRejection(ctx context.Context, req Request, err *Error) {
	for _, sink := range s {
		sink.RecordRejection(ctx, req, err)
	}
}
