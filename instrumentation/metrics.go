package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the lending backend.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth flow
	CodeIssued     metric.Int64Counter
	CodeExchanged  metric.Int64Counter
	TokenRefreshed metric.Int64Counter

	// OTP
	OTPIssued   metric.Int64Counter
	OTPVerified metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter

	// Lending
	LoanCreated  metric.Int64Counter
	LoanReturned metric.Int64Counter
	LoanRejected metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeCodes         metric.Int64ObservableGauge
	StorageSizeRefreshTokens metric.Int64ObservableGauge
	StorageSizeLoans         metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	otpMeter := inst.Meter("otp")
	securityMeter := inst.Meter("security")
	ledgerMeter := inst.Meter("ledger")
	storageMeter := inst.Meter("storage")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"lenny.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"lenny.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http.request.duration histogram: %w", err)
	}

	m.CodeIssued, err = serverMeter.Int64Counter(
		"lenny.oauth.code.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create code.issued counter: %w", err)
	}

	m.CodeExchanged, err = serverMeter.Int64Counter(
		"lenny.oauth.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create code.exchanged counter: %w", err)
	}

	m.TokenRefreshed, err = serverMeter.Int64Counter(
		"lenny.oauth.token.refreshed",
		metric.WithDescription("Number of refresh-token rotations"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create token.refreshed counter: %w", err)
	}

	m.OTPIssued, err = otpMeter.Int64Counter(
		"lenny.otp.issued",
		metric.WithDescription("Number of one-time codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create otp.issued counter: %w", err)
	}

	m.OTPVerified, err = otpMeter.Int64Counter(
		"lenny.otp.verified",
		metric.WithDescription("Number of one-time code verification attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create otp.verified counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"lenny.security.ratelimit.exceeded",
		metric.WithDescription("Number of rate limit rejections"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ratelimit.exceeded counter: %w", err)
	}

	m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"lenny.security.pkce.failed",
		metric.WithDescription("Number of failed PKCE validations"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pkce.failed counter: %w", err)
	}

	m.CodeReuseDetected, err = securityMeter.Int64Counter(
		"lenny.security.code.reuse",
		metric.WithDescription("Number of authorization code replay attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create code.reuse counter: %w", err)
	}

	m.TokenReuseDetected, err = securityMeter.Int64Counter(
		"lenny.security.token.reuse",
		metric.WithDescription("Number of revoked refresh token replay attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create token.reuse counter: %w", err)
	}

	m.LoanCreated, err = ledgerMeter.Int64Counter(
		"lenny.loans.created",
		metric.WithDescription("Number of loans created"),
		metric.WithUnit("{loan}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create loans.created counter: %w", err)
	}

	m.LoanReturned, err = ledgerMeter.Int64Counter(
		"lenny.loans.returned",
		metric.WithDescription("Number of loans returned"),
		metric.WithUnit("{loan}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create loans.returned counter: %w", err)
	}

	m.LoanRejected, err = ledgerMeter.Int64Counter(
		"lenny.loans.rejected",
		metric.WithDescription("Number of borrow attempts rejected for unavailability"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create loans.rejected counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"lenny.storage.operations.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"lenny.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create storage.operation.duration histogram: %w", err)
	}

	m.StorageSizeCodes, err = storageMeter.Int64ObservableGauge(
		"lenny.storage.size.auth_codes",
		metric.WithDescription("Current number of stored authorization codes"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create storage.size.auth_codes gauge: %w", err)
	}

	m.StorageSizeRefreshTokens, err = storageMeter.Int64ObservableGauge(
		"lenny.storage.size.refresh_tokens",
		metric.WithDescription("Current number of stored refresh tokens"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create storage.size.refresh_tokens gauge: %w", err)
	}

	m.StorageSizeLoans, err = storageMeter.Int64ObservableGauge(
		"lenny.storage.size.loans",
		metric.WithDescription("Current number of loan rows"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create storage.size.loans gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordCodeIssued records an issued authorization code.
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientID, clientID)))
}

// RecordCodeExchanged records a successful code exchange.
func (m *Metrics) RecordCodeExchanged(ctx context.Context, clientID string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientID, clientID)))
}

// RecordTokenRefreshed records a refresh-token rotation.
func (m *Metrics) RecordTokenRefreshed(ctx context.Context, clientID string) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientID, clientID)))
}

// RecordOTPIssued records a one-time code issuance.
func (m *Metrics) RecordOTPIssued(ctx context.Context) {
	m.OTPIssued.Add(ctx, 1)
}

// RecordOTPVerified records a verification attempt and its outcome.
func (m *Metrics) RecordOTPVerified(ctx context.Context, success bool) {
	m.OTPVerified.Add(ctx, 1, metric.WithAttributes(attribute.Bool("otp.success", success)))
}

// RecordRateLimitExceeded records a limiter rejection.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrRateLimiterType, limiterType)))
}

// RecordPKCEValidationFailed records a PKCE failure.
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context) {
	m.PKCEValidationFailed.Add(ctx, 1)
}

// RecordCodeReuseDetected records an authorization code replay attempt.
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a revoked refresh token replay attempt.
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordLoanCreated records a successful borrow.
func (m *Metrics) RecordLoanCreated(ctx context.Context, itemID int64) {
	m.LoanCreated.Add(ctx, 1, metric.WithAttributes(attribute.Int64(AttrItemID, itemID)))
}

// RecordLoanReturned records a return.
func (m *Metrics) RecordLoanReturned(ctx context.Context, itemID int64) {
	m.LoanReturned.Add(ctx, 1, metric.WithAttributes(attribute.Int64(AttrItemID, itemID)))
}

// RecordLoanRejected records a borrow rejection for unavailability.
func (m *Metrics) RecordLoanRejected(ctx context.Context, itemID int64) {
	m.LoanRejected.Add(ctx, 1, metric.WithAttributes(attribute.Int64(AttrItemID, itemID)))
}

// RecordStorageOperation records one storage call with its result.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
