// Package api is the HTTP surface of the loan engine and the notification
// dispatcher.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	apperrors "library-workers/internal/common/errors"
	"library-workers/internal/common/logger"
	"library-workers/internal/models"
	"library-workers/internal/workers/loans/engine"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

type LoanService interface {
	CreateLoan(ctx context.Context, req engine.CreateLoanRequest) (*engine.CreateLoanResult, error)
	ReturnLoan(ctx context.Context, loanID, actingUserID int64) (*engine.ReturnLoanResult, error)
	RenewLoan(ctx context.Context, loanID, actingUserID int64) (*engine.RenewLoanResult, error)
	CalculateFine(ctx context.Context, loanID int64, rate decimal.Decimal) (decimal.Decimal, error)
	PayFine(ctx context.Context, loanID, actingUserID int64) (*models.Loan, error)
	GetLoan(ctx context.Context, loanID int64) (*models.Loan, error)
	ListLoans(ctx context.Context, filter engine.ListFilter) ([]models.Loan, error)
	History(ctx context.Context, loanID int64) ([]models.LoanHistory, error)
	Stats(ctx context.Context, today time.Time) (*models.LoanStats, error)
	Today() time.Time
	Config() *engine.Config
}

type LoanEvents interface {
	PublishCreated(ctx context.Context, res *engine.CreateLoanResult)
	PublishReturned(ctx context.Context, res *engine.ReturnLoanResult)
	PublishRenewed(ctx context.Context, res *engine.RenewLoanResult)
}

type NotificationService interface {
	CreateNotification(ctx context.Context, userID int64, ntype models.NotificationType, subject, message string) (*models.Notification, error)
	SendFromTemplate(ctx context.Context, templateID, userID int64, data map[string]interface{}, ntype models.NotificationType) (*models.Notification, error)
}

type NotificationQueries interface {
	ListByUser(ctx context.Context, userID int64, limit int) ([]models.Notification, error)
	Stats(ctx context.Context, days int) (*models.NotificationStats, error)
}

// TokenValidator is satisfied by *identity.Client.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (models.UserSnapshot, error)
}

// Check is one readiness probe.
type Check func(ctx context.Context) error

type Options struct {
	AuthEnabled bool
	Tokens      TokenValidator
	Ready       map[string]Check
}

type Server struct {
	echo    *echo.Echo
	loans   LoanService
	events  LoanEvents
	notify  NotificationService
	queries NotificationQueries
	opts    Options
	errors  *apperrors.ErrorHandler
	logger  logger.Logger
}

func NewServer(loans LoanService, events LoanEvents, notify NotificationService, queries NotificationQueries, opts Options, log logger.Logger) *Server {
	l := log.WithFields(map[string]interface{}{"component": "api"})
	s := &Server{
		echo:    echo.New(),
		loans:   loans,
		events:  events,
		notify:  notify,
		queries: queries,
		opts:    opts,
		errors:  apperrors.NewErrorHandler(l),
		logger:  l,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError
	s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(addr string) error {
	s.logger.Info("http server listening", map[string]interface{}{"address": addr})
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) routes() {
	s.echo.Use(s.requestLogger)

	s.echo.GET("/health", s.health)
	s.echo.GET("/ready", s.ready)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	staff := s.requireRole(RoleLibrarian, RoleAdmin)

	loans := s.echo.Group("/loans", s.authenticate)
	loans.POST("", s.createLoan)
	loans.GET("", s.listLoans)
	loans.GET("/stats", s.loanStats, staff)
	loans.GET("/:id", s.getLoan)
	loans.GET("/:id/history", s.loanHistory)
	loans.PUT("/:id/return", s.returnLoan)
	loans.PUT("/:id/renew", s.renewLoan)
	loans.POST("/:id/calculate_fine", s.calculateFine)
	loans.POST("/:id/pay_fine", s.payFine)

	notifications := s.echo.Group("/notifications", s.authenticate)
	notifications.POST("", s.createNotification)
	notifications.POST("/send_from_template", s.sendFromTemplate)
	notifications.GET("", s.listNotifications)
	notifications.GET("/stats", s.notificationStats, staff)
}

// ErrorBody is the body of every error response.
type ErrorBody struct {
	ErrorCode string `json:"error_code"`
	Detail    string `json:"detail"`
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		status int
		body   ErrorBody
	)
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
		body = ErrorBody{ErrorCode: http.StatusText(status), Detail: httpErrorDetail(httpErr)}
		switch status {
		case http.StatusNotFound:
			body.ErrorCode = string(apperrors.ErrCodeResourceNotFound)
		case http.StatusMethodNotAllowed:
			body.ErrorCode = "METHOD_NOT_ALLOWED"
		case http.StatusBadRequest:
			body.ErrorCode = string(apperrors.ErrCodeValidation)
		}
	} else {
		stdErr, code := s.errors.HandleRequestError(c.Request().Method+" "+c.Path(), err)
		status = code
		body = ErrorBody{ErrorCode: string(stdErr.Code), Detail: stdErr.Details}
		if body.Detail == "" || stdErr.Code == apperrors.ErrCodeInternal {
			body.Detail = stdErr.Message
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	if err := c.JSON(status, body); err != nil {
		s.logger.Error("failed to write error response", map[string]interface{}{"error": err.Error()})
	}
}

func httpErrorDetail(e *echo.HTTPError) string {
	if msg, ok := e.Message.(string); ok {
		return msg
	}
	return http.StatusText(e.Code)
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Debug("http request", map[string]interface{}{
			"method":   c.Request().Method,
			"path":     c.Path(),
			"status":   c.Response().Status,
			"duration": time.Since(start).String(),
		})
		return nil
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.opts.Ready))
	status := http.StatusOK
	for name, check := range s.opts.Ready {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	return c.JSON(status, map[string]interface{}{"ready": status == http.StatusOK, "checks": checks})
}
