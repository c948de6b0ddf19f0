package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/dental-practice-core/internal/appointment"
	"github.com/hackgods/dental-practice-core/internal/availability"
	"github.com/hackgods/dental-practice-core/internal/invoice"
	"github.com/hackgods/dental-practice-core/internal/tariff"
)

type AppointmentService interface {
	Book(ctx context.Context, req appointment.BookingRequest) (*appointment.Booking, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) (*appointment.StatusChange, error)
	Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
}

type AvailabilityService interface {
	Slots(ctx context.Context, bookableID, serviceID uuid.UUID, date time.Time) ([]availability.Slot, error)
}

type InvoiceService interface {
	Finalize(ctx context.Context, appointmentID uuid.UUID, lines []invoice.LineRequest) (*invoice.Outcome, error)
	Issue(ctx context.Context, id uuid.UUID) (*invoice.Invoice, error)
	MarkPaid(ctx context.Context, id uuid.UUID, reference string) (*invoice.PaymentOutcome, error)
	Void(ctx context.Context, id uuid.UUID) (*invoice.Invoice, error)
	SubmitClaim(ctx context.Context, id uuid.UUID) (*invoice.Invoice, error)
	SettleClaim(ctx context.Context, id uuid.UUID) (*invoice.Invoice, error)
	Get(ctx context.Context, id uuid.UUID) (*invoice.Invoice, error)
}

type RouterConfig struct {
	Appointments  AppointmentService
	Availability  AvailabilityService
	Invoices      InvoiceService
	Tariffs       tariff.Catalog
	Health        *HealthHandler
	Log           zerolog.Logger
	DefaultTenant string
	RateLimitRPS  int
	CORSOrigins   []string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	h := &handlers{
		appointments: cfg.Appointments,
		availability: cfg.Availability,
		invoices:     cfg.Invoices,
		tariffs:      cfg.Tariffs,
		validate:     newValidator(),
		log:          cfg.Log,
	}

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	if cfg.RateLimitRPS > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimitRPS, time.Second))
	}

	// Health endpoints
	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware(cfg.DefaultTenant))
		r.Use(LoggingMiddleware(cfg.Log))

		r.Get("/availability", h.availabilityHandler)

		r.Post("/appointments", h.createAppointmentHandler)
		r.Get("/appointments/{id}", h.getAppointmentHandler)
		r.Patch("/appointments/{id}/status", h.updateStatusHandler)
		r.Post("/appointments/{id}/invoice", h.finalizeInvoiceHandler)

		r.Get("/invoices/{id}", h.getInvoiceHandler)
		r.Post("/invoices/{id}/issue", h.invoiceAction(h.invoices.Issue))
		r.Post("/invoices/{id}/payments", h.markPaidHandler)
		r.Post("/invoices/{id}/void", h.invoiceAction(h.invoices.Void))
		r.Post("/invoices/{id}/claim/submit", h.invoiceAction(h.invoices.SubmitClaim))
		r.Post("/invoices/{id}/claim/settle", h.invoiceAction(h.invoices.SettleClaim))

		r.Get("/tariffs/{code}", h.getTariffHandler)
	})

	return r
}
