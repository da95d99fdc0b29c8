package cnwlicense

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense/store"
)

// Engine is the top-level orchestrator that combines the record store with
// the envelope codec and signature surfaces. It is safe for concurrent use.
type Engine struct {
	store    store.Store
	keys     keyMaterial
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the clock used for issuance, expiry and activation
// timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger. By default the engine logs nothing.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an engine over st. Malformed key material in cfg fails
// with ErrConfiguration.
func NewEngine(st store.Store, cfg Config, opts ...EngineOption) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfiguration)
	}
	keys, err := cfg.build()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:    st,
		keys:     keys,
		validate: newValidator(),
		now:      time.Now,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Codec returns the envelope codec, or nil when no encryption key is configured.
func (e *Engine) Codec() *Codec { return e.keys.codec }

// PublicKey returns the public half of the key-pair signer, or nil when no
// signing key is configured.
func (e *Engine) PublicKey() crypto.PublicKey {
	if e.keys.keyPair == nil {
		return nil
	}
	return e.keys.keyPair.PublicKey()
}

// Issue creates a new active license with a fresh key.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (*License, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, describeValidation(err))
	}
	limits, err := ParseLimits(req.Limits)
	if err != nil {
		return nil, err
	}

	lic := License{
		Key:       newLicenseKey(),
		Tier:      req.Tier,
		ProductID: req.ProductID,
		IssuedTo:  req.IssuedTo,
		IssuedAt:  e.stamp(),
		ExpiresAt: req.ExpiresAt.UTC().Truncate(store.TimePrecision),
		Status:    StatusActive,
		Limits:    limits,
		Usage:     map[string]int64{},
	}
	if req.MaxActivations != nil {
		n := *req.MaxActivations
		lic.MaxActivations = &n
	}
	if err := e.store.InsertLicense(ctx, lic); err != nil {
		return nil, e.storeFault(ctx, "issue", lic.Key, err)
	}
	e.logger.InfoContext(ctx, "license issued",
		"key", lic.Key, "product_id", lic.ProductID, "tier", lic.Tier, "expires_at", lic.ExpiresAt)
	return &lic, nil
}

// stamp returns the current time at the precision the store keeps, so
// records handed back to callers match what a later read returns.
func (e *Engine) stamp() time.Time {
	return e.now().UTC().Truncate(store.TimePrecision)
}

// Get returns a license with its current usage.
func (e *Engine) Get(ctx context.Context, key string) (*License, error) {
	lic, err := e.store.GetLicense(ctx, key)
	if err != nil {
		return nil, e.storeFault(ctx, "get", key, err)
	}
	return lic, nil
}

// List returns licenses matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter ListFilter) ([]License, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", ErrValidation)
	}
	if filter.Status != "" && filter.Status != StatusActive && filter.Status != StatusRevoked {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	out, err := e.store.ListLicenses(ctx, filter)
	if err != nil {
		return nil, e.storeFault(ctx, "list", "", err)
	}
	return out, nil
}

// Delete removes a license together with its activations and usage.
func (e *Engine) Delete(ctx context.Context, key string) error {
	if err := e.store.DeleteLicense(ctx, key); err != nil {
		return e.storeFault(ctx, "delete", key, err)
	}
	e.logger.InfoContext(ctx, "license deleted", "key", key)
	return nil
}

// Stats returns license and activation totals.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	st, err := e.store.Stats(ctx)
	if err != nil {
		return nil, e.storeFault(ctx, "stats", "", err)
	}
	return st, nil
}

// newLicenseKey returns a key of the form CNW-XXXXXXXX-XXXXXXXX-XXXXXXXX-XXXXXXXX.
func newLicenseKey() string {
	hex := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "CNW-" + hex[0:8] + "-" + hex[8:16] + "-" + hex[16:24] + "-" + hex[24:32]
}

// storeFault translates store errors. ErrNotFound becomes ErrLicenseNotFound;
// anything else is an infrastructure fault and is logged.
func (e *Engine) storeFault(ctx context.Context, op, key string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrLicenseNotFound
	case isBusinessError(err):
		return err
	}
	e.logger.ErrorContext(ctx, "store operation failed", "op", op, "key", key, "error", err)
	return fmt.Errorf("%s: %w", op, err)
}

// isBusinessError reports whether err is an expected outcome returned from
// inside a unit of work rather than a store fault.
func isBusinessError(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrLicenseNotFound, ErrConflict, ErrLicenseRevoked,
		ErrLicenseExpired, ErrQuotaExceeded, ErrMetricNotAllowed, ErrNotActivated,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
