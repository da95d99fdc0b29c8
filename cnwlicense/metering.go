package cnwlicense

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense/store"
)

// TrackUsage adds increment to one metric of a license and returns the new
// count. The metric must be declared in the license limits
// (ErrMetricNotAllowed otherwise). An increment that would take the count
// above its limit fails with ErrUsageLimit and leaves the count unchanged.
//
// The read, the limit check and the write happen in one unit of work per key.
func (e *Engine) TrackUsage(ctx context.Context, key, metric string, increment int64) (*UsageResult, error) {
	if increment <= 0 {
		return nil, fmt.Errorf("%w: increment must be a positive integer", ErrValidation)
	}
	if metric == "" {
		return nil, fmt.Errorf("%w: metric is required", ErrValidation)
	}

	var res *UsageResult
	err := e.store.Atomically(ctx, key, func(ctx context.Context, tx store.Tx) error {
		lic, err := e.checkTx(ctx, tx, key)
		if err != nil {
			return err
		}
		limit, ok := lic.Limits.Ceiling(metric)
		if !ok {
			return fmt.Errorf("%w: %q", ErrMetricNotAllowed, metric)
		}
		usage, err := tx.GetUsage(ctx, key)
		if err != nil {
			return err
		}
		used := usage[metric]
		// Compared as headroom so a huge increment cannot wrap the sum.
		if increment > limit-used {
			return fmt.Errorf("%w: %s at %d of %d, increment %d", ErrUsageLimit, metric, used, limit, increment)
		}
		next := used + increment
		if err := tx.SetUsage(ctx, key, metric, next); err != nil {
			return err
		}
		res = &UsageResult{Key: key, Metric: metric, Used: next, Limit: limit, Remaining: limit - next}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUsageLimit) {
			e.logger.WarnContext(ctx, "usage refused", "key", key, "metric", metric, "increment", increment)
		}
		return nil, e.storeFault(ctx, "track usage", key, err)
	}
	e.logger.DebugContext(ctx, "usage tracked", "key", key, "metric", metric, "used", res.Used, "limit", res.Limit)
	return res, nil
}

// UsageReport lists consumption against every metric declared in the
// license limits. An unknown key fails with ErrLicenseNotFound; revoked and
// expired licenses are reported with Valid false.
func (e *Engine) UsageReport(ctx context.Context, key string) (*UsageReport, error) {
	check, err := e.CheckValid(ctx, key)
	if err != nil {
		return nil, err
	}
	if check.Reason == ReasonNotFound {
		return nil, ErrLicenseNotFound
	}
	lic := check.License

	names := make([]string, 0, len(lic.Limits.Metrics))
	for name := range lic.Limits.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	report := &UsageReport{
		Key:       lic.Key,
		Valid:     check.Valid,
		Reason:    check.Reason,
		Status:    lic.Status,
		ExpiresAt: lic.ExpiresAt,
		Metrics:   make([]MetricUsage, 0, len(names)),
	}
	for _, name := range names {
		limit := lic.Limits.Metrics[name]
		used := lic.Usage[name]
		report.Metrics = append(report.Metrics, MetricUsage{
			Metric:    name,
			Used:      used,
			Limit:     limit,
			Remaining: max(0, limit-used),
			Exceeded:  used > limit,
		})
	}
	return report, nil
}
