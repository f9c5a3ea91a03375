package store

import (
	"context"
	"fmt"
)

// RetentionResult reports how many rows a retention sweep removed.
type RetentionResult struct {
	Events        int64
	Deliveries    int64
	ExpiredClaims int64
}

// RunRetention prunes old data: event rows past eventsDays, settled
// tg_delivery ledger rows past deliveriesDays, and claims that expired more
// than a day ago. A days value of 0 disables that category. Pending
// (retryable) ledger rows are never pruned regardless of age.
func (s *Store) RunRetention(ctx context.Context, eventsDays, deliveriesDays int) (RetentionResult, error) {
	var result RetentionResult

	if eventsDays > 0 {
		err := retryOnBusy(ctx, 5, func() error {
			res, execErr := s.db.ExecContext(ctx, `
				DELETE FROM events
				WHERE created_at < datetime('now', ?);
			`, fmt.Sprintf("-%d days", eventsDays))
			if execErr != nil {
				return execErr
			}
			result.Events, execErr = res.RowsAffected()
			return execErr
		})
		if err != nil {
			return result, fmt.Errorf("retention events: %w", err)
		}
	}

	if deliveriesDays > 0 {
		err := retryOnBusy(ctx, 5, func() error {
			res, execErr := s.db.ExecContext(ctx, `
				DELETE FROM task_details
				WHERE kind = 'tg_delivery'
				  AND created_at < datetime('now', ?)
				  AND (json_extract(content, '$.status') = 'sent'
				       OR json_extract(content, '$.retryable') = 0);
			`, fmt.Sprintf("-%d days", deliveriesDays))
			if execErr != nil {
				return execErr
			}
			result.Deliveries, execErr = res.RowsAffected()
			return execErr
		})
		if err != nil {
			return result, fmt.Errorf("retention deliveries: %w", err)
		}
	}

	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			DELETE FROM notify_claims
			WHERE expires_at < datetime('now', '-1 day');
		`)
		if execErr != nil {
			return execErr
		}
		result.ExpiredClaims, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return result, fmt.Errorf("retention claims: %w", err)
	}

	return result, nil
}
