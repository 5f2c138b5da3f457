package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

// NextNumber allocates "<prefix>-<year>-<seq>" inside tx. The store
// serialises concurrent callers for the same year until tx ends, and the
// unique index on orders.number catches anything that slips through.
func NextNumber(ctx context.Context, tx orders.Tx, prefix string, now time.Time) (string, error) {
	year := now.Year()
	last, err := tx.LastOrderSequence(ctx, prefix, year)
	if err != nil {
		return "", fmt.Errorf("last order sequence: %w", err)
	}
	return fmt.Sprintf("%s-%d-%04d", prefix, year, last+1), nil
}
