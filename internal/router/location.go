package router

import (
	"context"

	"pharmatrace/relay/internal/logging"
	"pharmatrace/relay/internal/protocol"
	"pharmatrace/relay/internal/registry"
)

// HandleLocation forwards a MANUFACTURER GPS ping to every ADMIN connection and
// records the warehouse against the batch when one is given.
func (r *Router) HandleLocation(ctx context.Context, from registry.ConnectionID, loc protocol.Location) Result {
	origin, ok := r.registry.Get(from)
	if !ok {
		return Result{Err: ErrNotRegistered}
	}
	if err := protocol.CheckLocation(origin.Role, loc); err != nil {
		return r.reject(from, err)
	}

	now := r.now()
	if loc.Timestamp == "" {
		loc.Timestamp = protocol.FormatTimestamp(now)
	}

	admins := r.registry.ByRole(protocol.RoleAdmin)
	delivered := r.deliver(protocol.NewAt(loc, now), admins, from)
	if delivered == 0 {
		r.logger.Debug("location dropped: no admin connected",
			logging.String("batch_id", loc.BatchID),
			logging.Uint64("connection_id", uint64(from)),
		)
	}

	if loc.WarehouseID != "" && r.batches != nil {
		pctx, cancel := r.persistContext(ctx)
		err := r.batches.UpdateBatchLocation(pctx, loc.BatchID, loc.WarehouseID)
		cancel()
		if err != nil {
			r.logger.Warn("batch location update failed",
				logging.String("batch_id", loc.BatchID),
				logging.String("warehouse_id", loc.WarehouseID),
				logging.Error(err),
			)
		}
	}
	return Result{Success: true, Delivered: delivered}
}
