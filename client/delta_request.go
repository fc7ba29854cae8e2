package client

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/noteable-io/origami-go/delta"
	"github.com/noteable-io/origami-go/rtu"
	"github.com/noteable-io/origami-go/transport"
)

// DeltaRejectedError reports that the server refused a submitted delta. The
// document is guaranteed to not contain the delta's change.
type DeltaRejectedError struct {
	Cause string
}

func (e *DeltaRejectedError) Error() string {
	return "delta rejected: " + e.Cause
}

// newDeltaRequest submits a delta and blocks until it has been accepted,
// broadcast back, and applied to the in-memory notebook, or rejected.
//
// Two ephemeral callbacks watch for the outcome: one on the request's
// transaction id to catch rejection events, and one on the delta's own id to
// observe it being applied. Whichever fires first resolves the result and
// deregisters both.
func (c *RTUClient) newDeltaRequest(ctx context.Context, d delta.Delta) error {
	var req = rtu.NewRequest(rtu.FileChannel(c.fileID), rtu.EventNewDeltaRequest,
		rtu.NewDeltaRequestData{Delta: d})

	var result = make(chan error, 1)
	var cancelRTU, cancelApplied func()
	var once sync.Once

	// resolve must be called with c.mu held.
	var resolve = func(err error) {
		once.Do(func() {
			cancelRTU()
			cancelApplied()
			result <- err
		})
	}

	c.mu.Lock()
	cancelRTU = c.router.Register(transport.Registration{
		Predicate: func(msg rtu.Message) bool {
			return msg.TransactionID == req.TransactionID
		},
		Handler: func(msg rtu.Message) (transport.HandlerResult, error) {
			if !rtu.IsRequestRejection(msg.Event) {
				return transport.Skip, nil
			}
			deltasRejectedTotal.Inc()
			log.WithFields(log.Fields{
				"delta_id": d.ID,
				"kind":     d.Kind(),
				"event":    msg.Event,
			}).Debug("delta rejected by server")

			c.mu.Lock()
			resolve(&DeltaRejectedError{Cause: rejectionCause(msg)})
			c.mu.Unlock()
			return transport.Handled, nil
		},
	})
	cancelApplied = c.seq.registerCallback(
		func(applied delta.Delta) bool { return applied.ID == d.ID },
		func(applied delta.Delta) { resolve(nil) },
	)
	c.mu.Unlock()

	if err := c.manager.Send(req); err != nil {
		c.mu.Lock()
		resolve(err)
		c.mu.Unlock()
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		resolve(ctx.Err())
		c.mu.Unlock()
		return ctx.Err()
	}
}

func rejectionCause(msg rtu.Message) string {
	var data rtu.ErrorData
	if err := msg.DecodeData(&data); err == nil {
		if data.Cause != "" {
			return data.Cause
		}
		if data.Message != "" {
			return data.Message
		}
	}
	switch msg.Event {
	case rtu.EventInvalidData:
		return "invalid delta schema"
	case rtu.EventPermissionDenied:
		return "permission denied"
	}
	return msg.Event
}
