package agentcore

import (
	"fmt"

	"github.com/cuemby/warren/pkg/types"
	"github.com/cuemby/warren/pkg/volume"
	"github.com/google/uuid"
)

// ApplyOperation records op and, if speculative, applies it to
// totalResources immediately, checkpoints, records an OPERATION_FINISHED
// status on op and drops op from tracking; no status is sent to the
// master. Non-speculative operations are recorded as PENDING and are
// not sent to a resource provider.
func (c *Core) ApplyOperation(op *types.Operation, volumes *volume.Manager) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	op.Advance(types.OperationStatus{State: types.OperationPending, Timestamp: now()})

	c.mu.Lock()
	c.operations[op.ID] = op
	c.mu.Unlock()

	if !op.Speculative() {
		return nil
	}
	return c.applySpeculative(op, volumes)
}

func (c *Core) applySpeculative(op *types.Operation, volumes *volume.Manager) error {
	c.mu.Lock()
	conversion := types.Conversion{Consumed: op.Info.Consumed, Converted: op.Info.Converted}
	newTotal := c.totalResources.Apply([]types.Conversion{conversion})
	c.mu.Unlock()

	if err := c.checkpointResources(newTotal, volumes); err != nil {
		return fmt.Errorf("agentcore: checkpoint after operation %s: %w", op.ID, err)
	}

	c.mu.Lock()
	c.totalResources = newTotal
	op.Advance(types.OperationStatus{State: types.OperationFinished, Timestamp: now()})
	delete(c.operations, op.ID)
	c.mu.Unlock()

	c.logger.Info().Str("operation_id", op.ID).Msg("speculative operation finished")
	return nil
}

// AcknowledgeOperationStatus removes op locally once a terminal
// status's acknowledgement is received from the master; a late or
// duplicate ack for an already-removed operation is a no-op.
func (c *Core) AcknowledgeOperationStatus(operationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.operations[operationID]
	if !ok {
		return
	}
	switch op.Latest.State {
	case types.OperationFinished, types.OperationFailed, types.OperationError, types.OperationDropped:
		delete(c.operations, operationID)
	}
}

// checkpointResources implements target-then-commit checkpointing:
// write the target, synchronize persistent-volume directories against
// the resources' persistence ids, then commit. Any failure is returned
// to the caller, wrapped; nothing here exits the process.
func (c *Core) checkpointResources(resources types.Resources, volumes *volume.Manager) error {
	if err := c.store.SaveResourcesTarget(resources); err != nil {
		return fmt.Errorf("write resources target: %w", err)
	}
	if volumes != nil {
		if err := volumes.Sync(persistenceIDs(resources)); err != nil {
			return fmt.Errorf("sync persistent volumes: %w", err)
		}
	}
	if err := c.store.CommitResources(resources); err != nil {
		return fmt.Errorf("commit resources: %w", err)
	}
	return nil
}

func persistenceIDs(resources types.Resources) []string {
	var ids []string
	for _, r := range resources {
		if r.Disk != nil && r.Disk.Persistence != nil {
			ids = append(ids, r.Disk.Persistence.ID)
		}
	}
	return ids
}
