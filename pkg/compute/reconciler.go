/*
Copyright 2023 The LocalGCP Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package compute

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/docker"
	"github.com/localgcp/localgcp/pkg/store"
)

// reconcileGrace shields rows touched by an in-flight API mutation from
// the reconciler. A row younger than this is left alone for one tick.
const reconcileGrace = 30 * time.Second

// Reconciler converges recorded instance state with observed container
// state. It never creates instances; it only folds runtime observations
// back into the database and removes orphaned containers.
type Reconciler struct {
	svc      *Service
	interval time.Duration
	log      *zap.Logger
}

// NewReconciler returns a Reconciler ticking at the given interval.
func NewReconciler(svc *Service, interval time.Duration, log *zap.Logger) *Reconciler {
	return &Reconciler{svc: svc, interval: interval, log: log}
}

// Run ticks until ctx is cancelled. Pass failures are logged, never
// fatal; the next tick retries from scratch.
func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := r.Reconcile(ctx); err != nil {
				r.log.Warn("reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// Reconcile runs one pass: observe every emulator-labelled container,
// fold its state into the matching row, terminate rows whose container
// never appeared, and remove containers no row references.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	containers, err := r.svc.driver.ListContainers(ctx, map[string]string{docker.LabelEmulator: "true"})
	if err != nil {
		return err
	}
	byID := make(map[string]docker.Info, len(containers))
	for _, c := range containers {
		byID[c.ID] = c
	}

	var rows []store.Instance
	if err := r.svc.store.DB().WithContext(ctx).Find(&rows).Error; err != nil {
		return store.AsAPIError(err, "instances")
	}
	referenced := map[string]bool{}
	cutoff := r.svc.now().Add(-reconcileGrace)
	for i := range rows {
		row := &rows[i]
		if row.ContainerID != "" {
			referenced[row.ContainerID] = true
		}
		if row.UpdatedAt.After(cutoff) {
			continue
		}
		if err := r.reconcileRow(ctx, row, byID); err != nil {
			r.log.Warn("cannot reconcile instance",
				zap.String("instance", row.Name), zap.Error(err))
		}
	}

	for _, c := range containers {
		if c.Labels[LabelInstance] == "" || referenced[c.ID] {
			continue
		}
		r.log.Info("removing orphaned container",
			zap.String("container", c.Name), zap.String("id", c.ID))
		if err := r.svc.driver.ContainerRemove(ctx, c.ID); err != nil {
			r.log.Warn("cannot remove orphaned container",
				zap.String("container", c.Name), zap.Error(err))
		}
	}
	return nil
}

// reconcileRow folds one container observation into its row. Each row is
// updated in its own serializable transaction so a racing API mutation
// wins cleanly.
func (r *Reconciler) reconcileRow(ctx context.Context, row *store.Instance, byID map[string]docker.Info) error {
	if row.ContainerID == "" {
		// The insert pipeline never produced a container. Converge to
		// TERMINATED so a start or delete can pick the instance up.
		if row.Status == store.StatusTerminated {
			return nil
		}
		return r.update(ctx, row, store.StatusTerminated)
	}

	observed, ok := byID[row.ContainerID]
	if !ok {
		// Listing can trail a just-created container; confirm with an
		// inspect before treating the container as gone.
		st, err := r.svc.driver.ContainerInspect(ctx, row.ContainerID)
		if apierror.IsNotFound(err) {
			r.log.Info("instance container removed externally, deleting row",
				zap.String("instance", row.Name))
			return r.deleteRow(ctx, row)
		}
		if err != nil {
			return err
		}
		observed = docker.Info{State: st.State}
	}

	want := row.Status
	switch observed.State {
	case "running":
		want = store.StatusRunning
	case "exited", "created", "dead", "paused":
		want = store.StatusTerminated
	}
	if want == row.Status {
		return nil
	}
	return r.update(ctx, row, want)
}

func (r *Reconciler) update(ctx context.Context, row *store.Instance, status string) error {
	r.log.Info("reconciling instance state",
		zap.String("instance", row.Name),
		zap.String("from", row.Status), zap.String("to", status))
	return r.svc.store.Transaction(ctx, func(tx *gorm.DB) error {
		current := &store.Instance{}
		if err := tx.Where("id = ?", row.ID).First(current).Error; err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return store.AsAPIError(err, "instance")
		}
		if current.UpdatedAt.After(row.UpdatedAt) {
			// An API mutation got there first.
			return nil
		}
		err := tx.Model(current).Updates(map[string]interface{}{
			"status":     status,
			"updated_at": r.svc.now(),
		}).Error
		return store.AsAPIError(err, "instance")
	})
}

func (r *Reconciler) deleteRow(ctx context.Context, row *store.Instance) error {
	return r.svc.store.Transaction(ctx, func(tx *gorm.DB) error {
		err := tx.Where("id = ?", row.ID).Delete(&store.Instance{}).Error
		return store.AsAPIError(err, "instance")
	})
}
