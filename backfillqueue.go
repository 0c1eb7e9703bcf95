// mautrix-facebook - A Matrix-Facebook Messenger puppeting bridge.
// Copyright (C) 2024 Tulir Asokan
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/mautrix-facebook/database"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi"
)

const backfillErrorDelay = 30 * time.Minute
const backfillNoTasksDelay = 1 * time.Minute
const backfillStartupDelay = 20 * time.Second

// backfillLoop dispatches queued history backfill tasks one at a time per
// bridge, ordered by priority across all logged-in users.
func (br *FBBridge) backfillLoop() {
	log := br.ZLog.With().Str("component", "backfill loop").Logger()
	ctx := log.WithContext(context.Background())

	// Let user connections settle before hitting the history API.
	time.Sleep(backfillStartupDelay)
	log.Debug().Msg("Backfill loop starting")
	for {
		task, user := br.getNextBackfillTask(ctx)
		if task == nil {
			time.Sleep(backfillNoTasksDelay)
			continue
		}
		br.doBackfillTask(ctx, user, task)
	}
}

func (br *FBBridge) getNextBackfillTask(ctx context.Context) (*database.Backfill, *User) {
	var best *database.Backfill
	var bestUser *User
	for _, user := range br.getAllLoggedInUsers() {
		if !user.IsConnected() {
			continue
		}
		task, err := br.DB.Backfill.GetNext(ctx, user.MXID)
		if err != nil {
			zerolog.Ctx(ctx).Err(err).Stringer("user_id", user.MXID).Msg("Failed to get next backfill task")
			time.Sleep(backfillErrorDelay)
			return nil, nil
		}
		if task == nil {
			continue
		}
		if best == nil || task.Priority < best.Priority {
			best = task
			bestUser = user
		}
	}
	return best, bestUser
}

func (br *FBBridge) doBackfillTask(ctx context.Context, user *User, task *database.Backfill) {
	log := zerolog.Ctx(ctx).With().
		Stringer("user_id", task.UserMXID).
		Stringer("portal_key", task.Portal).
		Int("queue_id", task.QueueID).
		Logger()
	ctx = log.WithContext(ctx)

	err := task.MarkDispatched(ctx)
	if err != nil {
		log.Err(err).Msg("Failed to mark task as dispatched")
		return
	}

	portal := br.GetPortalByID(task.Portal)
	if portal == nil || portal.MXID == "" {
		log.Warn().Msg("Portal for backfill task not found, marking done")
		_ = task.MarkDone(ctx)
		return
	} else if !portal.MoreToBackfill {
		log.Debug().Msg("Portal has nothing left to backfill, marking task done")
		_ = task.MarkDone(ctx)
		return
	}

	finished, backfillErr := portal.backfillIncremental(ctx, user, task)
	if errors.Is(backfillErr, maufbapi.ErrRateLimitExceeded) {
		log.Warn().Msg("Rate limited while backfilling, re-enqueueing at low priority")
		requeue := br.DB.Backfill.NewWithValues(task.UserMXID, 2, task.Portal, task.TimeEnd, task.MaxBatchEvents, task.MaxTotalEvents, task.BatchDelay)
		err = requeue.Insert(ctx)
		if err != nil {
			log.Err(err).Msg("Failed to re-enqueue rate limited task")
		}
		_ = task.MarkDone(ctx)
		time.Sleep(backfillErrorDelay)
		return
	}
	if finished {
		err = task.MarkDone(ctx)
		if err != nil {
			log.Err(err).Msg("Failed to mark task as done")
		}
	}
}
