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

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

type BackfillQuery struct {
	*dbutil.QueryHelper[*Backfill]
}

func newBackfill(qh *dbutil.QueryHelper[*Backfill]) *Backfill {
	return &Backfill{qh: qh}
}

// backfillRedispatchAfter is how long a dispatched but unfinished task stays
// claimed. Tasks older than this are assumed lost (bridge restart mid-batch)
// and handed out again.
const backfillRedispatchAfter = 15 * time.Minute

const (
	getBackfillBaseQuery = `
		SELECT queue_id, user_mxid, priority, portal_fbid, portal_fb_receiver, time_end,
		       dispatch_time, completed_at, batch_delay, max_batch_events, max_total_events
		FROM backfill_queue
	`
	getNextBackfillQuery = getBackfillBaseQuery + `
		WHERE user_mxid=$1
			AND completed_at IS NULL
			AND (dispatch_time IS NULL OR dispatch_time < $2)
		ORDER BY priority, queue_id
		LIMIT 1
	`
	insertBackfillQuery = `
		INSERT INTO backfill_queue (
			user_mxid, priority, portal_fbid, portal_fb_receiver, time_end,
			dispatch_time, completed_at, batch_delay, max_batch_events, max_total_events
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING queue_id
	`
	markBackfillDispatchedQuery = `UPDATE backfill_queue SET dispatch_time=$2 WHERE queue_id=$1`
	markBackfillDoneQuery       = `UPDATE backfill_queue SET completed_at=$2 WHERE queue_id=$1`
	deleteBackfillsForPortalQuery = `
		DELETE FROM backfill_queue WHERE portal_fbid=$1 AND portal_fb_receiver=$2
	`
	deleteBackfillsForUserQuery = `DELETE FROM backfill_queue WHERE user_mxid=$1`
)

func (bq *BackfillQuery) NewWithValues(userID id.UserID, priority int, portal PortalKey, timeEnd *time.Time, maxBatchEvents, maxTotalEvents, batchDelay int) *Backfill {
	return &Backfill{
		qh:             bq.QueryHelper,
		UserMXID:       userID,
		Priority:       priority,
		Portal:         portal,
		TimeEnd:        timeEnd,
		MaxBatchEvents: maxBatchEvents,
		MaxTotalEvents: maxTotalEvents,
		BatchDelay:     batchDelay,
	}
}

// GetNext returns the highest priority queued task for the user, including
// previously dispatched ones whose claim has expired.
func (bq *BackfillQuery) GetNext(ctx context.Context, userID id.UserID) (*Backfill, error) {
	return bq.QueryOne(ctx, getNextBackfillQuery, userID, time.Now().Add(-backfillRedispatchAfter).UnixMilli())
}

func (bq *BackfillQuery) DeleteAllForPortal(ctx context.Context, portal PortalKey) error {
	return bq.Exec(ctx, deleteBackfillsForPortalQuery, portal.FBID, portal.Receiver)
}

func (bq *BackfillQuery) DeleteAllForUser(ctx context.Context, userID id.UserID) error {
	return bq.Exec(ctx, deleteBackfillsForUserQuery, userID)
}

type Backfill struct {
	qh *dbutil.QueryHelper[*Backfill]

	QueueID  int
	UserMXID id.UserID
	Priority int
	Portal   PortalKey

	// TimeEnd bounds the history fetch: only messages older than this are
	// pulled. Unset means start from the newest message.
	TimeEnd *time.Time

	DispatchTime *time.Time
	CompletedAt  *time.Time

	BatchDelay     int
	MaxBatchEvents int
	MaxTotalEvents int
}

func (b *Backfill) String() string {
	return fmt.Sprintf("Backfill{queue_id=%d, user=%s, priority=%d, portal=%s}", b.QueueID, b.UserMXID, b.Priority, b.Portal)
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	millis := t.UnixMilli()
	return &millis
}

func timePtr(millis sql.NullInt64) *time.Time {
	if !millis.Valid {
		return nil
	}
	t := time.UnixMilli(millis.Int64)
	return &t
}

func (b *Backfill) Scan(row dbutil.Scannable) (*Backfill, error) {
	var timeEnd, dispatchTime, completedAt sql.NullInt64
	err := row.Scan(
		&b.QueueID,
		&b.UserMXID,
		&b.Priority,
		&b.Portal.FBID,
		&b.Portal.Receiver,
		&timeEnd,
		&dispatchTime,
		&completedAt,
		&b.BatchDelay,
		&b.MaxBatchEvents,
		&b.MaxTotalEvents,
	)
	if err != nil {
		return nil, err
	}
	b.TimeEnd = timePtr(timeEnd)
	b.DispatchTime = timePtr(dispatchTime)
	b.CompletedAt = timePtr(completedAt)
	return b, nil
}

func (b *Backfill) Insert(ctx context.Context) error {
	return b.qh.GetDB().QueryRow(ctx, insertBackfillQuery,
		b.UserMXID, b.Priority, b.Portal.FBID, b.Portal.Receiver, millisPtr(b.TimeEnd),
		millisPtr(b.DispatchTime), millisPtr(b.CompletedAt), b.BatchDelay, b.MaxBatchEvents, b.MaxTotalEvents,
	).Scan(&b.QueueID)
}

func (b *Backfill) MarkDispatched(ctx context.Context) error {
	now := time.Now()
	b.DispatchTime = &now
	return b.qh.Exec(ctx, markBackfillDispatchedQuery, b.QueueID, now.UnixMilli())
}

func (b *Backfill) MarkDone(ctx context.Context) error {
	now := time.Now()
	b.CompletedAt = &now
	return b.qh.Exec(ctx, markBackfillDoneQuery, b.QueueID, now.UnixMilli())
}
