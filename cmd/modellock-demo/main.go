// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Command modellock-demo exercises lock.Lock the way spec.md §6 describes
// its three callers: a transaction driver holding exclusive across a
// multi-step, reentrant transaction; read traffic holding shared for the
// duration of a traversal; and a deadlock probe sampling availability
// with TryAcquireExclusive. It guards a single in-memory counter -- a
// stand-in for the mutable management model the real lock would guard --
// and is a demonstration, not a reimplementation of that controller.
package main

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nbtaylor/modellock/internal/telemetry"
	"github.com/nbtaylor/modellock/lock"
)

// model is the mutable state the Lock guards; its only job is to make
// "the writer observed a consistent value" visible to the reader.
type model struct {
	counter int64
}

func transactionDriver(ctx context.Context, log *zap.Logger, l *lock.Lock, m *model, permit lock.Permit, steps int) error {
	permitID, _ := permit.ID()
	correlationID := uuid.NewString()
	log = log.With(zap.String("correlation_id", correlationID), zap.Int64("permit", permitID))

	if err := l.AcquireExclusive(permit); err != nil {
		return err
	}
	defer func() {
		for i := 0; i < steps; i++ {
			if err := l.ReleaseExclusive(permit); err != nil {
				log.Error("release_exclusive failed", zap.Error(err))
			}
		}
	}()

	// A transaction reenters the lock once per step; reentry under the
	// same permit never blocks (spec.md P5).
	for step := 1; step < steps; step++ {
		if err := l.AcquireExclusive(permit); err != nil {
			return err
		}
	}

	m.counter++
	log.Info("transaction committed", zap.Int64("counter", m.counter), zap.Int("steps", steps))
	return nil
}

func readTraffic(ctx context.Context, log *zap.Logger, l *lock.Lock, m *model, permit lock.Permit) error {
	permitID, _ := permit.ID()
	correlationID := uuid.NewString()
	log = log.With(zap.String("correlation_id", correlationID), zap.Int64("permit", permitID))

	ok, err := l.AcquireSharedCtx(ctx, permit)
	if err != nil {
		log.Warn("read traversal interrupted", zap.Error(err))
		return err
	}
	if !ok {
		log.Info("read traversal timed out waiting for shared access")
		return nil
	}
	defer func() {
		if err := l.ReleaseShared(permit); err != nil {
			log.Error("release_shared failed", zap.Error(err))
		}
	}()

	log.Info("read traversal observed counter", zap.Int64("counter", m.counter))
	return nil
}

// deadlockProbe samples whether exclusive access is available to this
// permit right now, without enqueueing behind any waiter. As spec.md §9
// notes, a true result here means "available to me" -- which is always
// true for a permit that already holds the lock exclusively -- not
// "available to anyone".
func deadlockProbe(log *zap.Logger, l *lock.Lock, permit lock.Permit) {
	ok, err := l.TryAcquireExclusive(permit)
	if err != nil {
		log.Error("deadlock probe invalid", zap.Error(err))
		return
	}
	if ok {
		log.Info("deadlock probe: exclusive available to this permit")
		_ = l.ReleaseExclusive(permit)
		return
	}
	log.Info("deadlock probe: exclusive not immediately available")
}

func main() {
	log := telemetry.NewLogger("modellock-demo")
	defer log.Sync()

	l := lock.New()
	m := &model{}

	writer := lock.NewPermit(1)
	deadlockProbe(log, l, writer)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return transactionDriver(ctx, log, l, m, writer, 3)
	})

	const readers = 8
	for i := 0; i < readers; i++ {
		i := i
		g.Go(func() error {
			time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
			return readTraffic(ctx, log, l, m, lock.NewPermit(int64(100+i)))
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal("demo run failed", zap.Error(err))
	}

	deadlockProbe(log, l, writer)
	log.Info("demo complete", zap.Int64("final_counter", m.counter))
}
