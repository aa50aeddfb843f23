// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// HandlerFunc processes one entry. If it returns an error wrapped
// with Permanent, or panics, the error is logged and the entry is
// considered handled. Any other error makes the consumer call it
// again for the same entry after a delay.
type HandlerFunc func(context.Context, Entry) error

// Permanent marks err as one that handling the entry again would not
// fix, like an entry that cannot be decoded.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

type permanentError struct{ error }

func (pe permanentError) Unwrap() error { return pe.error }

// Consumer reads a topic and calls Handler for each entry. Entries
// with the same key are handled one at a time, in offset order;
// entries with different keys are handled concurrently by up to
// Workers goroutines.
//
// If Group is non-empty, the consumer resumes from the group's
// committed offset and commits after each batch, so an entry can be
// handled again after a crash. A batch is committed only once every
// entry in it is handled; an entry whose handler keeps failing holds
// back the batch and the offset. If Group is empty, the consumer
// starts from the beginning of the topic and does not commit.
type Consumer struct {
	Log       Log
	Topic     string
	Group     string
	Workers   int
	BatchSize int
	Handler   HandlerFunc
	Logger    logrus.FieldLogger
	Registry  *prometheus.Registry

	// Delay before the first retry of a failed entry. It doubles
	// with each further attempt, up to MaxRetryDelay. Defaults are
	// 1s and 1m.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// Called after each batch with the last offset handled.
	CaughtUp func(offset int64)

	mHandled *prometheus.CounterVec
	mOffset  prometheus.Gauge
}

// Run consumes until ctx is done or the log fails.
func (cons *Consumer) Run(ctx context.Context) error {
	if cons.Workers < 1 {
		cons.Workers = 1
	}
	if cons.BatchSize < 1 {
		cons.BatchSize = 100
	}
	if cons.RetryDelay <= 0 {
		cons.RetryDelay = time.Second
	}
	if cons.MaxRetryDelay <= 0 {
		cons.MaxRetryDelay = time.Minute
	}
	if cons.MaxRetryDelay < cons.RetryDelay {
		cons.MaxRetryDelay = cons.RetryDelay
	}
	cons.registerMetrics()
	logger := cons.Logger.WithFields(logrus.Fields{"Topic": cons.Topic, "Group": cons.Group})

	var position int64
	if cons.Group != "" {
		var err error
		position, err = cons.Log.Committed(ctx, cons.Group, cons.Topic)
		if err != nil {
			return fmt.Errorf("reading committed offset: %w", err)
		}
	}
	logger.WithField("Offset", position).Info("consumer starting")

	queues := make([]chan Entry, cons.Workers)
	var batch sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan Entry, cons.BatchSize)
		go func(q <-chan Entry) {
			for ent := range q {
				cons.handle(ctx, logger, ent)
				batch.Done()
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
	}()

	for {
		entries, err := cons.Log.Read(ctx, cons.Topic, position, cons.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading %s: %w", cons.Topic, err)
		}
		if len(entries) == 0 {
			if cons.CaughtUp != nil {
				cons.CaughtUp(position)
			}
			if err := cons.Log.Wait(ctx, cons.Topic, position); err != nil {
				return err
			}
			continue
		}
		batch.Add(len(entries))
		for _, ent := range entries {
			queues[workerFor(ent.Key, cons.Workers)] <- ent
		}
		batch.Wait()
		if ctx.Err() != nil {
			// Some entries may have been abandoned mid-retry.
			return ctx.Err()
		}
		position = entries[len(entries)-1].Offset
		cons.mOffset.Set(float64(position))
		if cons.Group != "" {
			if err := cons.Log.Commit(ctx, cons.Group, cons.Topic, position); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("committing offset %d: %w", position, err)
			}
		}
	}
}

func (cons *Consumer) handle(ctx context.Context, logger logrus.FieldLogger, ent Entry) {
	logger = logger.WithFields(logrus.Fields{"Offset": ent.Offset, "Key": ent.Key})
	delay := cons.RetryDelay
	for attempt := 1; ; attempt++ {
		panicked, err := cons.call(ctx, ent)
		switch {
		case panicked:
			logger.WithError(err).Error("handler panic")
			cons.mHandled.WithLabelValues("panic").Inc()
			return
		case err == nil:
			cons.mHandled.WithLabelValues("ok").Inc()
			return
		case IsPermanent(err):
			logger.WithError(err).Warn("handler failed, skipping entry")
			cons.mHandled.WithLabelValues("error").Inc()
			return
		case ctx.Err() != nil:
			return
		}
		logger.WithError(err).WithFields(logrus.Fields{
			"Attempt": attempt,
			"RetryIn": delay.String(),
		}).Warn("handler failed, will retry")
		cons.mHandled.WithLabelValues("retry").Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if delay *= 2; delay > cons.MaxRetryDelay {
			delay = cons.MaxRetryDelay
		}
	}
}

func (cons *Consumer) call(ctx context.Context, ent Entry) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked, err = true, fmt.Errorf("%v", r)
		}
	}()
	return false, cons.Handler(ctx, ent)
}

func workerFor(key string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(workers))
}

func (cons *Consumer) registerMetrics() {
	reg := cons.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	labels := prometheus.Labels{"topic": cons.Topic, "group": cons.Group}
	cons.mHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "slurmbridge",
		Subsystem:   "eventlog",
		Name:        "entries_handled_total",
		Help:        "Number of log entries handled, by outcome.",
		ConstLabels: labels,
	}, []string{"outcome"})
	reg.MustRegister(cons.mHandled)
	cons.mOffset = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "slurmbridge",
		Subsystem:   "eventlog",
		Name:        "consumer_offset",
		Help:        "Offset of the last entry handled.",
		ConstLabels: labels,
	})
	reg.MustRegister(cons.mOffset)
}
