// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auth

import (
	"context"
	"sync"
)

// refreshOutcome is what every waiter of an in-flight refresh receives.
type refreshOutcome struct {
	creds *Credentials
	err   error
}

// RefreshCoordinator guarantees at most one credential refresh in flight.
//
// # Description
//
// Every call that observes an expiry-class failure goes through the
// coordinator. The first caller becomes the leader and performs the
// refresh; everyone else is queued and receives the leader's outcome.
// This guarantees exactly one refresh request regardless of how many
// concurrent calls see the expiry, and that no waiting call is silently
// dropped - each one either gets fresh credentials or an explicit error.
//
// The coordinator owns the refreshing flag and the waiter queue
// exclusively; nothing else in the package touches them.
//
// # Examples
//
//	wait, leader := coord.AcquireOrWait()
//	if !leader {
//	    return wait(ctx)
//	}
//	creds, err := callRefreshEndpoint(ctx)
//	if err != nil {
//	    coord.RejectAll(err)
//	    return nil, err
//	}
//	coord.ResolveAll(*creds)
//	return creds, nil
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Assumptions
//
//   - The leader always calls exactly one of ResolveAll or RejectAll.
type RefreshCoordinator struct {
	mu         sync.Mutex
	refreshing bool
	waiters    []chan refreshOutcome
}

// NewRefreshCoordinator creates an idle coordinator.
func NewRefreshCoordinator() *RefreshCoordinator {
	return &RefreshCoordinator{}
}

// AcquireOrWait either claims leadership of a new refresh or joins the
// one already in flight.
//
// # Outputs
//
//   - wait: Non-nil only for followers. Blocks until the leader resolves
//     or rejects, or until ctx is done.
//   - leader: True if the caller must perform the refresh and then call
//     ResolveAll or RejectAll.
func (c *RefreshCoordinator) AcquireOrWait() (wait func(context.Context) (*Credentials, error), leader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.refreshing {
		c.refreshing = true
		return nil, true
	}

	// Buffered so the leader's drain never blocks on a waiter that
	// already gave up via context cancellation.
	ch := make(chan refreshOutcome, 1)
	c.waiters = append(c.waiters, ch)

	return func(ctx context.Context) (*Credentials, error) {
		select {
		case out := <-ch:
			return out.creds, out.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, false
}

// ResolveAll completes the in-flight refresh successfully, handing the
// rotated credentials to every queued waiter.
func (c *RefreshCoordinator) ResolveAll(creds Credentials) {
	c.drain(refreshOutcome{creds: &creds})
}

// RejectAll fails the in-flight refresh, propagating err to every queued
// waiter.
func (c *RefreshCoordinator) RejectAll(err error) {
	c.drain(refreshOutcome{err: err})
}

func (c *RefreshCoordinator) drain(out refreshOutcome) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- out
	}
}
