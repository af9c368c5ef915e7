// Package scheduler registers cron, interval and one-shot triggers.
//
// It never runs jobs itself: every trigger enqueues a task into the task
// engine, which owns timeouts, retries and overlap gating.
package scheduler
