// Package delivery decides when a reminder notice is due and sends it.
//
// A poll job on the cron trigger service evaluates every live reminder once
// per interval. Optional one-shot timers wake the evaluation of a single
// reminder exactly at its trigger instants. Sends run on the task engine so
// one slow chat never holds up the others.
package delivery
