// Package engine hosts many blocks in one process. It owns the control loop,
// a pool of I/O loops that blocks are spread across, and a persistence loop.
// Block stats are synced to the store on a fixed cadence and on every stop;
// clearing results is deferred while any block is running. Block events are
// fanned out to subscribers through an EventBroker.
package engine
