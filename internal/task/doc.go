// Package task defines the task and milestone model shared by the
// scheduler, coordinator and workflow controller.
//
// All mutation goes through the Store, which is owned by the single
// coordinating control flow. Result reducers are precedence-aware: a
// terminal status is never downgraded by a stale update arriving late.
package task
