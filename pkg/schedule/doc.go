// Package schedule runs periodic store maintenance.
//
// A Schedule computes the next run time. Every and Daily cover fixed
// cadences and Cron accepts a standard five-field expression. Sweeper
// uses a Schedule to prune job tombstones from every namespace in a store.
package schedule
