// Package monitor runs the periodic device health sweeps.
//
// Two cron-scheduled sweeps run while the monitor is started: the
// battery sweep audits devices whose battery level has fallen to or
// below their configured threshold, and the offline sweep marks
// devices offline when their last heartbeat is older than the
// configured cutoff, auditing each transition. Neither sweep touches
// lock state.
package monitor
