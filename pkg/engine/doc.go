// Package engine implements the relay state machine that drives one page
// context through a job: waiting for the page, submitting the prompt in
// chunks, waiting for generation, parsing the response, fanning manifest
// items out to new page contexts and settling the result.
//
// The engine is cooperative. Tick performs at most one step and never
// sleeps; every wait is a deadline checked against the injected clock. Run
// drives Tick on a ticker until the job is finished or the context ends.
//
// Coordination with other page contexts goes through the shared
// core.QueueStore: the generation lock is held from submission until the
// response has been captured. It is released when the job enters parsing,
// before any manifest dispatch or settling, so other page contexts can
// submit while this one fans out. Settling only re-releases the lock when
// a rejected write is retried.
//
// A manifest response that is not a JSON list is kept as the job result
// and settles without fan-out.
package engine
