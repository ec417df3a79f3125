// Package engine decides whether an ingested signal should autonomously
// trigger a step of the team's active rule graph.
//
// An evaluation runs these stages in order:
//
//  1. Idempotency guard: live evaluations of an already evaluated signal stop here.
//  2. Rule lookup: the team's single active rule graph supplies candidate nodes.
//  3. Context retrieval: best-effort knowledge snippets for the classifier.
//  4. Intent matching: the classifier picks a candidate and a confidence.
//  5. Decision policy: confidence below the noise floor records nothing,
//     below the execution threshold records a skipped run.
//  6. Safety gate: the team kill switch and the per-node switch.
//  7. Dispatch and audit: live runs execute the action; every recorded run is
//     finalized exactly once as completed, failed or skipped.
//
// Evaluate never returns an error. Its Outcome and the audit log are the only
// way to observe what happened.
package engine
