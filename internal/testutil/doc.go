// Package testutil holds deterministic fakes for the external capabilities
// the engine depends on: embeddings, extraction, completion and storage.
// Every fake supports error injection and records its calls.
package testutil
