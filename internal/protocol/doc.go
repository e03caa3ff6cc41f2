// Package protocol owns the chunk relay wire contract.
//
// Ownership boundary:
// - error taxonomy shared by frame decode, session table and engine
// - frame classification and acknowledgment encoding (frame/)
// - reassembly session table (session/)
package protocol
