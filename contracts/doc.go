// Package contracts defines the message types shared by producers and consumers.
//
// Every message travels inside an Envelope that carries delivery metadata
// (id, type tag, timestamp, schema version, correlation id, retry budget)
// around a typed JSON body. The package provides:
//   - Constructors that produce fully populated messages with a fresh id
//   - Validators returning human-readable field errors for producer-side rejection
//   - DecodeMessage, which deserializes an envelope into exactly one typed
//     variant based on its type tag and rejects anything that does not parse
//   - The task status state machine and transition rules
//
// Messages are immutable once published. The only sanctioned mutation is the
// delivery engine incrementing retryCount when it republishes a failed message.
package contracts
