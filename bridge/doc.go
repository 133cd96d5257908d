// Package bridge relays inbound HTTP requests to a guest and writes back
// what the guest completes.
//
// A Server implements guest.Host. When the guest calls serve, the Server
// binds the port encoded in the hint and routes every request on that
// listener to the guest's handler reference. Per request it:
//
//  1. buffers the body (up to the configured limit) into an exchange
//     tracked under a fresh guest.RequestID,
//  2. dispatches the id to the guest without waiting for it,
//  3. waits for the exchange's one-shot completion, then writes headers,
//     status and body in a single response.
//
// A second completion is rejected with guest.ErrAlreadyCompleted. A failed
// completion becomes 502. A request the guest never completes stays open
// until the client leaves or the optional request timeout answers 504.
package bridge
