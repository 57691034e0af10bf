// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single WebSocket connection shared by every room consumer
//   - Drives the Disconnected/Connecting/Connected/Reconnecting/Closed state machine
//   - Handles reconnection with jittered exponential backoff, forever, until Close
//   - Asks its Hooks to resubscribe rooms after every successful connect
//   - Hands inbound frames to the Event Router in socket order
//
// The manager's mutex also guards Room Registry state. Callers mutate both
// inside Manager.Do so a join-triggered subscribe and a reconnect-triggered
// resubscribe can never interleave.
package connection
