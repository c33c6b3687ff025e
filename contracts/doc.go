// Package contracts defines the wire envelopes exchanged by amqpkit on top of
// raw broker messages.
//
// Two envelopes exist:
//   - Message: an event request, {"eventName": string, "payload": object}
//   - Response: an RPC reply, {"err": null|object, "payload": object|null, "done": bool}
//
// A Response with done=false is a progress notification; done=true is the
// terminal reply of a call. Errors travel as an ErrorDescriptor carrying the
// error kind name so the receiving side can rebuild an equivalent *Error.
package contracts
