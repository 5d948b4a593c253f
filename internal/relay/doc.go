// Package relay is the reference signaling relay for mesh rooms.
//
// Each WebSocket connection joins one room. The relay sends the joiner the
// current roster once, announces the newcomer to everyone else, forwards
// offer/answer/ice envelopes to the addressed member and broadcasts
// departures. It never inspects or stores media.
package relay
