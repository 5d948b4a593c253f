// Package mesh runs one participant of a full-mesh call: a PeerConnection per
// remote peer, negotiated over the signaling relay and fed with the local
// capture tracks.
//
// All connection state is owned by a single controller goroutine. Signaling
// envelopes, pion callbacks and user actions are posted to its mailbox and
// applied in order, so handlers never race with each other and pion callbacks
// fired from inside PeerConnection.Close cannot deadlock.
package mesh
