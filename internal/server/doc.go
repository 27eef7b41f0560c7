// Package server implements the push channel side of the chat delivery
// service.
//
// A Hub owns every live Session on a node. Sessions are bound to users in
// the Registry by a setup frame and subscribed to conversations in the
// RoomIndex by join frames. The Router fans new messages out to the live
// sessions of a conversation's members, and the Relay broadcasts typing
// signals to a room. With a Bus configured, both go through the bus so
// every node delivers to the sessions it holds.
package server
