// Package asmv implements the core data model of the ASIMOV protocol: the
// message taxonomy exchanged between agents and services, the channel pair
// that binds the two sides of an invocation, wire-level schema validation,
// and the protocol version gate.
//
// The transport binding lives in package transport, the agent-side channel
// context in package agent, and the service-side context, runner and
// registry in package service.
package asmv
