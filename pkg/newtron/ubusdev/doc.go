// Package ubusdev implements the state-synchronization engine that lets the
// newtron device daemon delegate realization of a device class to an
// external device handler reached over a local message-passing bus.
//
// For every declared class, ubusdev registers a DeviceClass, keeps a local
// shadow (DeviceShadow, or its bridge specialization BridgeShadow) in sync
// with the remote handler through asynchronous RPC (Invoker) and inbound
// notifications (Router), and drives a bridge-membership sub-state-machine
// (MemberShadow) that orders member attachment after bridge creation.
//
// The package never talks to the remote handler's own state machine and
// makes no exactly-once delivery guarantee across handler restarts; it only
// bounds retries and re-subscribes when the handler reappears.
package ubusdev
