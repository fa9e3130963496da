package types

// Version is the canonical project version.
// The CLI, the remote link protocol and the archive record layout share
// this version per the lockstep versioning policy.
const Version = "0.1.0"

// ProtocolVersion is the remote link protocol version carried in the
// setup frame. Kept equal to Version.
const ProtocolVersion = Version
